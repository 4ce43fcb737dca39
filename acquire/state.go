package acquire

import (
	"sync"

	"github.com/rs/zerolog"
)

type Step int

const (
	StepResolve Step = iota
	StepCover
	StepLyrics
	StepAudio
)

var Steps = [...]Step{StepResolve, StepCover, StepLyrics, StepAudio}

func (s Step) String() string {
	switch s {
	case StepResolve:
		return "resolve"
	case StepCover:
		return "cover"
	case StepLyrics:
		return "lyrics"
	case StepAudio:
		return "audio"
	default:
		return "unknown"
	}
}

type Phase int

const (
	PhasePending Phase = iota
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type StepStatus struct {
	Phase Phase
	Err   error
}

// Snapshot is a point-in-time copy of an acquisition's progress.
type Snapshot struct {
	TrackID       string
	Steps         [len(Steps)]StepStatus
	AudioFraction float64
}

// Status is failed as soon as any step failed and done only when every step
// is done.
func (s Snapshot) Status() Phase {
	done := 0
	for _, st := range s.Steps {
		switch st.Phase {
		case PhaseFailed:
			return PhaseFailed
		case PhaseDone:
			done++
		case PhasePending:
		}
	}

	if done == len(s.Steps) {
		return PhaseDone
	}

	return PhasePending
}

func (s Snapshot) Failed() []Step {
	var out []Step
	for _, step := range Steps {
		if s.Steps[step].Phase == PhaseFailed {
			out = append(out, step)
		}
	}

	return out
}

func (s Snapshot) ToDict() *zerolog.Event {
	d := zerolog.Dict().Str("status", s.Status().String())
	for _, step := range Steps {
		d = d.Str(step.String(), s.Steps[step].Phase.String())
	}

	return d.Float64("audio_fraction", s.AudioFraction)
}

// State is shared by the concurrent branches of one acquisition. Every change
// is published to onChange in the order it was applied.
type State struct {
	notifyMux sync.Mutex
	mux       sync.Mutex
	snap      Snapshot
	onChange  func(Snapshot)
}

func newState(trackID string, onChange func(Snapshot)) *State {
	return &State{
		notifyMux: sync.Mutex{},
		mux:       sync.Mutex{},
		snap:      Snapshot{TrackID: trackID, Steps: [len(Steps)]StepStatus{}, AudioFraction: 0},
		onChange:  onChange,
	}
}

func (st *State) Snapshot() Snapshot {
	st.mux.Lock()
	defer st.mux.Unlock()

	return st.snap
}

func (st *State) done(step Step) {
	st.update(func(s *Snapshot) {
		s.Steps[step] = StepStatus{Phase: PhaseDone, Err: nil}
		if step == StepAudio {
			s.AudioFraction = 1
		}
	})
}

func (st *State) fail(step Step, err error) {
	st.update(func(s *Snapshot) { s.Steps[step] = StepStatus{Phase: PhaseFailed, Err: err} })
}

func (st *State) audioProgress(f float64) {
	st.update(func(s *Snapshot) { s.AudioFraction = f })
}

func (st *State) update(fn func(*Snapshot)) {
	st.notifyMux.Lock()
	defer st.notifyMux.Unlock()

	st.mux.Lock()
	fn(&st.snap)
	snap := st.snap
	st.mux.Unlock()

	if nil != st.onChange {
		st.onChange(snap)
	}
}
