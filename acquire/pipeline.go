package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/metrics"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/result"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/scratch"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

var ErrCanceled = errors.New("acquisition canceled")

type Mode int

const (
	// ModeAmbient acquires for immediate playback. The record is cached as
	// online and may be replaced or evicted.
	ModeAmbient Mode = iota
	// ModePinned acquires for offline use. The record is kept until removed.
	ModePinned
)

func (m Mode) String() string {
	switch m {
	case ModeAmbient:
		return "ambient"
	case ModePinned:
		return "pinned"
	default:
		return "unknown"
	}
}

type Request struct {
	User     *session.User
	TrackID  string
	Name     string
	Artist   string
	CoverURL string
}

type Fetcher interface {
	ResolveAudioURL(ctx context.Context, logger zerolog.Logger, user *session.User, trackID string) (*types.AudioSource, error)
	FetchCover(ctx context.Context, logger zerolog.Logger, coverURL string) (*types.Cover, error)
	FetchLyrics(ctx context.Context, logger zerolog.Logger, user *session.User, trackID string) (*types.Lyrics, error)
	FetchAudio(ctx context.Context, logger zerolog.Logger, src types.AudioSource, dst scratch.Asset, onProgress func(float64)) (int64, error)
}

type Scratch interface {
	Reserve() scratch.Asset
	EnsureReadableWhenLocked(a scratch.Asset) error
}

// StepsError lists every step that failed during one acquisition.
type StepsError struct {
	TrackID string
	Failed  map[Step]error
}

func (e *StepsError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, step := range Steps {
		if err, ok := e.Failed[step]; ok {
			parts = append(parts, step.String()+": "+err.Error())
		}
	}

	return "failed to acquire track " + e.TrackID + ": " + strings.Join(parts, "; ")
}

func (e *StepsError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, step := range Steps {
		if err, ok := e.Failed[step]; ok {
			out = append(out, err)
		}
	}

	return out
}

type Pipeline struct {
	fetcher Fetcher
	scratch Scratch
}

func NewPipeline(fetcher Fetcher, s Scratch) *Pipeline {
	return &Pipeline{
		fetcher: fetcher,
		scratch: s,
	}
}

// Acquire fetches everything a playable track record needs. Audio resolution
// followed by the audio download runs alongside the cover and lyrics fetches.
// A failing branch does not stop the others; the outcome is decided once all
// of them have finished. onProgress may be nil.
func (p *Pipeline) Acquire(
	ctx context.Context,
	logger zerolog.Logger,
	req Request,
	mode Mode,
	onProgress func(Snapshot),
) (*types.TrackRecord, error) {
	logger = logger.With().Str("track_id", req.TrackID).Str("mode", mode.String()).Logger()

	if nil != ctx.Err() {
		metrics.Acquisitions.WithLabelValues(mode.String(), metrics.OutcomeCanceled).Inc()
		return nil, fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx))
	}

	// Cover and audio come from the CDN without credentials, so the session
	// is checked here before anything is fetched.
	if nil == req.User || !req.User.Authenticated() {
		logger.Error().Msg("Acquisition requested without an authenticated session")
		metrics.Acquisitions.WithLabelValues(mode.String(), metrics.OutcomeFailed).Inc()

		return nil, fmt.Errorf("failed to acquire track %s: %w", req.TrackID, session.ErrUnauthorized)
	}

	asset := p.scratch.Reserve()
	if err := p.scratch.EnsureReadableWhenLocked(asset); nil != err {
		logger.Error().Err(err).Str("path", asset.Path).Msg("Failed to prepare scratch file")
		metrics.Acquisitions.WithLabelValues(mode.String(), metrics.OutcomeFailed).Inc()

		return nil, fmt.Errorf("failed to prepare scratch file: %w", err)
	}

	state := newState(req.TrackID, onProgress)

	var (
		wg        errgroup.Group
		audioRes  result.Of[audioResult]
		coverRes  result.Of[types.Cover]
		lyricsRes result.Of[types.Lyrics]
	)
	wg.Go(func() error {
		audioRes = p.audioBranch(ctx, logger, req, asset, state)
		return audioRes.Err()
	})
	wg.Go(func() error {
		coverRes = runStep(ctx, state, StepCover, func() (*types.Cover, error) {
			return p.fetcher.FetchCover(ctx, logger, req.CoverURL)
		})
		return coverRes.Err()
	})
	wg.Go(func() error {
		lyricsRes = runStep(ctx, state, StepLyrics, func() (*types.Lyrics, error) {
			return p.fetcher.FetchLyrics(ctx, logger, req.User, req.TrackID)
		})
		return lyricsRes.Err()
	})
	if err := wg.Wait(); nil != err {
		logger.Debug().Err(err).Msg("At least one acquisition branch failed")
	}

	snap := state.Snapshot()

	if nil != ctx.Err() {
		logger.Warn().Dict("state", snap.ToDict()).Msg("Acquisition canceled")
		metrics.Acquisitions.WithLabelValues(mode.String(), metrics.OutcomeCanceled).Inc()

		return nil, fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx))
	}

	if failed := snap.Failed(); len(failed) > 0 {
		stepsErr := &StepsError{TrackID: req.TrackID, Failed: make(map[Step]error, len(failed))}
		for _, step := range failed {
			stepsErr.Failed[step] = snap.Steps[step].Err
			metrics.StepFailures.WithLabelValues(step.String()).Inc()
		}
		logger.Error().Err(stepsErr).Dict("state", snap.ToDict()).Msg("Acquisition failed")
		metrics.Acquisitions.WithLabelValues(mode.String(), metrics.OutcomeFailed).Inc()

		if err := asset.Remove(); nil != err {
			logger.Warn().Err(err).Msg("Failed to remove scratch file")
		}

		return nil, stepsErr
	}

	audio := audioRes.Unwrap()
	cover := coverRes.Unwrap()
	lyrics := lyricsRes.Unwrap()

	rec := &types.TrackRecord{ //nolint:exhaustruct
		ID:        req.TrackID,
		Name:      req.Name,
		Artist:    req.Artist,
		Lyric:     lyrics.Raw,
		TLyric:    lyrics.Translated,
		Cover:     cover.Data,
		CoverMIME: cover.MIME,
		Audio:     audio.data,
		Fidelity:  audio.source.Fidelity,
		Ext:       audio.source.Container,
		IsOnline:  mode == ModeAmbient,
	}

	if err := asset.Remove(); nil != err {
		logger.Warn().Err(err).Msg("Failed to remove scratch file")
	}

	metrics.Acquisitions.WithLabelValues(mode.String(), metrics.OutcomeAcquired).Inc()
	logger.Info().Dict("track", rec.ToDict()).Msg("Track acquired")

	return rec, nil
}

type audioResult struct {
	source *types.AudioSource
	data   []byte
}

func (p *Pipeline) audioBranch(
	ctx context.Context,
	logger zerolog.Logger,
	req Request,
	asset scratch.Asset,
	state *State,
) result.Of[audioResult] {
	src := runStep(ctx, state, StepResolve, func() (*types.AudioSource, error) {
		return p.fetcher.ResolveAudioURL(ctx, logger, req.User, req.TrackID)
	})
	if err := src.Err(); nil != err {
		return result.Err[audioResult](err)
	}
	source := src.Unwrap()
	logger.Debug().Dict("source", source.ToDict()).Msg("Audio URL resolved")

	return runStep(ctx, state, StepAudio, func() (*audioResult, error) {
		n, err := p.fetcher.FetchAudio(ctx, logger, *source, asset, state.audioProgress)
		if nil != err {
			return nil, err
		}
		metrics.AudioBytes.Add(float64(n))

		data, err := asset.Read()
		if nil != err {
			return nil, err
		}

		return &audioResult{source: source, data: data}, nil
	})
}

// runStep runs fn unless ctx is already done and records its outcome in state.
func runStep[T any](ctx context.Context, state *State, step Step, fn func() (*T, error)) result.Of[T] {
	if nil != ctx.Err() {
		err := fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx))
		state.fail(step, err)

		return result.Err[T](err)
	}

	v, err := fn()
	if nil == err && nil == v {
		err = fmt.Errorf("%s step returned no result", step)
	}
	if nil != err {
		state.fail(step, err)
		return result.Err[T](err)
	}

	state.done(step)

	return result.Ok(v)
}
