package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/acquire"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/iterutil"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/mathutil"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/metrics"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/must"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

var ErrSuperseded = errors.New("batch superseded by a newer run")

type Status int

const (
	StatusWaiting Status = iota
	StatusDownloading
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusDownloading:
		return "downloading"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ItemError is the failure of a single batch entry.
type ItemError struct {
	Index   int
	TrackID string
	Err     error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("failed to download item %d (track %s): %v", e.Index, e.TrackID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

type Item struct {
	Track  types.TrackInfo
	Status Status
	Err    *ItemError
}

// Message is the human readable failure reason, empty unless the item failed.
func (i Item) Message() string {
	if nil == i.Err {
		return ""
	}

	return i.Err.Err.Error()
}

type Snapshot struct {
	State       State
	Items       []Item
	Completed   int
	Failed      int
	Current     int
	Progress    float64
	Acquisition *acquire.Snapshot
}

func (s Snapshot) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("state", s.State.String()).
		Int("items", len(s.Items)).
		Int("completed", s.Completed).
		Int("failed", s.Failed).
		Int("current", s.Current).
		Float64("progress", s.Progress)
}

type Loader interface {
	Load(
		ctx context.Context,
		logger zerolog.Logger,
		req acquire.Request,
		mode acquire.Mode,
		onProgress func(acquire.Snapshot),
	) (*types.TrackRecord, error)
}

// Coordinator drives at most one batch run at a time. Starting a new run
// cancels the previous one.
type Coordinator struct {
	loader   Loader
	sem      *semaphore.Weighted
	onUpdate func(Snapshot)
	mux      sync.Mutex
	current  *Run
}

// NewCoordinator creates a coordinator. onUpdate may be nil.
func NewCoordinator(loader Loader, onUpdate func(Snapshot)) *Coordinator {
	return &Coordinator{
		loader:   loader,
		sem:      semaphore.NewWeighted(1),
		onUpdate: onUpdate,
		mux:      sync.Mutex{},
		current:  nil,
	}
}

// Start begins downloading tracks in order and returns immediately. The
// returned run starts downloading once any superseded run has finished its
// in-flight item.
func (c *Coordinator) Start(ctx context.Context, logger zerolog.Logger, tracks []types.TrackInfo, user *session.User) *Run {
	run := newRun(tracks, c.onUpdate)

	c.mux.Lock()
	if prev := c.current; nil != prev {
		logger.Info().Msg("Superseding running batch")
		prev.cancel(ErrSuperseded)
	}
	c.current = run
	c.mux.Unlock()

	go run.drive(ctx, logger, c.loader, c.sem, user)

	return run
}

// Cancel stops the current run after its in-flight item.
func (c *Coordinator) Cancel() {
	c.mux.Lock()
	defer c.mux.Unlock()

	if nil != c.current {
		c.current.Cancel()
	}
}

func (c *Coordinator) Current() *Run {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.current
}

type Run struct {
	mux         sync.Mutex
	items       []Item
	state       State
	acquisition *acquire.Snapshot
	canceled    atomic.Bool
	cause       atomic.Pointer[error]
	onUpdate    func(Snapshot)
	done        chan struct{}
}

func newRun(tracks []types.TrackInfo, onUpdate func(Snapshot)) *Run {
	items := iterutil.Map(tracks, func(_ int, t types.TrackInfo) Item {
		return Item{Track: t, Status: StatusWaiting, Err: nil}
	})

	return &Run{ //nolint:exhaustruct
		items:    items,
		state:    StateIdle,
		onUpdate: onUpdate,
		done:     make(chan struct{}),
	}
}

// Cancel is observed between items; an in-flight item is allowed to finish.
func (r *Run) Cancel() {
	r.cancel(context.Canceled)
}

func (r *Run) cancel(cause error) {
	r.cause.CompareAndSwap(nil, &cause)
	r.canceled.Store(true)
}

// Cause reports why the run was cancelled, or nil.
func (r *Run) Cause() error {
	if p := r.cause.Load(); nil != p {
		return *p
	}

	return nil
}

// Wait blocks until the run stops or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) Items() []Item {
	r.mux.Lock()
	defer r.mux.Unlock()

	out := make([]Item, len(r.items))
	copy(out, r.items)

	return out
}

func (r *Run) State() State {
	r.mux.Lock()
	defer r.mux.Unlock()

	return r.state
}

func (r *Run) Completed() int {
	r.mux.Lock()
	defer r.mux.Unlock()

	return r.countLocked(StatusDone)
}

func (r *Run) Failed() []*ItemError {
	r.mux.Lock()
	defer r.mux.Unlock()

	var out []*ItemError
	for _, item := range r.items {
		if item.Status == StatusFailed {
			out = append(out, item.Err)
		}
	}

	return out
}

// Current returns the index of the item being downloaded.
func (r *Run) Current() (int, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()

	idx := iterutil.IndexWhere(r.items, func(item Item) bool { return item.Status == StatusDownloading })

	return idx, idx != -1
}

// Progress is the fraction of items that finished, successfully or not.
func (r *Run) Progress() float64 {
	r.mux.Lock()
	defer r.mux.Unlock()

	return mathutil.Fraction(r.countLocked(StatusDone)+r.countLocked(StatusFailed), len(r.items))
}

func (r *Run) Snapshot() Snapshot {
	r.mux.Lock()
	defer r.mux.Unlock()

	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	items := make([]Item, len(r.items))
	copy(items, r.items)

	var acq *acquire.Snapshot
	if nil != r.acquisition {
		s := *r.acquisition
		acq = &s
	}

	done := r.countLocked(StatusDone)
	failed := r.countLocked(StatusFailed)

	return Snapshot{
		State:       r.state,
		Items:       items,
		Completed:   done,
		Failed:      failed,
		Current:     iterutil.IndexWhere(items, func(item Item) bool { return item.Status == StatusDownloading }),
		Progress:    mathutil.Fraction(done+failed, len(items)),
		Acquisition: acq,
	}
}

func (r *Run) countLocked(status Status) int {
	n := 0
	for _, item := range r.items {
		if item.Status == status {
			n++
		}
	}

	return n
}

func (r *Run) update(fn func()) {
	r.mux.Lock()
	fn()
	snap := r.snapshotLocked()
	r.mux.Unlock()

	if nil != r.onUpdate {
		r.onUpdate(snap)
	}
}

func (r *Run) stopped(ctx context.Context) bool {
	return r.canceled.Load() || nil != ctx.Err()
}

func (r *Run) drive(ctx context.Context, logger zerolog.Logger, loader Loader, sem *semaphore.Weighted, user *session.User) {
	defer close(r.done)

	if err := sem.Acquire(ctx, 1); nil != err {
		r.update(func() { r.state = StateCancelled })
		return
	}
	defer sem.Release(1)

	if r.stopped(ctx) {
		r.update(func() { r.state = StateCancelled })
		return
	}

	r.update(func() { r.state = StateRunning })
	logger.Info().Int("items", len(r.items)).Msg("Batch download started")

	for i := range r.items {
		if r.stopped(ctx) {
			r.update(func() { r.state = StateCancelled })
			logger.Warn().Int("next_index", i).Msg("Batch download cancelled")

			return
		}

		r.downloadItem(ctx, logger, loader, user, i)
	}

	r.update(func() { r.state = StateCompleted })
	logger.Info().Dict("batch", r.Snapshot().ToDict()).Msg("Batch download completed")
}

func (r *Run) downloadItem(ctx context.Context, logger zerolog.Logger, loader Loader, user *session.User, i int) {
	track := r.items[i].Track
	logger = logger.With().Int("index", i).Str("track_id", track.ID).Logger()

	r.update(func() {
		must.Be(r.items[i].Status == StatusWaiting, "batch item must be waiting before download")
		r.items[i].Status = StatusDownloading
		r.acquisition = nil
	})

	req := acquire.Request{
		User:     user,
		TrackID:  track.ID,
		Name:     track.Name,
		Artist:   track.Artist(),
		CoverURL: track.CoverURL,
	}
	_, err := loader.Load(ctx, logger, req, acquire.ModePinned, func(s acquire.Snapshot) {
		r.update(func() { r.acquisition = &s })
	})

	if nil != err {
		logger.Error().Err(err).Msg("Failed to download batch item")
		metrics.BatchItems.WithLabelValues(StatusFailed.String()).Inc()
		r.update(func() {
			r.items[i].Status = StatusFailed
			r.items[i].Err = &ItemError{Index: i, TrackID: track.ID, Err: err}
			r.acquisition = nil
		})

		return
	}

	logger.Debug().Msg("Batch item downloaded")
	metrics.BatchItems.WithLabelValues(StatusDone.String()).Inc()
	r.update(func() {
		r.items[i].Status = StatusDone
		r.acquisition = nil
	})
}
