package acquire_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/acquire"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/catalog"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/scratch"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/store"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

var errCoverDown = errors.New("cover host unreachable")

type fakeFetcher struct {
	mux    sync.Mutex
	events []string

	source     *types.AudioSource
	resolveErr error
	onResolve  func()
	coverErr   error
	lyrics     *types.Lyrics
	audio      []byte
	audioErr   error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		mux:        sync.Mutex{},
		events:     nil,
		source:     &types.AudioSource{URL: "http://cdn/123.m4a", Size: 5, Container: "m4a", Fidelity: "standard"},
		resolveErr: nil,
		onResolve:  nil,
		coverErr:   nil,
		lyrics:     &types.Lyrics{Raw: "", Translated: ""},
		audio:      []byte("audio"),
		audioErr:   nil,
	}
}

func (f *fakeFetcher) record(event string) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeFetcher) Events() []string {
	f.mux.Lock()
	defer f.mux.Unlock()

	return slices.Clone(f.events)
}

func (f *fakeFetcher) ResolveAudioURL(_ context.Context, _ zerolog.Logger, _ *session.User, _ string) (*types.AudioSource, error) {
	f.record("resolve:start")
	if nil != f.onResolve {
		f.onResolve()
	}
	defer f.record("resolve:end")

	if nil != f.resolveErr {
		return nil, f.resolveErr
	}

	return f.source, nil
}

func (f *fakeFetcher) FetchCover(_ context.Context, _ zerolog.Logger, _ string) (*types.Cover, error) {
	f.record("cover")
	if nil != f.coverErr {
		return nil, f.coverErr
	}

	return &types.Cover{Data: []byte("jpeg"), MIME: "image/jpeg"}, nil
}

func (f *fakeFetcher) FetchLyrics(_ context.Context, _ zerolog.Logger, _ *session.User, _ string) (*types.Lyrics, error) {
	f.record("lyrics")
	return f.lyrics, nil
}

func (f *fakeFetcher) FetchAudio(_ context.Context, _ zerolog.Logger, src types.AudioSource, dst scratch.Asset, onProgress func(float64)) (int64, error) {
	f.record("audio:" + src.URL)
	if nil != f.audioErr {
		return 0, f.audioErr
	}

	onProgress(0.5)
	if err := dst.Write(f.audio); nil != err {
		return 0, err
	}
	onProgress(1)

	return int64(len(f.audio)), nil
}

type lockState bool

func (l lockState) Unlocked() bool {
	return bool(l)
}

func newScratch(t *testing.T, lock scratch.LockState) *scratch.Store {
	t.Helper()

	s, err := scratch.Open(zerolog.Nop(), filepath.Join(t.TempDir(), "scratch"), lock)
	require.NoError(t, err)

	return s
}

func newStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), zerolog.Nop(), filepath.Join(t.TempDir(), "tracks.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func request() acquire.Request {
	return acquire.Request{
		User:     &session.User{ID: "42", Nickname: "watch", Cookie: "MUSIC_U=abc"},
		TrackID:  "123",
		Name:     "Song",
		Artist:   "Artist",
		CoverURL: "http://img/123.jpg",
	}
}

func TestAcquireAssemblesRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode     acquire.Mode
		isOnline bool
	}{
		{mode: acquire.ModeAmbient, isOnline: true},
		{mode: acquire.ModePinned, isOnline: false},
	}
	for _, test := range tests {
		t.Run(test.mode.String(), func(t *testing.T) {
			t.Parallel()

			f := newFakeFetcher()
			sc := newScratch(t, scratch.AlwaysUnlocked{})
			p := acquire.NewPipeline(f, sc)

			rec, err := p.Acquire(context.Background(), zerolog.Nop(), request(), test.mode, nil)
			require.NoError(t, err)

			assert.Equal(t, "123", rec.ID)
			assert.Equal(t, "Song", rec.Name)
			assert.Equal(t, "Artist", rec.Artist)
			assert.Equal(t, []byte("jpeg"), rec.Cover)
			assert.Equal(t, "image/jpeg", rec.CoverMIME)
			assert.Equal(t, []byte("audio"), rec.Audio)
			assert.Equal(t, "m4a", rec.Ext)
			assert.Equal(t, "standard", rec.Fidelity)
			assert.Empty(t, rec.Lyric)
			assert.Empty(t, rec.TLyric)
			assert.Equal(t, test.isOnline, rec.IsOnline)

			entries, err := os.ReadDir(sc.Dir())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestAcquireDownloadsOnlyAfterResolving(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	p := acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{}))

	_, err := p.Acquire(context.Background(), zerolog.Nop(), request(), acquire.ModeAmbient, nil)
	require.NoError(t, err)

	events := f.Events()
	resolved := slices.Index(events, "resolve:end")
	downloaded := slices.Index(events, "audio:http://cdn/123.m4a")
	require.NotEqual(t, -1, resolved)
	require.NotEqual(t, -1, downloaded)
	assert.Less(t, resolved, downloaded)
	assert.Contains(t, events, "cover")
	assert.Contains(t, events, "lyrics")
}

func TestAcquireRunsCoverAndLyricsAlongsideResolution(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.onResolve = func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			events := f.Events()
			if slices.Contains(events, "cover") && slices.Contains(events, "lyrics") {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
	p := acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{}))

	_, err := p.Acquire(context.Background(), zerolog.Nop(), request(), acquire.ModeAmbient, nil)
	require.NoError(t, err)

	events := f.Events()
	resolved := slices.Index(events, "resolve:end")
	assert.Less(t, slices.Index(events, "cover"), resolved)
	assert.Less(t, slices.Index(events, "lyrics"), resolved)
}

func TestAcquireReportsProgress(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	p := acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{}))

	var (
		mux   sync.Mutex
		snaps []acquire.Snapshot
	)
	_, err := p.Acquire(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, func(s acquire.Snapshot) {
		mux.Lock()
		defer mux.Unlock()
		snaps = append(snaps, s)
	})
	require.NoError(t, err)

	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, acquire.PhaseDone, last.Status())
	assert.InDelta(t, 1.0, last.AudioFraction, 1e-9)
	assert.Equal(t, "123", last.TrackID)

	var sawHalf bool
	for _, s := range snaps {
		if s.AudioFraction == 0.5 {
			sawHalf = true
		}
	}
	assert.True(t, sawHalf)
}

func TestAcquireCoverFailure(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.coverErr = errCoverDown
	sc := newScratch(t, scratch.AlwaysUnlocked{})
	p := acquire.NewPipeline(f, sc)

	var (
		mux  sync.Mutex
		last acquire.Snapshot
	)
	rec, err := p.Acquire(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, func(s acquire.Snapshot) {
		mux.Lock()
		defer mux.Unlock()
		last = s
	})
	require.Nil(t, rec)
	require.ErrorIs(t, err, errCoverDown)

	var stepsErr *acquire.StepsError
	require.ErrorAs(t, err, &stepsErr)
	assert.Len(t, stepsErr.Failed, 1)
	assert.Contains(t, stepsErr.Failed, acquire.StepCover)

	assert.Equal(t, acquire.PhaseFailed, last.Status())
	assert.Equal(t, []acquire.Step{acquire.StepCover}, last.Failed())
	assert.Equal(t, acquire.PhaseDone, last.Steps[acquire.StepResolve].Phase)
	assert.Equal(t, acquire.PhaseDone, last.Steps[acquire.StepLyrics].Phase)
	assert.Equal(t, acquire.PhaseDone, last.Steps[acquire.StepAudio].Phase)
}

func TestAcquireResolutionFailureSkipsDownload(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.resolveErr = catalog.ErrNoLink
	p := acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{}))

	var (
		mux  sync.Mutex
		last acquire.Snapshot
	)
	_, err := p.Acquire(context.Background(), zerolog.Nop(), request(), acquire.ModeAmbient, func(s acquire.Snapshot) {
		mux.Lock()
		defer mux.Unlock()
		last = s
	})
	require.ErrorIs(t, err, catalog.ErrNoLink)

	for _, e := range f.Events() {
		assert.NotContains(t, e, "audio:")
	}
	assert.Equal(t, acquire.PhaseFailed, last.Steps[acquire.StepResolve].Phase)
	assert.Equal(t, acquire.PhasePending, last.Steps[acquire.StepAudio].Phase)
	assert.Equal(t, acquire.PhaseDone, last.Steps[acquire.StepCover].Phase)
}

func TestAcquireProtectionFailureStartsNothing(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	p := acquire.NewPipeline(f, newScratch(t, lockState(false)))

	_, err := p.Acquire(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.ErrorIs(t, err, scratch.ErrProtectionConfig)
	assert.Empty(t, f.Events())
}

func TestAcquireRequiresSession(t *testing.T) {
	t.Parallel()

	for _, user := range []*session.User{nil, {ID: "42", Nickname: "watch", Cookie: ""}} {
		f := newFakeFetcher()
		sc := newScratch(t, scratch.AlwaysUnlocked{})
		p := acquire.NewPipeline(f, sc)

		req := request()
		req.User = user
		rec, err := p.Acquire(context.Background(), zerolog.Nop(), req, acquire.ModePinned, nil)
		require.Nil(t, rec)
		require.ErrorIs(t, err, session.ErrUnauthorized)
		assert.Empty(t, f.Events())

		entries, err := os.ReadDir(sc.Dir())
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestAcquireCanceledMidway(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeFetcher()
	f.onResolve = cancel
	sc := newScratch(t, scratch.AlwaysUnlocked{})
	p := acquire.NewPipeline(f, sc)

	rec, err := p.Acquire(ctx, zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.Nil(t, rec)
	require.ErrorIs(t, err, acquire.ErrCanceled)

	for _, e := range f.Events() {
		assert.NotContains(t, e, "audio:")
	}

	// The scratch file is left for the next sweep.
	entries, err := os.ReadDir(sc.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAcquireAlreadyCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFakeFetcher()
	p := acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{}))

	_, err := p.Acquire(ctx, zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.ErrorIs(t, err, acquire.ErrCanceled)
	assert.Empty(t, f.Events())
}

func TestLoaderPinnedIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	st := newStore(t)
	l := acquire.NewLoader(st, acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{})))

	first, err := l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.NoError(t, err)
	calls := len(f.Events())
	require.NotZero(t, calls)

	second, err := l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.NoError(t, err)
	assert.Len(t, f.Events(), calls)

	assert.Equal(t, first.Audio, second.Audio)
	assert.Equal(t, first.Cover, second.Cover)
	assert.False(t, second.IsOnline)

	all, err := st.ListWhere(store.All, store.OrderInserted)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLoaderAmbientKeepsPinned(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	st := newStore(t)
	l := acquire.NewLoader(st, acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{})))

	_, err := l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.NoError(t, err)
	calls := len(f.Events())

	rec, err := l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModeAmbient, nil)
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
	assert.Len(t, f.Events(), calls)
}

func TestLoaderPinsOnlineRecord(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	st := newStore(t)
	l := acquire.NewLoader(st, acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{})))

	rec, err := l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModeAmbient, nil)
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)
	calls := len(f.Events())

	rec, err = l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModeAmbient, nil)
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)
	assert.Len(t, f.Events(), calls)

	rec, err = l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
	assert.Greater(t, len(f.Events()), calls)

	stored, err := st.Find("123")
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
}

func TestLoaderFailureLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.coverErr = errCoverDown
	st := newStore(t)
	l := acquire.NewLoader(st, acquire.NewPipeline(f, newScratch(t, scratch.AlwaysUnlocked{})))

	_, err := l.Load(context.Background(), zerolog.Nop(), request(), acquire.ModePinned, nil)
	require.ErrorIs(t, err, errCoverDown)

	_, err = st.Find("123")
	require.ErrorIs(t, err, store.ErrNotFound)
}
