package acquire

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/metrics"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/store"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

type Store interface {
	Find(id string) (*types.TrackRecord, error)
	Upsert(rec *types.TrackRecord) error
	UpsertAmbient(rec *types.TrackRecord) (bool, error)
	Delete(id string) error
}

type Acquirer interface {
	Acquire(ctx context.Context, logger zerolog.Logger, req Request, mode Mode, onProgress func(Snapshot)) (*types.TrackRecord, error)
}

// Loader serves tracks from the local cache and falls back to acquiring and
// committing them.
type Loader struct {
	store    Store
	acquirer Acquirer
}

func NewLoader(s Store, a Acquirer) *Loader {
	return &Loader{
		store:    s,
		acquirer: a,
	}
}

// Load returns the record for req.TrackID. A pinned record is always served
// from the cache. An online record is served for ambient requests and
// replaced by a fresh acquisition for pinned ones.
func (l *Loader) Load(
	ctx context.Context,
	logger zerolog.Logger,
	req Request,
	mode Mode,
	onProgress func(Snapshot),
) (*types.TrackRecord, error) {
	logger = logger.With().Str("track_id", req.TrackID).Logger()

	rec, err := l.store.Find(req.TrackID)
	switch {
	case nil == err:
		if !rec.IsOnline || mode == ModeAmbient {
			logger.Debug().Bool("is_online", rec.IsOnline).Msg("Serving track from cache")
			metrics.Acquisitions.WithLabelValues(mode.String(), metrics.OutcomeCached).Inc()
			if nil != onProgress {
				onProgress(completed(req.TrackID))
			}

			return rec, nil
		}
	case errors.Is(err, store.ErrNotFound):
	case errors.Is(err, store.ErrCacheConsistency):
		logger.Warn().Err(err).Msg("Dropping inconsistent cached track")
		if err := l.store.Delete(req.TrackID); nil != err {
			return nil, fmt.Errorf("failed to drop inconsistent track: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up cached track: %w", err)
	}

	rec, err = l.acquirer.Acquire(ctx, logger, req, mode, onProgress)
	if nil != err {
		return nil, err
	}

	switch mode {
	case ModePinned:
		if err := l.store.Upsert(rec); nil != err {
			return nil, fmt.Errorf("failed to store track: %w", err)
		}
	case ModeAmbient:
		stored, err := l.store.UpsertAmbient(rec)
		if nil != err {
			return nil, fmt.Errorf("failed to store track: %w", err)
		}

		if !stored {
			logger.Debug().Msg("Track was pinned concurrently, serving pinned copy")

			pinned, err := l.store.Find(req.TrackID)
			if nil != err {
				return nil, fmt.Errorf("failed to load pinned track: %w", err)
			}

			return pinned, nil
		}
	default:
		panic(fmt.Sprintf("unknown acquisition mode %d", mode))
	}

	return rec, nil
}

func completed(trackID string) Snapshot {
	s := Snapshot{TrackID: trackID, Steps: [len(Steps)]StepStatus{}, AudioFraction: 1}
	for _, step := range Steps {
		s.Steps[step] = StepStatus{Phase: PhaseDone, Err: nil}
	}

	return s
}
