package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

var (
	ErrNotFound         = errors.New("track not found")
	ErrCacheConsistency = errors.New("cached track is inconsistent")
)

var (
	tracksBucketName = []byte("tracks")
	coversBucketName = []byte("covers")
	audioBucketName  = []byte("audio")
)

type Order int

const (
	OrderInserted Order = iota
	OrderNewest
	OrderName
)

type Predicate func(types.TrackSummary) bool

func All(types.TrackSummary) bool {
	return true
}

func Online(s types.TrackSummary) bool {
	return s.IsOnline
}

func Pinned(s types.TrackSummary) bool {
	return !s.IsOnline
}

// Store persists track records keyed by track id. Metadata lives apart from
// cover and audio payloads so listing never touches the payload buckets.
// bbolt serializes writers and lets readers run concurrently.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens the database at path, retrying for up to timeout while another
// process holds its file lock.
func Open(ctx context.Context, logger zerolog.Logger, path string, timeout time.Duration) (*Store, error) {
	opts := &bbolt.Options{ //nolint:exhaustruct
		NoFreelistSync: true,
		ReadOnly:       false,
		Timeout:        1 * time.Second,
		NoGrowSync:     false,
		FreelistType:   bbolt.FreelistArrayType,
	}

	bo := backoff.WithContext(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
			backoff.WithMaxElapsedTime(timeout),
		),
		ctx,
	)
	db, err := backoff.RetryNotifyWithData(
		func() (*bbolt.DB, error) {
			db, err := bbolt.Open(path, 0o600, opts)
			if nil != err {
				if errors.Is(err, bolterrors.ErrTimeout) {
					return nil, err
				}

				return nil, backoff.Permanent(err)
			}

			return db, nil
		},
		bo,
		func(err error, next time.Duration) {
			logger.Warn().Err(err).Str("path", path).Dur("retry_in", next).Msg("Database is locked by another process")
		},
	)
	if nil != err {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := createBuckets(db); nil != err {
		if closeErr := db.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close database: %v", closeErr))
		}

		return nil, fmt.Errorf("failed to create buckets: %v", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func createBuckets(db *bbolt.DB) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{tracksBucketName, coversBucketName, audioBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); nil != err {
				return fmt.Errorf("failed to create %s bucket: %v", name, err)
			}
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to create buckets: %v", err)
	}

	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); nil != err {
		return fmt.Errorf("failed to close database: %v", err)
	}

	return nil
}

func (s *Store) Find(id string) (*types.TrackRecord, error) {
	var rec *types.TrackRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		summary, err := getSummary(tx, id)
		if nil != err {
			return err
		}

		audio := tx.Bucket(audioBucketName).Get([]byte(id))
		if len(audio) != summary.AudioSize {
			return fmt.Errorf("%w: track %s has %d audio bytes, expected %d", ErrCacheConsistency, id, len(audio), summary.AudioSize)
		}

		cover := tx.Bucket(coversBucketName).Get([]byte(id))
		if len(cover) != summary.CoverSize {
			return fmt.Errorf("%w: track %s has %d cover bytes, expected %d", ErrCacheConsistency, id, len(cover), summary.CoverSize)
		}

		// Values are only valid for the lifetime of the transaction.
		rec = summary.Record(bytes.Clone(cover), bytes.Clone(audio))

		return nil
	})
	if nil != err {
		return nil, fmt.Errorf("failed to find track: %w", err)
	}

	return rec, nil
}

// Cover loads the cover payload of a listed track.
func (s *Store) Cover(id string) ([]byte, error) {
	var cover []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if nil == tx.Bucket(tracksBucketName).Get([]byte(id)) {
			return ErrNotFound
		}
		cover = bytes.Clone(tx.Bucket(coversBucketName).Get([]byte(id)))

		return nil
	})
	if nil != err {
		return nil, fmt.Errorf("failed to load cover: %w", err)
	}

	return cover, nil
}

// Upsert replaces any record with the same id. The replacement is a single
// transaction, so readers observe either the old or the new record.
func (s *Store) Upsert(rec *types.TrackRecord) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteTx(tx, rec.ID); nil != err {
			return err
		}

		return s.putTx(tx, rec)
	})
	if nil != err {
		return fmt.Errorf("failed to upsert track: %w", err)
	}

	return nil
}

// UpsertAmbient stores rec as an online record unless a pinned record with
// the same id exists, in which case nothing changes and false is returned.
func (s *Store) UpsertAmbient(rec *types.TrackRecord) (bool, error) {
	online := *rec
	online.IsOnline = true

	var stored bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getSummary(tx, rec.ID)
		switch {
		case nil == err:
			if !existing.IsOnline {
				return nil
			}
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		if err := deleteTx(tx, rec.ID); nil != err {
			return err
		}
		if err := s.putTx(tx, &online); nil != err {
			return err
		}
		stored = true

		return nil
	})
	if nil != err {
		return false, fmt.Errorf("failed to upsert ambient track: %w", err)
	}

	return stored, nil
}

// SetOnline flips a record between pinned (false) and online (true) without
// touching its payloads.
func (s *Store) SetOnline(id string, online bool) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		summary, err := getSummary(tx, id)
		if nil != err {
			return err
		}
		summary.IsOnline = online

		return putSummary(tx, summary)
	})
	if nil != err {
		return fmt.Errorf("failed to update track: %w", err)
	}

	return nil
}

// Delete removes the record with id. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error { return deleteTx(tx, id) }); nil != err {
		return fmt.Errorf("failed to delete track: %w", err)
	}

	return nil
}

func (s *Store) DeleteWhere(pred Predicate) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var ids []string
		if err := forEachSummary(tx, func(summary types.TrackSummary) {
			if pred(summary) {
				ids = append(ids, summary.ID)
			}
		}); nil != err {
			return err
		}

		for _, id := range ids {
			if err := deleteTx(tx, id); nil != err {
				return err
			}
		}
		n = len(ids)

		return nil
	})
	if nil != err {
		return 0, fmt.Errorf("failed to delete tracks: %w", err)
	}

	return n, nil
}

// ListWhere returns the summaries matching pred. Cover and audio payloads are
// not loaded.
func (s *Store) ListWhere(pred Predicate, order Order) ([]types.TrackSummary, error) {
	var out []types.TrackSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachSummary(tx, func(summary types.TrackSummary) {
			if pred(summary) {
				out = append(out, summary)
			}
		})
	})
	if nil != err {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	switch order {
	case OrderInserted:
		slices.SortFunc(out, func(a, b types.TrackSummary) int { return compareSeq(a, b) })
	case OrderNewest:
		slices.SortFunc(out, func(a, b types.TrackSummary) int { return compareSeq(b, a) })
	case OrderName:
		slices.SortFunc(out, func(a, b types.TrackSummary) int {
			if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
				return c
			}

			return compareSeq(a, b)
		})
	default:
		panic(fmt.Sprintf("unknown order %d", order))
	}

	return out, nil
}

func compareSeq(a, b types.TrackSummary) int {
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

func (s *Store) putTx(tx *bbolt.Tx, rec *types.TrackRecord) error {
	if len(rec.Audio) == 0 {
		return fmt.Errorf("%w: track %s has no audio", ErrCacheConsistency, rec.ID)
	}

	seq, err := tx.Bucket(tracksBucketName).NextSequence()
	if nil != err {
		return fmt.Errorf("failed to allocate sequence: %v", err)
	}

	summary := rec.Summary()
	summary.Seq = seq
	if summary.CachedAt.IsZero() {
		summary.CachedAt = s.now().UTC()
	}

	if err := putSummary(tx, summary); nil != err {
		return err
	}

	if err := tx.Bucket(audioBucketName).Put([]byte(rec.ID), rec.Audio); nil != err {
		return fmt.Errorf("failed to store audio: %v", err)
	}

	if len(rec.Cover) > 0 {
		if err := tx.Bucket(coversBucketName).Put([]byte(rec.ID), rec.Cover); nil != err {
			return fmt.Errorf("failed to store cover: %v", err)
		}
	}

	return nil
}

func putSummary(tx *bbolt.Tx, summary types.TrackSummary) error {
	b, err := json.Marshal(summary)
	if nil != err {
		return fmt.Errorf("failed to encode track summary: %v", err)
	}

	if err := tx.Bucket(tracksBucketName).Put([]byte(summary.ID), b); nil != err {
		return fmt.Errorf("failed to store track summary: %v", err)
	}

	return nil
}

func getSummary(tx *bbolt.Tx, id string) (types.TrackSummary, error) {
	var summary types.TrackSummary

	b := tx.Bucket(tracksBucketName).Get([]byte(id))
	if nil == b {
		return summary, ErrNotFound
	}

	if err := json.Unmarshal(b, &summary); nil != err {
		return summary, fmt.Errorf("%w: failed to decode track %s: %v", ErrCacheConsistency, id, err)
	}

	return summary, nil
}

func forEachSummary(tx *bbolt.Tx, fn func(types.TrackSummary)) error {
	return tx.Bucket(tracksBucketName).ForEach(func(k, v []byte) error {
		var summary types.TrackSummary
		if err := json.Unmarshal(v, &summary); nil != err {
			return fmt.Errorf("%w: failed to decode track %s: %v", ErrCacheConsistency, k, err)
		}
		fn(summary)

		return nil
	})
}

func deleteTx(tx *bbolt.Tx, id string) error {
	for _, name := range [][]byte{tracksBucketName, coversBucketName, audioBucketName} {
		if err := tx.Bucket(name).Delete([]byte(id)); nil != err {
			return fmt.Errorf("failed to delete from %s bucket: %v", name, err)
		}
	}

	return nil
}
