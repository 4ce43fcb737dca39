package store_test

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/store"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tracks.db")
	s, err := store.Open(context.Background(), zerolog.Nop(), path, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func record(id, name string, online bool) *types.TrackRecord {
	return &types.TrackRecord{
		ID:        id,
		Name:      name,
		Artist:    "Artist " + id,
		Lyric:     "[00:01.00]" + name,
		TLyric:    "",
		Cover:     []byte("cover-" + id),
		CoverMIME: "image/jpeg",
		Audio:     []byte("audio-" + id + "-" + name),
		Fidelity:  "standard",
		Ext:       "m4a",
		IsOnline:  online,
		CachedAt:  time.Time{},
	}
}

func TestUpsertAndFind(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	want := record("123", "Song", false)
	require.NoError(t, s.Upsert(want))

	got, err := s.Find("123")
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Artist, got.Artist)
	assert.Equal(t, want.Lyric, got.Lyric)
	assert.Equal(t, want.Cover, got.Cover)
	assert.Equal(t, want.Audio, got.Audio)
	assert.Equal(t, "m4a", got.Ext)
	assert.False(t, got.IsOnline)
	assert.False(t, got.CachedAt.IsZero())

	_, err = s.Find("missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertReplacesRecordWithSameID(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	require.NoError(t, s.Upsert(record("1", "first", true)))
	require.NoError(t, s.Upsert(record("1", "second", false)))

	all, err := s.ListWhere(store.All, store.OrderInserted)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second", all[0].Name)

	got, err := s.Find("1")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-1-second"), got.Audio)
}

func TestUpsertWithoutCoverOrAudio(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	noCover := record("1", "a", true)
	noCover.Cover = nil
	require.NoError(t, s.Upsert(noCover))
	got, err := s.Find("1")
	require.NoError(t, err)
	assert.Empty(t, got.Cover)

	noAudio := record("2", "b", true)
	noAudio.Audio = nil
	require.ErrorIs(t, s.Upsert(noAudio), store.ErrCacheConsistency)
	_, err = s.Find("2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertAmbientDoesNotReplacePinned(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	require.NoError(t, s.Upsert(record("1", "pinned", false)))

	stored, err := s.UpsertAmbient(record("1", "ambient", true))
	require.NoError(t, err)
	assert.False(t, stored)

	got, err := s.Find("1")
	require.NoError(t, err)
	assert.Equal(t, "pinned", got.Name)
	assert.False(t, got.IsOnline)
}

func TestUpsertAmbientReplacesOnline(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	stored, err := s.UpsertAmbient(record("1", "first", false))
	require.NoError(t, err)
	assert.True(t, stored)

	got, err := s.Find("1")
	require.NoError(t, err)
	assert.True(t, got.IsOnline)

	stored, err = s.UpsertAmbient(record("1", "second", true))
	require.NoError(t, err)
	assert.True(t, stored)

	got, err = s.Find("1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestSetOnline(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	require.NoError(t, s.Upsert(record("1", "a", true)))

	require.NoError(t, s.SetOnline("1", false))
	got, err := s.Find("1")
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	assert.Equal(t, []byte("audio-1-a"), got.Audio)

	require.ErrorIs(t, s.SetOnline("missing", false), store.ErrNotFound)
}

func TestListWhere(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	require.NoError(t, s.Upsert(record("1", "charlie", true)))
	require.NoError(t, s.Upsert(record("2", "alpha", false)))
	require.NoError(t, s.Upsert(record("3", "Bravo", true)))
	require.NoError(t, s.Upsert(record("4", "delta", false)))

	ids := func(summaries []types.TrackSummary) []string {
		out := make([]string, 0, len(summaries))
		for _, s := range summaries {
			out = append(out, s.ID)
		}

		return out
	}

	tests := []struct {
		name     string
		pred     store.Predicate
		order    store.Order
		expected []string
	}{
		{name: "all inserted", pred: store.All, order: store.OrderInserted, expected: []string{"1", "2", "3", "4"}},
		{name: "all newest", pred: store.All, order: store.OrderNewest, expected: []string{"4", "3", "2", "1"}},
		{name: "all by name", pred: store.All, order: store.OrderName, expected: []string{"2", "3", "1", "4"}},
		{name: "online", pred: store.Online, order: store.OrderInserted, expected: []string{"1", "3"}},
		{name: "pinned", pred: store.Pinned, order: store.OrderInserted, expected: []string{"2", "4"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := s.ListWhere(test.pred, test.order)
			require.NoError(t, err)
			assert.Equal(t, test.expected, ids(got))
		})
	}
}

func TestListWhereReportsSizesWithoutPayloads(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	rec := record("1", "a", false)
	require.NoError(t, s.Upsert(rec))

	got, err := s.ListWhere(store.All, store.OrderInserted)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, len(rec.Audio), got[0].AudioSize)
	assert.Equal(t, len(rec.Cover), got[0].CoverSize)

	cover, err := s.Cover("1")
	require.NoError(t, err)
	assert.Equal(t, rec.Cover, cover)

	_, err = s.Cover("missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteAndDeleteWhere(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	for i := range 6 {
		require.NoError(t, s.Upsert(record(strconv.Itoa(i), "t", i%2 == 0)))
	}

	require.NoError(t, s.Delete("0"))
	require.NoError(t, s.Delete("0"))
	_, err := s.Find("0")
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.DeleteWhere(store.Online)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := s.ListWhere(store.All, store.OrderInserted)
	require.NoError(t, err)
	require.Len(t, left, 3)
	for _, summary := range left {
		assert.False(t, summary.IsOnline)
	}
}

func TestConcurrentWritersKeepOneRecordPerID(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := record("shared", "v"+strconv.Itoa(i), i%2 == 0)
			if i%3 == 0 {
				_, err := s.UpsertAmbient(rec)
				assert.NoError(t, err)
				return
			}
			assert.NoError(t, s.Upsert(rec))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ListWhere(store.All, store.OrderInserted)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.ListWhere(store.All, store.OrderInserted)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	got, err := s.Find("shared")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-shared-"+got.Name), got.Audio)
}

func TestFindReportsMissingAudio(t *testing.T) {
	t.Parallel()

	s, path := openStore(t)
	require.NoError(t, s.Upsert(record("1", "a", false)))
	require.NoError(t, s.Close())

	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("audio")).Delete([]byte("1"))
	}))
	require.NoError(t, db.Close())

	s, err = store.Open(context.Background(), zerolog.Nop(), path, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Find("1")
	require.ErrorIs(t, err, store.ErrCacheConsistency)
}

func TestOpenGivesUpWhileLocked(t *testing.T) {
	t.Parallel()

	_, path := openStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := store.Open(ctx, zerolog.Nop(), path, 1500*time.Millisecond)
	require.Error(t, err)
}
