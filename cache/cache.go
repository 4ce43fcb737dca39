package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

var (
	DefaultCoverTTL  = 1 * time.Hour
	DefaultLyricsTTL = 30 * time.Minute
)

// Cache keeps recently fetched catalog payloads in memory so that repeated
// acquisitions of the same track within a session skip the network for
// covers and lyrics.
type Cache struct {
	Covers CoversCache
	Lyrics LyricsCache
}

func New() *Cache {
	coversCache := ccache.New(
		ccache.Configure[[]byte]().
			MaxSize(100).
			GetsPerPromote(3).
			PercentToPrune(10),
	)

	lyricsCache := ccache.New(
		ccache.Configure[*types.Lyrics]().
			MaxSize(1000).
			GetsPerPromote(3).
			PercentToPrune(10),
	)

	return &Cache{
		Covers: CoversCache{
			c:   coversCache,
			mux: sync.Mutex{},
		},
		Lyrics: LyricsCache{
			c:   lyricsCache,
			mux: sync.Mutex{},
		},
	}
}

// CoversCache is keyed by cover URL.
type CoversCache struct {
	c   *ccache.Cache[[]byte]
	mux sync.Mutex
}

func (c *CoversCache) Fetch(
	k string,
	ttl time.Duration,
	fetch func() ([]byte, error),
) (*ccache.Item[[]byte], error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	v, err := c.c.Fetch(k, ttl, fetch)
	if nil != err {
		return nil, fmt.Errorf("fetch cover: %w", err)
	}

	return v, nil
}

// LyricsCache is keyed by track id.
type LyricsCache struct {
	c   *ccache.Cache[*types.Lyrics]
	mux sync.Mutex
}

func (c *LyricsCache) Fetch(
	k string,
	ttl time.Duration,
	fetch func() (*types.Lyrics, error),
) (*ccache.Item[*types.Lyrics], error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	v, err := c.c.Fetch(k, ttl, fetch)
	if nil != err {
		return nil, fmt.Errorf("fetch lyrics: %w", err)
	}

	return v, nil
}
