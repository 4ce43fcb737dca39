package types

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func JoinNames(names []string) string {
	return strings.Join(names, ", ")
}

// TrackRecord is a fully acquired track with every payload in memory.
// IsOnline marks an ambient record that may be evicted or replaced; a
// pinned (downloaded) record has IsOnline set to false.
type TrackRecord struct {
	ID        string
	Name      string
	Artist    string
	Lyric     string
	TLyric    string
	Cover     []byte
	CoverMIME string
	Audio     []byte
	Fidelity  string
	Ext       string
	IsOnline  bool
	CachedAt  time.Time
}

func (r TrackRecord) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("id", r.ID).
		Str("name", r.Name).
		Str("artist", r.Artist).
		Int("cover_bytes", len(r.Cover)).
		Int("audio_bytes", len(r.Audio)).
		Bool("has_lyric", r.Lyric != "").
		Bool("has_tlyric", r.TLyric != "").
		Str("fidelity", r.Fidelity).
		Str("ext", r.Ext).
		Bool("is_online", r.IsOnline)
}

func (r TrackRecord) Summary() TrackSummary {
	return TrackSummary{
		ID:        r.ID,
		Name:      r.Name,
		Artist:    r.Artist,
		Fidelity:  r.Fidelity,
		Ext:       r.Ext,
		CoverMIME: r.CoverMIME,
		Lyric:     r.Lyric,
		TLyric:    r.TLyric,
		IsOnline:  r.IsOnline,
		AudioSize: len(r.Audio),
		CoverSize: len(r.Cover),
		Seq:       0,
		CachedAt:  r.CachedAt,
	}
}

// TrackSummary is the payload-free part of a TrackRecord. Listing views
// work on summaries and load cover and audio bytes on demand.
type TrackSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Artist    string    `json:"artist"`
	Fidelity  string    `json:"fidelity"`
	Ext       string    `json:"ext"`
	CoverMIME string    `json:"cover_mime"`
	Lyric     string    `json:"lyric"`
	TLyric    string    `json:"tlyric"`
	IsOnline  bool      `json:"is_online"`
	AudioSize int       `json:"audio_size"`
	CoverSize int       `json:"cover_size"`
	Seq       uint64    `json:"seq"`
	CachedAt  time.Time `json:"cached_at"`
}

// Record joins the summary with its payloads.
func (s TrackSummary) Record(cover, audio []byte) *TrackRecord {
	return &TrackRecord{
		ID:        s.ID,
		Name:      s.Name,
		Artist:    s.Artist,
		Lyric:     s.Lyric,
		TLyric:    s.TLyric,
		Cover:     cover,
		CoverMIME: s.CoverMIME,
		Audio:     audio,
		Fidelity:  s.Fidelity,
		Ext:       s.Ext,
		IsOnline:  s.IsOnline,
		CachedAt:  s.CachedAt,
	}
}

// TrackInfo is the catalog listing entry for a track, as returned by
// track detail and playlist lookups.
type TrackInfo struct {
	ID       string
	Name     string
	Artists  []string
	CoverURL string
}

func (t TrackInfo) Artist() string {
	return JoinNames(t.Artists)
}

func (t TrackInfo) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("id", t.ID).
		Str("name", t.Name).
		Strs("artists", t.Artists).
		Str("cover_url", t.CoverURL)
}
