package types

import (
	"github.com/rs/zerolog"
)

// AudioSource is a resolved, time-limited audio download location.
type AudioSource struct {
	URL       string
	Size      int64
	Container string
	Fidelity  string
}

func (a AudioSource) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int64("size", a.Size).
		Str("container", a.Container).
		Str("fidelity", a.Fidelity)
}

// Lyrics holds raw timed lyric text. Either part may be empty.
type Lyrics struct {
	Raw        string
	Translated string
}

type Cover struct {
	Data []byte
	MIME string
}
