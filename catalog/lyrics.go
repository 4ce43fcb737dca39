package catalog

import (
	"context"
	"errors"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/cache"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

// FetchLyrics returns the raw and translated lyric text of a track. Tracks
// without lyrics yield empty strings rather than an error.
func (c *Client) FetchLyrics(
	ctx context.Context,
	logger zerolog.Logger,
	user *session.User,
	trackID string,
) (*types.Lyrics, error) {
	if err := authorize(user); nil != err {
		return nil, err
	}

	item, err := c.cache.Lyrics.Fetch(trackID, cache.DefaultLyricsTTL, func() (*types.Lyrics, error) {
		return c.getLyrics(ctx, logger, user, trackID)
	})
	if nil != err {
		return nil, errors.Unwrap(err)
	}

	return item.Value(), nil
}

func (c *Client) getLyrics(
	ctx context.Context,
	logger zerolog.Logger,
	user *session.User,
	trackID string,
) (*types.Lyrics, error) {
	reqURL, err := c.endpoint("/lyric", url.Values{"id": {trackID}})
	if nil != err {
		return nil, err
	}

	respBytes, err := c.getJSON(ctx, logger, "fetch lyrics", c.conf.Timeouts.GetLyrics.Duration, reqURL, user)
	if nil != err {
		if errors.Is(err, ErrNotFound) {
			return &types.Lyrics{Raw: "", Translated: ""}, nil
		}

		return nil, err
	}

	return &types.Lyrics{
		Raw:        lyricText(respBytes, "lrc.lyric"),
		Translated: lyricText(respBytes, "tlyric.lyric"),
	}, nil
}

func lyricText(b []byte, path string) string {
	if v := gjson.GetBytes(b, path); v.Type == gjson.String {
		return v.String()
	}

	return ""
}
