package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/cache"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/unit"
)

const maxCoverSize = 10 * unit.Mebibyte

var ErrNotImage = errors.New("cover is not an image")

// FetchCover downloads the image at coverURL. Covers are shared by many
// tracks of the same album, so results are memoized by URL.
func (c *Client) FetchCover(ctx context.Context, logger zerolog.Logger, coverURL string) (*types.Cover, error) {
	if coverURL == "" {
		return nil, &NetworkError{Op: "fetch cover", Err: errors.New("empty cover url")}
	}

	item, err := c.cache.Covers.Fetch(coverURL, cache.DefaultCoverTTL, func() ([]byte, error) {
		return c.downloadCover(ctx, logger, coverURL)
	})
	if nil != err {
		return nil, errors.Unwrap(err)
	}
	b := item.Value()

	return &types.Cover{Data: b, MIME: mimetype.Detect(b).String()}, nil
}

func (c *Client) downloadCover(ctx context.Context, logger zerolog.Logger, coverURL string) (b []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeouts.DownloadCover.Duration)
	defer cancel()

	resp, err := c.do(ctx, logger, "fetch cover", coverURL, nil)
	if nil != err {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Error().Err(closeErr).Msg("Failed to close cover response body")
			err = errors.Join(err, fmt.Errorf("failed to close cover response body: %v", closeErr))
		}
	}()

	b, err = io.ReadAll(io.LimitReader(resp.Body, maxCoverSize+1))
	if nil != err {
		return nil, &NetworkError{Op: "fetch cover", Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if len(b) > maxCoverSize {
		return nil, &NetworkError{Op: "fetch cover", Err: fmt.Errorf("cover exceeds %d bytes", maxCoverSize)}
	}

	if mtype := mimetype.Detect(b); !strings.HasPrefix(mtype.String(), "image/") {
		logger.Error().Str("mime_type", mtype.String()).Msg("Cover response is not an image")
		return nil, fmt.Errorf("%w: got %s", ErrNotImage, mtype.String())
	}

	return b, nil
}
