package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/progress"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/scratch"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/unit"
)

var (
	ErrNoLink       = &ResolutionError{Field: "url"}
	ErrNoSize       = &ResolutionError{Field: "size"}
	ErrNoFormatInfo = &ResolutionError{Field: "format"}
)

// ResolutionError reports an audio URL response that lacks a field needed to
// download the track. Compare against ErrNoLink, ErrNoSize and
// ErrNoFormatInfo with errors.Is.
type ResolutionError struct {
	Field string
}

func (e *ResolutionError) Error() string {
	return "audio url response has no usable " + e.Field
}

type songURLResponse struct {
	Data []struct {
		URL   *string `json:"url"`
		Size  int64   `json:"size"`
		Type  *string `json:"type"`
		Level *string `json:"level"`
	} `json:"data"`
}

func (c *Client) ResolveAudioURL(
	ctx context.Context,
	logger zerolog.Logger,
	user *session.User,
	trackID string,
) (*types.AudioSource, error) {
	reqURL, err := c.endpoint("/song/url", url.Values{
		"id": {trackID},
		"br": {strconv.Itoa(Bitrate)},
	})
	if nil != err {
		return nil, err
	}

	respBytes, err := c.getJSON(ctx, logger, "resolve audio url", c.conf.Timeouts.ResolveAudioURL.Duration, reqURL, user)
	if nil != err {
		return nil, err
	}

	var resp songURLResponse
	if err := json.Unmarshal(respBytes, &resp); nil != err {
		logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to decode audio url response")
		return nil, fmt.Errorf("failed to decode audio url response: %v", err)
	}

	if len(resp.Data) == 0 || nil == resp.Data[0].URL || *resp.Data[0].URL == "" {
		return nil, ErrNoLink
	}
	d := resp.Data[0]

	if d.Size <= 0 {
		return nil, ErrNoSize
	}

	if nil == d.Type || *d.Type == "" || nil == d.Level || *d.Level == "" {
		return nil, ErrNoFormatInfo
	}

	return &types.AudioSource{
		URL:       *d.URL,
		Size:      d.Size,
		Container: strings.ToLower(*d.Type),
		Fidelity:  *d.Level,
	}, nil
}

// fileSink remembers the first write error so that a failed copy can be
// attributed to the local file rather than the network.
type fileSink struct {
	f   *os.File
	err error
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if nil != err && nil == s.err {
		s.err = err
	}

	return n, err
}

// FetchAudio streams the audio of src into dst and returns the number of
// bytes written. onProgress receives the completed fraction as bytes arrive
// and ends with exactly 1 on success. The response Content-Length is the
// expected size when present, src.Size otherwise.
func (c *Client) FetchAudio(
	ctx context.Context,
	logger zerolog.Logger,
	src types.AudioSource,
	dst scratch.Asset,
	onProgress func(float64),
) (n int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeouts.DownloadAudio.Duration)
	defer cancel()

	resp, err := c.do(ctx, logger, "fetch audio", src.URL, nil)
	if nil != err {
		return 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Error().Err(closeErr).Msg("Failed to close audio response body")
			err = errors.Join(err, fmt.Errorf("failed to close audio response body: %v", closeErr))
		}
	}()

	f, err := dst.OpenWriter()
	if nil != err {
		return 0, err
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr {
			logger.Error().Err(closeErr).Msg("Failed to close audio file")
			err = errors.Join(err, &scratch.IOError{Op: "close asset", Path: dst.Path, Err: closeErr})
		}
	}()

	expected := resp.ContentLength
	if expected <= 0 {
		expected = src.Size
	}

	sink := &fileSink{f: f, err: nil}
	pw := progress.NewWriter(expected, onProgress)
	buf := make([]byte, 64*unit.Kibibyte)

	n, err = io.CopyBuffer(io.MultiWriter(sink, pw), resp.Body, buf)
	if nil != err {
		if nil != sink.err {
			return n, &scratch.IOError{Op: "write asset", Path: dst.Path, Err: sink.err}
		}

		return n, &NetworkError{Op: "fetch audio", Err: err}
	}

	if expected > 0 && n != expected {
		logger.Error().Int64("expected", expected).Int64("received", n).Msg("Audio size mismatch")
		return n, &NetworkError{
			Op:  "fetch audio",
			Err: fmt.Errorf("expected %d bytes, received %d", expected, n),
		}
	}

	if err := f.Sync(); nil != err {
		return n, &scratch.IOError{Op: "sync asset", Path: dst.Path, Err: err}
	}

	pw.Finish()

	return n, nil
}
