package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/mathutil"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
)

const playlistPageSize = 100

type artist struct {
	Name string `json:"name"`
}

type song struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Artists []artist `json:"ar"`
	Album   struct {
		PicURL string `json:"picUrl"`
	} `json:"al"`
}

func (s song) toTrackInfo() types.TrackInfo {
	return types.TrackInfo{
		ID:       strconv.FormatInt(s.ID, 10),
		Name:     s.Name,
		Artists:  lo.Map(s.Artists, func(a artist, _ int) string { return a.Name }),
		CoverURL: s.Album.PicURL,
	}
}

type songsResponse struct {
	Songs []song `json:"songs"`
}

func (c *Client) TrackDetail(
	ctx context.Context,
	logger zerolog.Logger,
	user *session.User,
	trackID string,
) (*types.TrackInfo, error) {
	reqURL, err := c.endpoint("/song/detail", url.Values{"ids": {trackID}})
	if nil != err {
		return nil, err
	}

	respBytes, err := c.getJSON(ctx, logger, "fetch track detail", c.conf.Timeouts.GetTrackDetail.Duration, reqURL, user)
	if nil != err {
		return nil, err
	}

	var resp songsResponse
	if err := json.Unmarshal(respBytes, &resp); nil != err {
		logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to decode track detail response")
		return nil, fmt.Errorf("failed to decode track detail response: %v", err)
	}

	if len(resp.Songs) == 0 {
		return nil, ErrNotFound
	}

	info := resp.Songs[0].toTrackInfo()

	return &info, nil
}

type playlistDetailResponse struct {
	Playlist struct {
		Name       string `json:"name"`
		TrackCount int    `json:"trackCount"`
	} `json:"playlist"`
}

// PlaylistTracks returns every track of a playlist in playlist order.
func (c *Client) PlaylistTracks(
	ctx context.Context,
	logger zerolog.Logger,
	user *session.User,
	playlistID string,
) (string, []types.TrackInfo, error) {
	reqURL, err := c.endpoint("/playlist/detail", url.Values{"id": {playlistID}})
	if nil != err {
		return "", nil, err
	}

	respBytes, err := c.getJSON(ctx, logger, "fetch playlist detail", c.conf.Timeouts.GetPlaylistPage.Duration, reqURL, user)
	if nil != err {
		return "", nil, err
	}

	var detail playlistDetailResponse
	if err := json.Unmarshal(respBytes, &detail); nil != err {
		logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to decode playlist detail response")
		return "", nil, fmt.Errorf("failed to decode playlist detail response: %v", err)
	}

	pages := mathutil.DivCeil(detail.Playlist.TrackCount, playlistPageSize)
	tracks := make([]types.TrackInfo, 0, detail.Playlist.TrackCount)
	for page := range pages {
		pageTracks, err := c.playlistPage(ctx, logger, user, playlistID, page*playlistPageSize)
		if nil != err {
			return "", nil, fmt.Errorf("failed to fetch playlist page %d: %w", page, err)
		}
		tracks = append(tracks, pageTracks...)
	}

	logger.Debug().
		Str("playlist_id", playlistID).
		Int("track_count", detail.Playlist.TrackCount).
		Int("fetched", len(tracks)).
		Msg("Playlist tracks fetched")

	return detail.Playlist.Name, tracks, nil
}

func (c *Client) playlistPage(
	ctx context.Context,
	logger zerolog.Logger,
	user *session.User,
	playlistID string,
	offset int,
) ([]types.TrackInfo, error) {
	reqURL, err := c.endpoint("/playlist/track/all", url.Values{
		"id":     {playlistID},
		"limit":  {strconv.Itoa(playlistPageSize)},
		"offset": {strconv.Itoa(offset)},
	})
	if nil != err {
		return nil, err
	}

	respBytes, err := c.getJSON(ctx, logger, "fetch playlist page", c.conf.Timeouts.GetPlaylistPage.Duration, reqURL, user)
	if nil != err {
		return nil, err
	}

	var resp songsResponse
	if err := json.Unmarshal(respBytes, &resp); nil != err {
		logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to decode playlist page response")
		return nil, fmt.Errorf("failed to decode playlist page response: %v", err)
	}

	return lo.Map(resp.Songs, func(s song, _ int) types.TrackInfo { return s.toTrackInfo() }), nil
}
