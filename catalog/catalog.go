package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/cache"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/config"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/httputil"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
)

// Bitrate is requested for every audio resolution.
const Bitrate = 128_000

var (
	ErrTooManyRequests = errors.New("too many requests")
	ErrNotFound        = errors.New("not found")
)

type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

type Client struct {
	conf    config.Catalog
	http    *http.Client
	limiter *rate.Limiter
	cache   *cache.Cache
}

func NewClient(conf config.Catalog, httpClient *http.Client, limiter *rate.Limiter, c *cache.Cache) *Client {
	return &Client{
		conf:    conf,
		http:    httpClient,
		limiter: limiter,
		cache:   c,
	}
}

// NewHTTPClient builds the transport used for catalog and CDN requests,
// dialing through the configured SOCKS5 proxy if any. Timeouts are applied
// per request through the context.
func NewHTTPClient(conf config.Catalog) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert

	if conf.Proxy.Enabled() {
		var proxyAuth *proxy.Auth
		if len(conf.Proxy.Username) > 0 && len(conf.Proxy.Password) > 0 {
			proxyAuth = &proxy.Auth{
				User:     conf.Proxy.Username,
				Password: conf.Proxy.Password,
			}
		}

		sock5, err := proxy.SOCKS5(
			"tcp",
			net.JoinHostPort(conf.Proxy.Host, strconv.Itoa(conf.Proxy.Port)),
			proxyAuth,
			proxy.Direct,
		)
		if nil != err {
			return nil, fmt.Errorf("failed to create socks5 dialer: %v", err)
		}

		dc, ok := sock5.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("failed to cast proxy to ContextDialer")
		}
		transport.Proxy = nil
		transport.DialContext = dc.DialContext
	}

	return &http.Client{Transport: transport}, nil //nolint:exhaustruct
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	u, err := url.JoinPath(c.conf.BaseURL, path)
	if nil != err {
		return "", fmt.Errorf("failed to join catalog base URL with %s: %v", path, err)
	}

	return u + "?" + query.Encode(), nil
}

// authorize rejects requests made without a session cookie.
func authorize(user *session.User) error {
	if nil == user || !user.Authenticated() {
		return session.ErrUnauthorized
	}

	return nil
}

// do sends a GET request and returns the response when its status code is
// 200. The caller must close the response body. A nil user sends the request
// without credentials; only CDN downloads do that, catalog calls go through
// getJSON which requires a user.
func (c *Client) do(
	ctx context.Context,
	logger zerolog.Logger,
	op string,
	reqURL string,
	user *session.User,
) (*http.Response, error) {
	if nil != user && !user.Authenticated() {
		return nil, session.ErrUnauthorized
	}

	if err := c.limiter.Wait(ctx); nil != err {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("wait for rate limiter: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if nil != err {
		logger.Error().Err(err).Msg("Failed to create request")
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	if nil != user {
		req.Header.Set("Cookie", user.Cookie)
	}

	resp, err := c.http.Do(req)
	if nil != err {
		return nil, &NetworkError{Op: op, Err: err}
	}

	switch code := resp.StatusCode; code {
	case http.StatusOK:
		return resp, nil
	case http.StatusUnauthorized:
		drain(logger, resp)
		return nil, session.ErrUnauthorized
	case http.StatusTooManyRequests:
		drain(logger, resp)
		return nil, ErrTooManyRequests
	case http.StatusNotFound:
		drain(logger, resp)
		return nil, ErrNotFound
	default:
		respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		drain(logger, resp)
		if nil != err {
			logger.Error().Err(err).Int("status_code", code).Msg("Failed to read response body")
			return nil, &NetworkError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
		}

		logger.Error().Int("status_code", code).Bytes("response_body", respBytes).Msg("Unexpected response status code")

		return nil, &NetworkError{Op: op, Err: fmt.Errorf("unexpected status code %d with body: %s", code, string(respBytes))}
	}
}

// getJSON fetches a catalog endpoint within timeout and validates its
// response envelope.
func (c *Client) getJSON(
	ctx context.Context,
	logger zerolog.Logger,
	op string,
	timeout time.Duration,
	reqURL string,
	user *session.User,
) (b []byte, err error) {
	if err := authorize(user); nil != err {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, logger, op, reqURL, user)
	if nil != err {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			logger.Error().Err(closeErr).Msg("Failed to close response body")
			err = errors.Join(err, fmt.Errorf("failed to close %s response body: %v", op, closeErr))
		}
	}()

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if httputil.IsUnauthorizedResponse(respBytes) {
		return nil, session.ErrUnauthorized
	}

	if httputil.IsTooManyRequestsResponse(respBytes) {
		return nil, ErrTooManyRequests
	}

	if code, ok := httputil.EnvelopeCode(respBytes); !ok {
		logger.Error().Bytes("response_body", respBytes).Msg("Response has no envelope code")
		return nil, &NetworkError{Op: op, Err: errors.New("response is not a catalog envelope")}
	} else if code != http.StatusOK {
		logger.Error().Int("code", code).Bytes("response_body", respBytes).Msg("Unexpected envelope code")
		return nil, &NetworkError{
			Op:  op,
			Err: fmt.Errorf("catalog responded with code %d: %s", code, httputil.ErrorMessage(respBytes)),
		}
	}

	return respBytes, nil
}

func drain(logger zerolog.Logger, resp *http.Response) {
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024)); nil != err {
		logger.Debug().Err(err).Msg("Failed to drain response body")
	}

	if err := resp.Body.Close(); nil != err {
		logger.Error().Err(err).Msg("Failed to close response body")
	}
}
