// Package tcia is a client for the NBIA REST API of The Cancer Imaging
// Archive. It covers the two calls the downloader needs: OAuth password /
// refresh token grants and streaming per-series image archives.
package tcia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"
)

// Production endpoints. Overridable for tests.
const (
	DefaultAPIURL   = "https://services.cancerimagingarchive.net/nbia-api/services/v2"
	DefaultLoginURL = "https://services.cancerimagingarchive.net/nbia-api/oauth/token"
)

// The NBIA public OAuth client. These are published constants of the TCIA
// REST API, not secrets.
const (
	oauthClientID     = "nbiaRestAPIClient"
	oauthClientSecret = "ItsBetweenUAndMe"
)

// GuestUsername is the account used for downloading publicly available
// collections without a TCIA login.
const GuestUsername = "nbia_guest"

// Common errors.
var (
	ErrUnauthorized = errors.New("tcia: unauthorized")
	ErrForbidden    = errors.New("tcia: access forbidden")
	ErrNotFound     = errors.New("tcia: resource not found")
	ErrServerError  = errors.New("tcia: server error")
)

// Token is an NBIA OAuth token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`

	acquired time.Time
}

// ExpiresAt returns the wall-clock expiry of the access token.
func (t Token) ExpiresAt() time.Time {
	return t.acquired.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Options configures the client.
type Options struct {
	// APIURL is the NBIA services base URL.
	APIURL string

	// LoginURL is the OAuth token endpoint.
	LoginURL string

	// Timeout for metadata requests. Image downloads are not subject to
	// it; they are bounded by the request context instead, since a series
	// archive can legitimately take many minutes to stream.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retries for transient errors.
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		APIURL:          DefaultAPIURL,
		LoginURL:        DefaultLoginURL,
		Timeout:         30 * time.Second,
		RetryAttempts:   5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// Client talks to the NBIA REST API.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a client with the given options. Zero-valued fields
// fall back to defaults.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.APIURL == "" {
		opts.APIURL = def.APIURL
	}
	if opts.LoginURL == "" {
		opts.LoginURL = def.LoginURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}

	return &Client{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
	}
}

// Authenticate performs a password grant and returns a token pair. Use
// GuestUsername with an empty password for public collections.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	return c.tokenRequest(ctx, url.Values{
		"username":      {username},
		"password":      {password},
		"grant_type":    {"password"},
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
	})
}

// Refresh exchanges a refresh token for a fresh token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	return c.tokenRequest(ctx, url.Values{
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
	})
}

func (c *Client) tokenRequest(ctx context.Context, params url.Values) (Token, error) {
	var token Token
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return Token{}, err
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.opts.LoginURL+"?"+params.Encode(), nil)
		if err != nil {
			cancel()
			return Token{}, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}
		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			cancel()
			return Token{}, err
		}

		err = json.NewDecoder(resp.Body).Decode(&token)
		resp.Body.Close()
		cancel()
		if err != nil {
			return Token{}, fmt.Errorf("decode token response: %w", err)
		}
		if token.AccessToken == "" {
			return Token{}, fmt.Errorf("token response contains no access token")
		}
		token.acquired = time.Now()
		return token, nil
	}

	return Token{}, fmt.Errorf("token request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// DownloadSeries streams the zip archive of one DICOM series to w,
// authenticating with the given access token. Returns the number of bytes
// written.
func (c *Client) DownloadSeries(ctx context.Context, seriesUID, accessToken string, w io.Writer) (int64, error) {
	params := url.Values{"SeriesInstanceUID": {seriesUID}}
	reqURL := c.opts.APIURL + "/getImage?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}
		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			return 0, err
		}

		n, err := io.Copy(w, resp.Body)
		resp.Body.Close()
		if err != nil {
			// A broken stream mid-download cannot be resumed against a
			// fresh writer; surface it to the caller which retries the
			// whole case.
			return n, fmt.Errorf("stream series %s: %w", seriesUID, err)
		}
		return n, nil
	}

	return 0, fmt.Errorf("download series %s failed after %d attempts: %w", seriesUID, c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("tcia: unexpected status code %d", code)
	}
}
