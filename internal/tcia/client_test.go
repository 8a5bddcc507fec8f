package tcia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(apiURL, loginURL string) *Client {
	return NewClient(Options{
		APIURL:          apiURL,
		LoginURL:        loginURL,
		Timeout:         2 * time.Second,
		RetryAttempts:   2,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: 5 * time.Millisecond,
	})
}

func tokenHandler(t *testing.T, wantUser string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("client_id"); got != "nbiaRestAPIClient" {
			t.Errorf("client_id = %q", got)
		}
		switch q.Get("grant_type") {
		case "password":
			if got := q.Get("username"); got != wantUser {
				t.Errorf("username = %q, want %q", got, wantUser)
			}
		case "refresh_token":
			if got := q.Get("refresh_token"); got == "" {
				t.Error("refresh grant without refresh_token")
			}
		default:
			t.Errorf("unexpected grant_type %q", q.Get("grant_type"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "token-abc",
			"refresh_token": "refresh-xyz",
			"expires_in":    7200,
		})
	}
}

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(tokenHandler(t, GuestUsername))
	defer srv.Close()

	c := testClient("", srv.URL)
	token, err := c.Authenticate(context.Background(), GuestUsername, "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.AccessToken != "token-abc" || token.RefreshToken != "refresh-xyz" {
		t.Errorf("unexpected token: %+v", token)
	}
	if token.ExpiresIn != 7200 {
		t.Errorf("expires_in = %d, want 7200", token.ExpiresIn)
	}
	if token.ExpiresAt().Before(time.Now().Add(time.Hour)) {
		t.Error("expiry is implausibly early")
	}
}

func TestAuthenticateUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient("", srv.URL)
	_, err := c.Authenticate(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestTokenRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "ok", "expires_in": 10})
	}))
	defer srv.Close()

	c := testClient("", srv.URL)
	token, err := c.Authenticate(context.Background(), GuestUsername, "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.AccessToken != "ok" {
		t.Errorf("access token = %q", token.AccessToken)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestTokenRequestGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient("", srv.URL)
	_, err := c.Authenticate(context.Background(), GuestUsername, "")
	if !errors.Is(err, ErrServerError) {
		t.Errorf("err = %v, want ErrServerError", err)
	}
}

func TestDownloadSeries(t *testing.T) {
	payload := []byte("zip-bytes-here")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/getImage" {
			t.Errorf("path = %q", got)
		}
		if got := r.URL.Query().Get("SeriesInstanceUID"); got != "1.2.3" {
			t.Errorf("SeriesInstanceUID = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write(payload)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	var buf bytes.Buffer
	n, err := c.DownloadSeries(context.Background(), "1.2.3", "tok", &buf)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if n != int64(len(payload)) || !bytes.Equal(buf.Bytes(), payload) {
		t.Errorf("got %d bytes %q", n, buf.Bytes())
	}
}

func TestDownloadSeriesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	var buf bytes.Buffer
	_, err := c.DownloadSeries(context.Background(), "1.2.3", "tok", &buf)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDownloadSeriesCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(srv.URL, "")
	var buf bytes.Buffer
	_, err := c.DownloadSeries(ctx, "1.2.3", "tok", &buf)
	if err == nil {
		t.Error("expected error after cancellation")
	}
}

func TestTokenSourceRefresh(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access := "initial"
		if r.URL.Query().Get("grant_type") == "refresh_token" {
			refreshes.Add(1)
			access = "refreshed"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "r1",
			"expires_in":    1,
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testClient("", srv.URL)
	ts, err := NewTokenSource(ctx, c, GuestUsername, "")
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	if got := ts.AccessToken(); got != "initial" {
		t.Fatalf("initial token = %q", got)
	}

	refreshed := make(chan Token, 1)
	ts.OnRefresh = func(tok Token) {
		select {
		case refreshed <- tok:
		default:
		}
	}
	go ts.Run(ctx)

	// expires_in is 1s, so the refresh fires at 750ms.
	select {
	case <-refreshed:
	case <-time.After(3 * time.Second):
		t.Fatal("token was not refreshed in time")
	}

	if got := ts.AccessToken(); got != "refreshed" {
		t.Errorf("token after refresh = %q, want refreshed", got)
	}
	if refreshes.Load() == 0 {
		t.Error("server saw no refresh grant")
	}
}

func TestTokenSourceRunReportsFailedRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") == "refresh_token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "initial",
			"refresh_token": "r1",
			"expires_in":    1,
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testClient("", srv.URL)
	ts, err := NewTokenSource(ctx, c, GuestUsername, "")
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- ts.Run(ctx) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run returned nil after a failed refresh")
		}
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Run error = %v, want ErrUnauthorized", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the refresh failed")
	}
}
