package tcia

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// refreshFraction of the token lifetime after which a refresh is issued.
// Refreshing well before expiry keeps long-running downloads from racing
// the deadline.
const refreshFraction = 0.75

// TokenSource hands out a valid access token to concurrent download
// workers and refreshes it in the background before it expires.
type TokenSource struct {
	client *Client

	mu    sync.RWMutex
	token Token

	// OnRefresh, if set, is called after every successful refresh.
	OnRefresh func(Token)
}

// NewTokenSource authenticates with the given credentials and returns a
// source holding the initial token.
func NewTokenSource(ctx context.Context, client *Client, username, password string) (*TokenSource, error) {
	token, err := client.Authenticate(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return &TokenSource{client: client, token: token}, nil
}

// AccessToken returns the current access token.
func (ts *TokenSource) AccessToken() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.token.AccessToken
}

// Run refreshes the token at 75% of its lifetime until ctx is cancelled.
// Meant to run on its own goroutine for the duration of a download run.
func (ts *TokenSource) Run(ctx context.Context) error {
	for {
		ts.mu.RLock()
		lifetime := time.Duration(ts.token.ExpiresIn) * time.Second
		ts.mu.RUnlock()

		wait := time.Duration(float64(lifetime) * refreshFraction)
		if wait <= 0 {
			wait = time.Minute
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := ts.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("refresh token: %w", err)
		}
	}
}

func (ts *TokenSource) refresh(ctx context.Context) error {
	ts.mu.RLock()
	refreshToken := ts.token.RefreshToken
	ts.mu.RUnlock()

	token, err := ts.client.Refresh(ctx, refreshToken)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	ts.token = token
	ts.mu.Unlock()

	if ts.OnRefresh != nil {
		ts.OnRefresh(token)
	}
	return nil
}
