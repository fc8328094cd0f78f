// Package auth turns stored Google OAuth credentials into an
// [oauth2.TokenSource] for the Provider client. Obtaining the initial token
// is done outside calrelay; refreshed tokens are written back to the token
// file.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// ErrNoToken is returned when the token file does not exist yet.
var ErrNoToken = errors.New("auth: no OAuth token stored")

// Scopes requested by calrelay.
var Scopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// TokenStore saves and loads OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// FileTokenStore keeps a token as JSON in a single file.
type FileTokenStore struct {
	Path string
}

// LoadToken returns the stored token, or (nil, nil) if the file is missing.
func (f FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil //nolint:nilnil // not stored yet
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parsing token file %s: %w", f.Path, err)
	}
	return &tok, nil
}

// SaveToken writes the token with owner-only permissions.
func (f FileTokenStore) SaveToken(token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.WriteFile(f.Path, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

// autoSaveTokenSource saves every token that differs from the last one seen.
type autoSaveTokenSource struct {
	mu     sync.Mutex
	source oauth2.TokenSource
	store  TokenStore
	last   *oauth2.Token
}

func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tok, err := a.source.Token()
	if err != nil {
		return nil, err
	}
	if a.last == nil || a.last.AccessToken != tok.AccessToken {
		if err := a.store.SaveToken(tok); err != nil {
			return nil, fmt.Errorf("saving refreshed token: %w", err)
		}
		a.last = tok
	}
	return tok, nil
}

// TokenSource builds a refreshing token source from a Google client
// credentials file and a stored token.
func TokenSource(ctx context.Context, credentialsFile string, store TokenStore) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	tok, err := store.LoadToken()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrNoToken
	}

	return &autoSaveTokenSource{
		source: oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok)),
		store:  store,
		last:   tok,
	}, nil
}
