// Package credential owns the OAuth token of the relayed mailbox.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Status describes the stored authorization.
type Status struct {
	Authorized      bool      `json:"authorized"`
	Valid           bool      `json:"valid"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	Expiry          time.Time `json:"expiry,omitempty"`
}

// Store hands out valid access tokens to every polling task. Refreshes are
// serialized: while one caller refreshes, the others wait and reuse the result.
type Store struct {
	oauth   *oauth2.Config
	backend TokenStore

	mu    sync.Mutex
	token *oauth2.Token

	// OnRefresh, when set, observes the outcome of every refresh attempt.
	OnRefresh func(err error)
}

// NewStore creates a Store persisting tokens to backend.
func NewStore(oauth *oauth2.Config, backend TokenStore) *Store {
	return &Store{oauth: oauth, backend: backend}
}

// GetValidToken returns a usable token, refreshing it when expired.
func (s *Store) GetValidToken(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return cloneToken(tok), nil
	}
	return s.refreshLocked(ctx, tok)
}

// RefreshIfExpiring refreshes ahead of time when the token expires within window.
// Without a stored token it fails with an AuthError wrapping ErrNoToken.
func (s *Store) RefreshIfExpiring(ctx context.Context, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if tok.Valid() && (tok.Expiry.IsZero() || time.Until(tok.Expiry) > window) {
		return nil
	}
	_, err = s.refreshLocked(ctx, tok)
	return err
}

// Save persists a newly authorized token.
func (s *Store) Save(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return fmt.Errorf("refusing to save an empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Save(ctx, tok); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	s.token = cloneToken(tok)
	logrus.Info("Stored new mailbox authorization")
	return nil
}

// Invalidate clears the persisted token. Later GetValidToken calls fail until Save.
func (s *Store) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	if err := s.backend.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	logrus.Warn("Mailbox authorization invalidated")
	return nil
}

// AuthCodeURL returns the consent page URL for the OAuth code flow.
func (s *Store) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange completes the OAuth code flow and persists the resulting token.
func (s *Store) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, &AuthError{Reason: "code exchange failed", Err: err}
	}
	if err := s.Save(ctx, tok); err != nil {
		return nil, err
	}
	return cloneToken(tok), nil
}

// Status reports the stored authorization without refreshing it.
func (s *Store) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.loadLocked(ctx)
	if IsAuthError(err) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		Authorized:      true,
		Valid:           tok.Valid(),
		HasRefreshToken: tok.RefreshToken != "",
		Expiry:          tok.Expiry,
	}, nil
}

// TokenSource adapts the store for HTTP clients built by oauth2 and the Google API libraries.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s}
}

func (s *Store) loadLocked(ctx context.Context) (*oauth2.Token, error) {
	if s.token != nil {
		return s.token, nil
	}
	tok, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNoToken) {
		return nil, &AuthError{Reason: "mailbox is not authorized", Err: err}
	}
	if err != nil {
		return nil, &AuthError{Reason: "failed to load token", Err: err}
	}
	s.token = tok
	return tok, nil
}

func (s *Store) refreshLocked(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
	if current.RefreshToken == "" {
		err := &AuthError{Reason: "token expired and no refresh token is stored"}
		s.observeRefresh(err)
		return nil, err
	}

	src := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		aerr := &AuthError{Reason: "token refresh failed", Err: err}
		s.observeRefresh(aerr)
		return nil, aerr
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}

	s.token = fresh
	if err := s.backend.Save(ctx, fresh); err != nil {
		logrus.Errorf("Failed to persist refreshed token: %v", err)
	}
	s.observeRefresh(nil)
	logrus.Debugf("Refreshed access token, expires at %s", fresh.Expiry.Format(time.RFC3339))
	return cloneToken(fresh), nil
}

func (s *Store) observeRefresh(err error) {
	if s.OnRefresh != nil {
		s.OnRefresh(err)
	}
}

func cloneToken(t *oauth2.Token) *oauth2.Token {
	c := *t
	return &c
}

type storeTokenSource struct {
	ctx   context.Context
	store *Store
}

func (ts *storeTokenSource) Token() (*oauth2.Token, error) {
	return ts.store.GetValidToken(ts.ctx)
}
