package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// ErrNoSession is returned when the user holds no unexpired token for the application.
var ErrNoSession = errors.New("no active session")

// Session pairs an account and an application with the validity window of
// the caller's current access token. It is derived, never stored.
type Session struct {
	AccountID     string
	ApplicationID string
	UserID        string
	TokenID       string
	Scope         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// SessionResolver derives sessions from issued tokens.
type SessionResolver struct {
	tokens storage.TokenStore
	users  storage.UserStore
}

// NewSessionResolver creates a resolver reading from tokens and users
func NewSessionResolver(tokens storage.TokenStore, users storage.UserStore) *SessionResolver {
	return &SessionResolver{tokens: tokens, users: users}
}

// Session returns the session of userID with app, built from the most
// recently issued unexpired access token.
func (r *SessionResolver) Session(ctx context.Context, app *Application, userID string) (*Session, error) {
	if app == nil || userID == "" {
		return nil, ErrNoSession
	}

	tok, err := r.tokens.FindAccessToken(ctx, app.clientID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to find access token: %w", err)
	}

	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	return &Session{
		AccountID:     user.AccountID,
		ApplicationID: app.ID,
		UserID:        userID,
		TokenID:       tok.ID,
		Scope:         tok.Scope,
		IssuedAt:      tok.IssuedAt,
		ExpiresAt:     tok.ExpiresAt,
	}, nil
}
