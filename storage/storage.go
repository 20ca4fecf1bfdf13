// Package storage defines interfaces for persisting OAuth clients, users, authorization codes and tokens.
// It supports various backend implementations including in-memory, Valkey, and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Grant types understood by the server
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
)

var (
	// ErrClientNotFound is returned when no client is registered under the given id
	ErrClientNotFound = errors.New("client not found")

	// ErrUserNotFound is returned when no user exists with the given id
	ErrUserNotFound = errors.New("user not found")

	// ErrAuthorizationCodeNotFound is returned when a code is unknown to the store
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed is returned when a code has already been consumed
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrTokenNotFound is returned when an access or refresh token is unknown to the store
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned by stores that refuse to hand out lapsed records
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidCredentials is returned when a client secret or user password does not match
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a client registration
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored bcrypt hash.
	// Returns ErrInvalidCredentials on mismatch or unknown client.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// UserStore resolves resource owners for the password grant and for session lookups.
type UserStore interface {
	// SaveUser creates or replaces a user
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, userID string) (*User, error)

	// ValidateUserCredentials checks a username/password pair and returns the matching user.
	// Returns ErrInvalidCredentials when the pair does not match.
	ValidateUserCredentials(ctx context.Context, username, password string) (*User, error)
}

// CodeStore manages issued authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without modifying it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ExchangeAuthorizationCode marks the code consumed and persists the issued tokens
	// as one atomic step. refresh may be nil.
	// Exactly one of any number of concurrent calls for the same code succeeds; the
	// others get ErrAuthorizationCodeUsed and nothing is written on their behalf.
	ExchangeAuthorizationCode(ctx context.Context, code string, access *AccessToken, refresh *RefreshToken) error
}

// TokenStore persists issued access and refresh tokens.
type TokenStore interface {
	// SaveTokens persists an access token and, if non-nil, a refresh token
	SaveTokens(ctx context.Context, access *AccessToken, refresh *RefreshToken) error

	// GetAccessToken retrieves an access token record by its ID
	GetAccessToken(ctx context.Context, id string) (*AccessToken, error)

	// GetRefreshToken retrieves a refresh token record
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken deletes oldRefresh and persists the new pair atomically.
	// Returns ErrTokenNotFound if oldRefresh was already rotated by a concurrent call.
	RotateRefreshToken(ctx context.Context, oldRefresh string, access *AccessToken, refresh *RefreshToken) error

	// RevokeAccessToken deletes an access token record so that it no longer authenticates
	RevokeAccessToken(ctx context.Context, id string) error

	// FindAccessToken returns the most recently issued unexpired access token
	// for the given client and user.
	FindAccessToken(ctx context.Context, clientID, userID string) (*AccessToken, error)
}

// Store is the complete persistence contract required by the authorization server.
type Store interface {
	ClientStore
	UserStore
	CodeStore
	TokenStore
}

// Client represents a registered OAuth client (an "application").
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	GrantTypes       []string
	Scopes           []string // allowed scopes, empty means unrestricted
	AccountID        string   // owning account
	Name             string
	Description      string
	ApplicationType  string
	APIKey           string

	// Optional per-client token lifetimes, zero means server default
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	CreatedAt time.Time
}

// IsPublic reports whether the client may authenticate without a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// AllowsGrant reports whether grantType is in the client's allowed set.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// User is a resource owner able to authorize clients.
type User struct {
	ID           string
	AccountID    string
	Username     string
	PasswordHash string // bcrypt hash
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// AccessToken is the stored record behind an issued bearer token.
// The bearer string itself is produced by the token codec and never stored.
type AccessToken struct {
	ID        string
	ClientID  string
	UserID    string // empty for client_credentials
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is an opaque refresh token record.
type RefreshToken struct {
	Token         string
	AccessTokenID string
	ClientID      string
	UserID        string
	Scope         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// IsExpired reports whether the code has lapsed at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsExpired reports whether the token has lapsed at now.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsExpired reports whether the refresh token has lapsed at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
