package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/storage"
)

// Fixture values shared by tests across packages
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
	RedirectURI  = "https://client.example.com/callback"
	AccountID    = "account-1"
	UserID       = "user-42"
	Username     = "alice"
	Password     = "correct horse battery staple"
)

// MockTime provides a controllable, concurrency-safe time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// HashSecret hashes secret at minimum bcrypt cost to keep tests fast.
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// NewConfidentialClient returns a confidential client allowed every grant type,
// authenticating with ClientSecret.
func NewConfidentialClient(t testing.TB) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         ClientID,
		ClientSecretHash: HashSecret(t, ClientSecret),
		ClientType:       storage.ClientTypeConfidential,
		RedirectURIs:     []string{RedirectURI},
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeClientCredentials,
			storage.GrantTypePassword,
		},
		Scopes:          []string{"read", "write"},
		AccountID:       AccountID,
		Name:            "Test Client",
		Description:     "client used in tests",
		ApplicationType: "web",
		APIKey:          "api-key-1",
		CreatedAt:       time.Now(),
	}
}

// NewPublicClient returns a public client with the given id allowed the
// authorization_code and refresh_token grants.
func NewPublicClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:     clientID,
		ClientType:   storage.ClientTypePublic,
		RedirectURIs: []string{RedirectURI},
		GrantTypes:   []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		AccountID:    AccountID,
		Name:         "Public Test Client",
		CreatedAt:    time.Now(),
	}
}

// NewUser returns a user authenticating with Username / Password.
func NewUser(t testing.TB) *storage.User {
	t.Helper()
	return &storage.User{
		ID:           UserID,
		AccountID:    AccountID,
		Username:     Username,
		PasswordHash: HashSecret(t, Password),
	}
}

// NewAuthorizationCode returns an unconsumed code for the fixture client and user.
func NewAuthorizationCode(code string, now time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        code,
		ClientID:    ClientID,
		UserID:      UserID,
		RedirectURI: RedirectURI,
		Scope:       "read",
		IssuedAt:    now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
}

// NewTokenPair returns an access token and a linked refresh token.
func NewTokenPair(now time.Time) (*storage.AccessToken, *storage.RefreshToken) {
	access := &storage.AccessToken{
		ID:        uuid.NewString(),
		ClientID:  ClientID,
		UserID:    UserID,
		Scope:     "read",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	refresh := &storage.RefreshToken{
		Token:         uuid.NewString(),
		AccessTokenID: access.ID,
		ClientID:      ClientID,
		UserID:        UserID,
		Scope:         "read",
		IssuedAt:      now,
		ExpiresAt:     now.Add(14 * 24 * time.Hour),
	}
	return access, refresh
}
