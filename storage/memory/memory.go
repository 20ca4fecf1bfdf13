package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging codes and tokens
	tokenIDLogLength = 8

	defaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	users   map[string]*storage.User
	// username -> user ID
	usernames map[string]string

	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		usernames:       make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source used for cleanup and FindAccessToken.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}

	size := func(n func() int) instrumentation.StorageSizeCallback {
		return func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(n())
		}
	}
	err := inst.RegisterStorageSizeCallbacks(
		size(func() int { return len(s.clients) }),
		size(func() int { return len(s.codes) }),
		size(func() int { return len(s.accessTokens) }),
		size(func() int { return len(s.refreshTokens) }),
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ClientID] = &c
	s.logger.DebugContext(ctx, "Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	c := *client
	return &c, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Unknown clients are compared against a dummy hash so both paths cost the same.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	var hash string
	if client, err := s.GetClient(ctx, clientID); err == nil {
		hash = client.ClientSecretHash
	}
	return storage.CompareSecret(hash, clientSecret)
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.users[user.ID]; ok {
		delete(s.usernames, prev.Username)
	}
	u := *user
	s.users[user.ID] = &u
	if user.Username != "" {
		s.usernames[user.Username] = user.ID
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	u := *user
	return &u, nil
}

// ValidateUserCredentials checks a username/password pair
func (s *Store) ValidateUserCredentials(ctx context.Context, username, password string) (*storage.User, error) {
	s.mu.RLock()
	var user *storage.User
	if id, ok := s.usernames[username]; ok {
		u := *s.users[id]
		user = &u
	}
	s.mu.RUnlock()

	var hash string
	if user != nil {
		hash = user.PasswordHash
	}
	if err := storage.CompareSecret(hash, password); err != nil {
		return nil, err
	}
	return user, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[code.Code] = &c
	s.logger.DebugContext(ctx, "Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// Expiry is not checked here; callers compare ExpiresAt themselves.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.observe(ctx, "get_authorization_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	c := *authCode
	return &c, nil
}

// ExchangeAuthorizationCode atomically marks the code consumed and stores the tokens.
//
// SECURITY: the check-and-set happens under the write lock, so only ONE
// concurrent caller can succeed.
func (s *Store) ExchangeAuthorizationCode(ctx context.Context, code string, access *storage.AccessToken, refresh *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "exchange_authorization_code")
	defer func() { done(err) }()

	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return storage.ErrAuthorizationCodeNotFound
	}
	if authCode.Consumed {
		return storage.ErrAuthorizationCodeUsed
	}

	authCode.Consumed = true
	s.putTokensLocked(access, refresh)

	s.logger.DebugContext(ctx, "Exchanged authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", access.ClientID)
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokens persists an access token and optional refresh token
func (s *Store) SaveTokens(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) (err error) {
	_, done := s.observe(ctx, "save_tokens")
	defer func() { done(err) }()

	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putTokensLocked(access, refresh)
	return nil
}

// putTokensLocked stores copies of the given tokens. Must be called with mutex locked.
func (s *Store) putTokensLocked(access *storage.AccessToken, refresh *storage.RefreshToken) {
	a := *access
	s.accessTokens[access.ID] = &a
	if refresh != nil {
		r := *refresh
		s.refreshTokens[refresh.Token] = &r
	}
}

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(ctx context.Context, id string) (_ *storage.AccessToken, err error) {
	_, done := s.observe(ctx, "get_access_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	t := *token
	return &t, nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	r := *rt
	return &r, nil
}

// RotateRefreshToken atomically replaces oldRefresh with a new token pair.
func (s *Store) RotateRefreshToken(ctx context.Context, oldRefresh string, access *storage.AccessToken, refresh *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[oldRefresh]; !ok {
		return storage.ErrTokenNotFound
	}
	delete(s.refreshTokens, oldRefresh)
	s.putTokensLocked(access, refresh)

	s.logger.DebugContext(ctx, "Rotated refresh token",
		"old_prefix", util.SafeTruncate(oldRefresh, tokenIDLogLength))
	return nil
}

// RevokeAccessToken removes an access token record
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, id)
	return nil
}

// FindAccessToken returns the latest unexpired access token for clientID and userID
func (s *Store) FindAccessToken(ctx context.Context, clientID, userID string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var latest *storage.AccessToken
	for _, t := range s.accessTokens {
		if t.ClientID != clientID || t.UserID != userID || t.IsExpired(now) {
			continue
		}
		if latest == nil || t.IssuedAt.After(latest.IssuedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, storage.ErrTokenNotFound
	}
	t := *latest
	return &t, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup reclaims expired records. Correctness never depends on it running.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for code, c := range s.codes {
		if c.IsExpired(now) {
			delete(s.codes, code)
			cleaned++
		}
	}
	for id, t := range s.accessTokens {
		if t.IsExpired(now) {
			delete(s.accessTokens, id)
			cleaned++
		}
	}
	for token, t := range s.refreshTokens {
		if t.IsExpired(now) {
			delete(s.refreshTokens, token)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// observe starts a storage span and returns a func that records the outcome.
func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	tracer, inst := s.tracer, s.instrumentation
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, func(error) {}
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()

		result := "success"
		if err != nil {
			result = "error"
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Microseconds())/1000)
	}
}
