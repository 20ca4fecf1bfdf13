// Package storagetest provides a behavioural test suite that every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

// Factory returns an empty store. Cleanup is registered by the factory via t.Cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the full contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("CodeExchange", func(t *testing.T) { testCodeExchange(t, newStore(t)) })
	t.Run("ConcurrentCodeExchange", func(t *testing.T) { testConcurrentCodeExchange(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("RefreshRotation", func(t *testing.T) { testRefreshRotation(t, newStore(t)) })
	t.Run("ConcurrentRefreshRotation", func(t *testing.T) { testConcurrentRefreshRotation(t, newStore(t)) })
	t.Run("FindAccessToken", func(t *testing.T) { testFindAccessToken(t, newStore(t)) })
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := testutil.NewConfidentialClient(t)

	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID || got.AccountID != client.AccountID || got.ClientType != client.ClientType {
		t.Errorf("GetClient() = %+v, want %+v", got, client)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != testutil.RedirectURI {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
	if !got.AllowsGrant(storage.GrantTypePassword) {
		t.Errorf("GrantTypes = %v, want password allowed", got.GrantTypes)
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	if err := s.ValidateClientSecret(ctx, client.ClientID, testutil.ClientSecret); err != nil {
		t.Errorf("ValidateClientSecret(correct) error = %v", err)
	}
	if err := s.ValidateClientSecret(ctx, client.ClientID, "wrong"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Errorf("ValidateClientSecret(wrong) error = %v, want ErrInvalidCredentials", err)
	}
	if err := s.ValidateClientSecret(ctx, "missing", testutil.ClientSecret); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Errorf("ValidateClientSecret(missing) error = %v, want ErrInvalidCredentials", err)
	}

	// rotation replaces the stored secret
	client.ClientSecretHash = testutil.HashSecret(t, "rotated")
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient(rotated) error = %v", err)
	}
	if err := s.ValidateClientSecret(ctx, client.ClientID, testutil.ClientSecret); err == nil {
		t.Error("old secret still valid after rotation")
	}
	if err := s.ValidateClientSecret(ctx, client.ClientID, "rotated"); err != nil {
		t.Errorf("rotated secret rejected: %v", err)
	}
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	user := testutil.NewUser(t)

	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	got, err := s.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Username != user.Username || got.AccountID != user.AccountID {
		t.Errorf("GetUser() = %+v", got)
	}
	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrUserNotFound", err)
	}

	u, err := s.ValidateUserCredentials(ctx, testutil.Username, testutil.Password)
	if err != nil {
		t.Fatalf("ValidateUserCredentials() error = %v", err)
	}
	if u.ID != user.ID {
		t.Errorf("ValidateUserCredentials() user = %q, want %q", u.ID, user.ID)
	}
	if _, err := s.ValidateUserCredentials(ctx, testutil.Username, "nope"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := s.ValidateUserCredentials(ctx, "nobody", testutil.Password); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func testCodeExchange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	code := testutil.NewAuthorizationCode("code-"+uuid.NewString(), now)

	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.GetAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if got.Consumed || got.UserID != code.UserID || got.RedirectURI != code.RedirectURI {
		t.Errorf("GetAuthorizationCode() = %+v", got)
	}
	if !got.ExpiresAt.Equal(code.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, code.ExpiresAt)
	}

	access, refresh := testutil.NewTokenPair(now)
	if err := s.ExchangeAuthorizationCode(ctx, code.Code, access, refresh); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	got, err = s.GetAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() after exchange error = %v", err)
	}
	if !got.Consumed {
		t.Error("code not marked consumed")
	}
	if _, err := s.GetAccessToken(ctx, access.ID); err != nil {
		t.Errorf("access token not persisted: %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, refresh.Token); err != nil {
		t.Errorf("refresh token not persisted: %v", err)
	}

	// second redemption fails and persists nothing
	access2, refresh2 := testutil.NewTokenPair(now)
	err = s.ExchangeAuthorizationCode(ctx, code.Code, access2, refresh2)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second exchange error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if _, err := s.GetAccessToken(ctx, access2.ID); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("losing exchange persisted an access token: %v", err)
	}

	err = s.ExchangeAuthorizationCode(ctx, "missing", access2, nil)
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("exchange of unknown code error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, "missing"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode(missing) error = %v", err)
	}
}

func testConcurrentCodeExchange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	code := testutil.NewAuthorizationCode("race-"+uuid.NewString(), now)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 16
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			access, refresh := testutil.NewTokenPair(now)
			err := s.ExchangeAuthorizationCode(ctx, code.Code, access, refresh)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				losses.Add(1)
			default:
				t.Errorf("unexpected exchange error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || losses.Load() != workers-1 {
		t.Fatalf("wins = %d, losses = %d; want exactly one winner", wins.Load(), losses.Load())
	}
}

func testTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	access, _ := testutil.NewTokenPair(now)
	access.UserID = ""
	if err := s.SaveTokens(ctx, access, nil); err != nil {
		t.Fatalf("SaveTokens(access only) error = %v", err)
	}

	got, err := s.GetAccessToken(ctx, access.ID)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.ClientID != access.ClientID || got.Scope != access.Scope || !got.ExpiresAt.Equal(access.ExpiresAt) {
		t.Errorf("GetAccessToken() = %+v, want %+v", got, access)
	}

	if err := s.RevokeAccessToken(ctx, access.ID); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	if _, err := s.GetAccessToken(ctx, access.ID); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetAccessToken() after revoke error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetRefreshToken(missing) error = %v, want ErrTokenNotFound", err)
	}
}

func testRefreshRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()

	access, refresh := testutil.NewTokenPair(now)
	if err := s.SaveTokens(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokens() error = %v", err)
	}

	got, err := s.GetRefreshToken(ctx, refresh.Token)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if got.AccessTokenID != access.ID || got.UserID != refresh.UserID {
		t.Errorf("GetRefreshToken() = %+v", got)
	}

	access2, refresh2 := testutil.NewTokenPair(now)
	if err := s.RotateRefreshToken(ctx, refresh.Token, access2, refresh2); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, refresh.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old refresh token still present: %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, refresh2.Token); err != nil {
		t.Errorf("new refresh token missing: %v", err)
	}
	if _, err := s.GetAccessToken(ctx, access2.ID); err != nil {
		t.Errorf("new access token missing: %v", err)
	}

	access3, refresh3 := testutil.NewTokenPair(now)
	if err := s.RotateRefreshToken(ctx, refresh.Token, access3, refresh3); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("rotating a rotated token error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetAccessToken(ctx, access3.ID); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("failed rotation persisted an access token: %v", err)
	}
}

func testConcurrentRefreshRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()

	access, refresh := testutil.NewTokenPair(now)
	if err := s.SaveTokens(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokens() error = %v", err)
	}

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, r := testutil.NewTokenPair(now)
			if err := s.RotateRefreshToken(ctx, refresh.Token, a, r); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, storage.ErrTokenNotFound) {
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("successful rotations = %d, want 1", wins.Load())
	}
}

func testFindAccessToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	if _, err := s.FindAccessToken(ctx, testutil.ClientID, testutil.UserID); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Fatalf("FindAccessToken() on empty store error = %v, want ErrTokenNotFound", err)
	}

	for i, offset := range []time.Duration{-2 * time.Hour, -time.Minute, -30 * time.Second} {
		access, _ := testutil.NewTokenPair(now.Add(offset))
		access.ID = fmt.Sprintf("tok-%d-%s", i, uuid.NewString())
		if offset == -2*time.Hour {
			// already expired
			access.ExpiresAt = now.Add(-time.Hour)
		}
		if offset == -30*time.Second {
			// latest, but for another user
			access.UserID = "someone-else"
		}
		if err := s.SaveTokens(ctx, access, nil); err != nil {
			t.Fatalf("SaveTokens() error = %v", err)
		}
	}

	got, err := s.FindAccessToken(ctx, testutil.ClientID, testutil.UserID)
	if err != nil {
		t.Fatalf("FindAccessToken() error = %v", err)
	}
	if !got.IssuedAt.Equal(now.Add(-time.Minute)) {
		t.Errorf("FindAccessToken() IssuedAt = %v, want %v", got.IssuedAt, now.Add(-time.Minute))
	}
}
