package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/storagetest"
)

// testStore returns a store backed by miniredis, or by a real Valkey
// instance when VALKEY_TEST_ADDR is set. Each test gets a unique prefix.
func testStore(t *testing.T) *Store {
	t.Helper()

	prefix := fmt.Sprintf("oauth2test:%s:", t.Name())

	if addr := os.Getenv("VALKEY_TEST_ADDR"); addr != "" {
		store, err := New(Config{Address: addr, KeyPrefix: prefix})
		if err != nil {
			t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
		}
		t.Cleanup(func() {
			cleanupTestKeys(t, store)
			store.Close()
		})
		cleanupTestKeys(t, store)
		return store
	}

	store, _ := miniredisStore(t, prefix)
	return store
}

// miniredisStore returns a store on a fresh miniredis with the client
// topology valkey-go detects for it.
func miniredisStore(t *testing.T, prefix string) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	if err != nil {
		t.Fatalf("failed to create valkey client: %v", err)
	}
	store := NewWithClient(client, Config{KeyPrefix: prefix})
	t.Cleanup(store.Close)
	return store, mr
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return testStore(t) })
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestNewWithClient_DefaultPrefix(t *testing.T) {
	s, mr := miniredisStore(t, "")

	if s.prefix != "{oauth2}:" {
		t.Errorf("prefix = %q, want %q", s.prefix, "{oauth2}:")
	}
	if err := s.SaveClient(context.Background(), testutil.NewConfidentialClient(t)); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("{oauth2}:client:" + testutil.ClientID) {
		t.Errorf("client not stored under default prefix; keys = %v", mr.Keys())
	}
}

func TestHashTagged(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "oauth2:", want: "{oauth2}:"},
		{prefix: "tenant-a", want: "{tenant-a}:"},
		{prefix: "app:{shared}:", want: "app:{shared}:"},
	}
	for _, tt := range tests {
		if got := hashTagged(tt.prefix); got != tt.want {
			t.Errorf("hashTagged(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

// hashTag returns the part of key that cluster slot hashing uses.
func hashTag(key string) string {
	start := strings.Index(key, "{")
	if start < 0 {
		return key
	}
	end := strings.Index(key[start+1:], "}")
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestStore_KeysShareHashSlot(t *testing.T) {
	s, mr := miniredisStore(t, "")
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveClient(ctx, testutil.NewConfidentialClient(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveUser(ctx, testutil.NewUser(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAuthorizationCode(ctx, testutil.NewAuthorizationCode("slot-code", now)); err != nil {
		t.Fatal(err)
	}

	// multi-key reads and scripts run without cross-slot errors
	if _, err := s.GetAuthorizationCode(ctx, "slot-code"); err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	access, refresh := testutil.NewTokenPair(now)
	if err := s.ExchangeAuthorizationCode(ctx, "slot-code", access, refresh); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	next, nextRefresh := testutil.NewTokenPair(now)
	if err := s.RotateRefreshToken(ctx, refresh.Token, next, nextRefresh); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if _, err := s.FindAccessToken(ctx, next.ClientID, next.UserID); err != nil {
		t.Fatalf("FindAccessToken() error = %v", err)
	}

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("no keys written")
	}
	for _, k := range keys {
		if tag := hashTag(k); tag != "oauth2" {
			t.Errorf("key %q has hash tag %q, want %q", k, tag, "oauth2")
		}
	}
}

func TestStore_SessionIndexKeyDistinguishesColons(t *testing.T) {
	s, _ := miniredisStore(t, "")

	a := s.sessionIndexKey("client:a", "user")
	b := s.sessionIndexKey("client", "a:user")
	if a == b {
		t.Errorf("session index keys collide: %q", a)
	}

	ctx := context.Background()
	now := time.Now()
	tokA, _ := testutil.NewTokenPair(now)
	tokA.ClientID, tokA.UserID = "client:a", "user"
	if err := s.SaveTokens(ctx, tokA, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindAccessToken(ctx, "client", "a:user"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("FindAccessToken(other pair) error = %v, want ErrTokenNotFound", err)
	}
	got, err := s.FindAccessToken(ctx, "client:a", "user")
	if err != nil {
		t.Fatalf("FindAccessToken() error = %v", err)
	}
	if got.ID != tokA.ID {
		t.Errorf("FindAccessToken() = %s, want %s", got.ID, tokA.ID)
	}
}

// ============================================================
// Behaviour specific to the Valkey layout
// ============================================================

func TestStore_AuthorizationCodeTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testutil.NewAuthorizationCode("ttl-code", time.Now())
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatal(err)
	}

	ttl, err := s.client.Do(ctx, s.client.B().Ttl().Key(s.codeKey("ttl-code")).Build()).AsInt64()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > int64((5*time.Minute).Seconds()) {
		t.Errorf("code TTL = %ds, want within (0, 300]", ttl)
	}
}

func TestStore_ConsumedMarkerFollowsCodeTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testutil.NewAuthorizationCode("marker", time.Now())); err != nil {
		t.Fatal(err)
	}
	access, refresh := testutil.NewTokenPair(time.Now())
	if err := s.ExchangeAuthorizationCode(ctx, "marker", access, refresh); err != nil {
		t.Fatal(err)
	}

	pttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(s.codeConsumedKey("marker")).Build()).AsInt64()
	if err != nil {
		t.Fatal(err)
	}
	if pttl <= 0 {
		t.Errorf("consumed marker PTTL = %d, want a positive expiry", pttl)
	}
}

func TestStore_ExchangeWithoutRefresh(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testutil.NewAuthorizationCode("no-refresh", time.Now())); err != nil {
		t.Fatal(err)
	}
	access, _ := testutil.NewTokenPair(time.Now())
	if err := s.ExchangeAuthorizationCode(ctx, "no-refresh", access, nil); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	// the placeholder refresh key must never be written
	if _, err := s.GetRefreshToken(ctx, ""); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetRefreshToken(\"\") error = %v, want ErrTokenNotFound", err)
	}
}

func TestStore_FindAccessToken_PrunesRevoked(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	older, _ := testutil.NewTokenPair(now.Add(-time.Minute))
	newer, _ := testutil.NewTokenPair(now)
	for _, tok := range []*storage.AccessToken{older, newer} {
		if err := s.SaveTokens(ctx, tok, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.RevokeAccessToken(ctx, newer.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindAccessToken(ctx, older.ClientID, older.UserID)
	if err != nil {
		t.Fatalf("FindAccessToken() error = %v", err)
	}
	if got.ID != older.ID {
		t.Errorf("FindAccessToken() = %s, want %s", got.ID, older.ID)
	}

	members, err := s.client.Do(ctx,
		s.client.B().Zcard().Key(s.sessionIndexKey(older.ClientID, older.UserID)).Build(),
	).AsInt64()
	if err != nil {
		t.Fatal(err)
	}
	if members != 1 {
		t.Errorf("session index size = %d, want 1 after pruning", members)
	}
}

func TestStore_InputTooLarge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	huge := strings.Repeat("x", MaxTokenLength+1)

	if err := s.SaveAuthorizationCode(ctx, testutil.NewAuthorizationCode(huge, time.Now())); !errors.Is(err, errInputTooLarge) {
		t.Errorf("SaveAuthorizationCode(huge) error = %v, want errInputTooLarge", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, huge); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode(huge) error = %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, huge); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetRefreshToken(huge) error = %v", err)
	}
}

func TestStore_SaveUser_RenameDropsOldUsername(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	user := testutil.NewUser(t)
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	user.Username = "bob"
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ValidateUserCredentials(ctx, testutil.Username, testutil.Password); err == nil {
		t.Error("old username still authenticates")
	}
	if _, err := s.ValidateUserCredentials(ctx, "bob", testutil.Password); err != nil {
		t.Errorf("new username rejected: %v", err)
	}
}
