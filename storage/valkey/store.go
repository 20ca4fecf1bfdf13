package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth2:"

	// tokenIDLogLength is the number of characters to include when logging codes and tokens
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength bounds code and token strings accepted as keys
	MaxTokenLength = 512
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:"). It is wrapped
	// in a hash tag, "{oauth2}:", so every key of a store maps to the same
	// cluster slot. A prefix that already contains "{" is used unchanged.
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
//
// Records are stored as JSON with key TTLs matching their expiry. Code
// redemption and refresh rotation run as Lua scripts so each is a single
// atomic step on the server.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB and TLS in cfg are ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	prefix = hashTagged(prefix)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// hashTagged turns "oauth2:" into "{oauth2}:". Multi-key commands and
// scripts are only allowed within one slot on a cluster.
func hashTagged(prefix string) string {
	if strings.Contains(prefix, "{") {
		return prefix
	}
	return "{" + strings.TrimSuffix(prefix, ":") + "}:"
}

// Key helpers

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

func (s *Store) usernameKey(username string) string {
	return fmt.Sprintf("%susername:%s", s.prefix, username)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) codeConsumedKey(code string) string {
	return fmt.Sprintf("%scode:%s:consumed", s.prefix, code)
}

func (s *Store) accessKey(id string) string {
	return s.prefix + "access:" + id
}

func (s *Store) refreshKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// sessionIndexKey is a sorted set of access token ids for a client and user,
// scored by issue time in milliseconds. The client id is length-prefixed so
// ids containing ':' cannot collide.
func (s *Store) sessionIndexKey(clientID, userID string) string {
	return fmt.Sprintf("%ssessions:%d:%s:%s", s.prefix, len(clientID), clientID, userID)
}

// ttlMillis returns the remaining lifetime of expiresAt in milliseconds, at least 1.
func (s *Store) ttlMillis(expiresAt time.Time) string {
	ms := expiresAt.Sub(s.now()).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func validateKeyInput(v string) error {
	if len(v) > MaxTokenLength {
		return errInputTooLarge
	}
	return nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
