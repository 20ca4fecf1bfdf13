package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/giantswarm/oauth2-server/server"
)

const (
	defaultListenAddress = ":8080"

	backendMemory   = "memory"
	backendValkey   = "valkey"
	backendPostgres = "postgres"
)

type config struct {
	ListenAddress string `mapstructure:"listen_address"`
	LogLevel      string `mapstructure:"log_level"`

	Issuer                         string        `mapstructure:"issuer"`
	AllowInsecureHTTP              bool          `mapstructure:"allow_insecure_http"`
	Realm                          string        `mapstructure:"realm"`
	Scopes                         []string      `mapstructure:"scopes"`
	AuthorizationCodeTTL           time.Duration `mapstructure:"authorization_code_ttl"`
	AccessTokenTTL                 time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL                time.Duration `mapstructure:"refresh_token_ttl"`
	DisableRefreshTokenRotation    bool          `mapstructure:"disable_refresh_token_rotation"`
	AllowBearerTokensInQueryString bool          `mapstructure:"allow_bearer_tokens_in_query_string"`
	StatelessAuthentication        bool          `mapstructure:"stateless_authentication"`
	TokenLeeway                    time.Duration `mapstructure:"token_leeway"`

	SigningKey signingKeyConfig `mapstructure:"signing_key"`
	Storage    storageConfig    `mapstructure:"storage"`
	RateLimit  rateLimitConfig  `mapstructure:"rate_limit"`
	Metrics    metricsConfig    `mapstructure:"metrics"`
	Audit      bool             `mapstructure:"audit"`
	Bootstrap  bootstrapConfig  `mapstructure:"bootstrap"`
}

type signingKeyConfig struct {
	// File is a PEM encoded EC or RSA private key; a key is generated when empty
	File string `mapstructure:"file"`
	ID   string `mapstructure:"id"`
	// PreviousFiles are retired keys still accepted for verification
	PreviousFiles []string `mapstructure:"previous_files"`
}

type storageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Valkey   valkeyConfig   `mapstructure:"valkey"`
	Postgres postgresConfig `mapstructure:"postgres"`
}

type valkeyConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type postgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type rateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	TrustProxy        bool    `mapstructure:"trust_proxy"`
	TrustedProxyCount int     `mapstructure:"trusted_proxy_count"`
}

type metricsConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	LogClientIPs bool `mapstructure:"log_client_ips"`
}

// bootstrapConfig seeds one client and one user at startup, which is how a
// fresh in-memory server becomes usable.
type bootstrapConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	AccountID    string `mapstructure:"account_id"`
	UserID       string `mapstructure:"user_id"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", "info")
	v.SetDefault("issuer", "http://localhost:8080")
	v.SetDefault("allow_insecure_http", false)
	v.SetDefault("realm", server.DefaultRealm)
	v.SetDefault("scopes", []string{})
	v.SetDefault("authorization_code_ttl", server.DefaultAuthorizationCodeTTL)
	v.SetDefault("access_token_ttl", server.DefaultAccessTokenTTL)
	v.SetDefault("refresh_token_ttl", server.DefaultRefreshTokenTTL)
	v.SetDefault("disable_refresh_token_rotation", false)
	v.SetDefault("allow_bearer_tokens_in_query_string", false)
	v.SetDefault("stateless_authentication", false)
	v.SetDefault("token_leeway", time.Duration(0))

	v.SetDefault("signing_key.file", "")
	v.SetDefault("signing_key.id", "")
	v.SetDefault("signing_key.previous_files", []string{})

	v.SetDefault("storage.backend", backendMemory)
	v.SetDefault("storage.valkey.address", "localhost:6379")
	v.SetDefault("storage.valkey.password", "")
	v.SetDefault("storage.valkey.db", 0)
	v.SetDefault("storage.valkey.key_prefix", "")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.cleanup_interval", 10*time.Minute)

	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.trust_proxy", false)
	v.SetDefault("rate_limit.trusted_proxy_count", 1)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.log_client_ips", false)
	v.SetDefault("audit", true)

	for _, key := range []string{"client_id", "client_secret", "redirect_uri", "account_id", "user_id", "username", "password"} {
		v.SetDefault("bootstrap."+key, "")
	}
}

// loadConfig merges defaults, the optional config file and OAUTH2_*
// environment variables, in increasing precedence.
func loadConfig(v *viper.Viper, configFile string) (*config, error) {
	setDefaults(v)

	v.SetEnvPrefix("OAUTH2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *config) validate() error {
	switch c.Storage.Backend {
	case backendMemory:
	case backendValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	case backendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Bootstrap.ClientID != "" && c.Bootstrap.RedirectURI == "" {
		return fmt.Errorf("bootstrap.redirect_uri is required with bootstrap.client_id")
	}
	if c.Bootstrap.Username != "" && c.Bootstrap.Password == "" {
		return fmt.Errorf("bootstrap.password is required with bootstrap.username")
	}
	return nil
}

func (c *config) serverConfig() *server.Config {
	return &server.Config{
		Issuer:                         c.Issuer,
		AuthorizationCodeTTL:           c.AuthorizationCodeTTL,
		AccessTokenTTL:                 c.AccessTokenTTL,
		RefreshTokenTTL:                c.RefreshTokenTTL,
		DisableRefreshTokenRotation:    c.DisableRefreshTokenRotation,
		SupportedScopes:                c.Scopes,
		AllowBearerTokensInQueryString: c.AllowBearerTokensInQueryString,
		StatelessAuthentication:        c.StatelessAuthentication,
		Realm:                          c.Realm,
		AllowInsecureHTTP:              c.AllowInsecureHTTP,
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
