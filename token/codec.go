// Package token encodes access token records as signed JWTs and decodes
// inbound bearer tokens.
//
// The JWT carries the opaque access token id as jti and the principal as
// sub. Each token names its signing key in the kid header, so keys can be
// rotated while tokens signed by a retired key remain valid until they
// expire. A valid signature says nothing about revocation; callers that
// honor revocation still look the token id up in their store.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth2-server/storage"
)

var (
	// ErrInvalidToken is returned for malformed tokens, bad signatures,
	// unknown key ids and disallowed algorithms.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the decoded contents of a bearer token.
type Claims struct {
	TokenID   string
	Subject   string
	ClientID  string
	Scope     string
	Issuer    string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec turns access token records into bearer strings and back.
type Codec interface {
	Issue(ctx context.Context, record *storage.AccessToken) (string, error)
	Decode(ctx context.Context, bearer string) (*Claims, error)
}

// JWTConfig configures a JWTCodec.
type JWTConfig struct {
	// Issuer is written to iss and, when set, required on decode.
	Issuer string

	// Leeway tolerates clock skew on exp. Zero means exact expiry.
	Leeway time.Duration

	// Now overrides the clock used for validation (default time.Now).
	Now func() time.Time
}

// JWTCodec is a Codec producing JWS compact tokens.
type JWTCodec struct {
	keys   *KeySet
	issuer string
	leeway time.Duration
	now    func() time.Time
}

var _ Codec = (*JWTCodec)(nil)

type jwtClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTCodec creates a codec signing with keys.SigningKey().
func NewJWTCodec(keys *KeySet, cfg JWTConfig) (*JWTCodec, error) {
	if keys == nil {
		return nil, fmt.Errorf("key set is required")
	}
	if cfg.Leeway < 0 {
		return nil, fmt.Errorf("leeway must not be negative")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &JWTCodec{
		keys:   keys,
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		now:    now,
	}, nil
}

// Issue signs a token for record.
func (c *JWTCodec) Issue(_ context.Context, record *storage.AccessToken) (string, error) {
	if record == nil || record.ID == "" {
		return "", fmt.Errorf("access token record with id is required")
	}
	if record.ExpiresAt.IsZero() {
		return "", fmt.Errorf("access token record has no expiry")
	}

	key := c.keys.SigningKey()
	claims := jwtClaims{
		ClientID: record.ClientID,
		Scope:    record.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.ID,
			Subject:   record.UserID,
			Issuer:    c.issuer,
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	}
	if !record.IssuedAt.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(record.IssuedAt)
	}

	tok := jwt.NewWithClaims(key.Method, claims)
	tok.Header["kid"] = key.ID

	signed, err := tok.SignedString(key.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies bearer and returns its claims. Failures wrap
// ErrInvalidToken or ErrTokenExpired.
func (c *JWTCodec) Decode(_ context.Context, bearer string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(c.keys.methods),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	var claims jwtClaims
	var kid string
	_, err := jwt.ParseWithClaims(bearer, &claims, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		key, ok := c.keys.Lookup(kid)
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		if t.Method.Alg() != key.Method.Alg() {
			return nil, fmt.Errorf("algorithm %s does not match key %q", t.Method.Alg(), kid)
		}
		return key.verifyKey, nil
	}, opts...)
	if err != nil {
		// exp is only checked after the signature verified
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	out := &Claims{
		TokenID:  claims.ID,
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		Issuer:   claims.Issuer,
		KeyID:    kid,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
