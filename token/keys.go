package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// MinHMACSecretLength is the minimum accepted HMAC secret size in bytes.
const MinHMACSecretLength = 32

// Key is a named signing key. For asymmetric keys only the public half is
// used for verification.
type Key struct {
	ID     string
	Method jwt.SigningMethod

	signKey   any
	verifyKey any
}

// NewHMACKey returns an HS256 key. If id is empty the RFC 7638 thumbprint is used.
func NewHMACKey(id string, secret []byte) (*Key, error) {
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d", MinHMACSecretLength, len(secret))
	}
	buf := make([]byte, len(secret))
	copy(buf, secret)

	if id == "" {
		id = hmacKeyID(buf)
	}
	return &Key{ID: id, Method: jwt.SigningMethodHS256, signKey: buf, verifyKey: buf}, nil
}

// NewECDSAKey wraps an EC private key. The algorithm follows the curve.
func NewECDSAKey(id string, priv *ecdsa.PrivateKey) (*Key, error) {
	var method jwt.SigningMethod
	switch priv.Curve {
	case elliptic.P256():
		method = jwt.SigningMethodES256
	case elliptic.P384():
		method = jwt.SigningMethodES384
	case elliptic.P521():
		method = jwt.SigningMethodES512
	default:
		return nil, fmt.Errorf("unsupported EC curve: %s", priv.Curve.Params().Name)
	}
	return newSignerKey(id, method, priv)
}

// NewRSAKey wraps an RSA private key for RS256.
func NewRSAKey(id string, priv *rsa.PrivateKey) (*Key, error) {
	if priv.N.BitLen() < 2048 {
		return nil, fmt.Errorf("RSA key must be at least 2048 bits, got %d", priv.N.BitLen())
	}
	return newSignerKey(id, jwt.SigningMethodRS256, priv)
}

// GenerateECDSAKey creates a fresh P-256 key, for development setups
// without configured key material.
func GenerateECDSAKey() (*Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewECDSAKey("", priv)
}

// LoadKeyFile loads an EC or RSA private key from a PEM file.
func LoadKeyFile(path, id string) (*Key, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	if ecKey, err := jwt.ParseECPrivateKeyFromPEM(data); err == nil {
		return NewECDSAKey(id, ecKey)
	}
	rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: expected EC or RSA private key", path)
	}
	return NewRSAKey(id, rsaKey)
}

func newSignerKey(id string, method jwt.SigningMethod, signer crypto.Signer) (*Key, error) {
	if id == "" {
		var err error
		if id, err = deriveKeyID(signer.Public()); err != nil {
			return nil, err
		}
	}
	return &Key{ID: id, Method: method, signKey: signer, verifyKey: signer.Public()}, nil
}

// deriveKeyID computes base64url(SHA-256(JWK canonical form)) per RFC 7638.
func deriveKeyID(key any) (string, error) {
	jwk := jose.JSONWebKey{Key: key}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// hmacKeyID is the RFC 7638 thumbprint of an "oct" JWK. go-jose only
// thumbprints asymmetric keys.
func hmacKeyID(secret []byte) string {
	canonical := fmt.Sprintf(`{"k":"%s","kty":"oct"}`, base64.RawURLEncoding.EncodeToString(secret))
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// KeySet holds the current signing key and any retired keys still accepted
// for verification. It is immutable after construction.
type KeySet struct {
	signing *Key
	keys    map[string]*Key
	ordered []*Key
	methods []string
}

// NewKeySet builds a key set. Tokens are signed with signing; tokens
// carrying the kid of any key in verifyOnly still decode.
func NewKeySet(signing *Key, verifyOnly ...*Key) (*KeySet, error) {
	if signing == nil {
		return nil, fmt.Errorf("signing key is required")
	}

	ks := &KeySet{signing: signing, keys: make(map[string]*Key)}
	seen := make(map[string]bool)
	for _, k := range append([]*Key{signing}, verifyOnly...) {
		if k == nil || k.ID == "" {
			return nil, fmt.Errorf("key id is required")
		}
		if _, dup := ks.keys[k.ID]; dup {
			return nil, fmt.Errorf("duplicate key id %q", k.ID)
		}
		ks.keys[k.ID] = k
		ks.ordered = append(ks.ordered, k)
		if alg := k.Method.Alg(); !seen[alg] {
			seen[alg] = true
			ks.methods = append(ks.methods, alg)
		}
	}
	return ks, nil
}

// SigningKey returns the key new tokens are signed with.
func (ks *KeySet) SigningKey() *Key {
	return ks.signing
}

// Lookup returns the key with the given id.
func (ks *KeySet) Lookup(kid string) (*Key, bool) {
	k, ok := ks.keys[kid]
	return k, ok
}

// JWKS returns the public keys of the set. HMAC keys are never published.
func (ks *KeySet) JWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, k := range ks.ordered {
		if _, symmetric := k.verifyKey.([]byte); symmetric {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.verifyKey,
			KeyID:     k.ID,
			Algorithm: k.Method.Alg(),
			Use:       "sig",
		})
	}
	return set
}
