package valkey

import (
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

type clientJSON struct {
	ClientID         string        `json:"client_id"`
	ClientSecretHash string        `json:"client_secret_hash,omitempty"`
	ClientType       string        `json:"client_type"`
	RedirectURIs     []string      `json:"redirect_uris,omitempty"`
	GrantTypes       []string      `json:"grant_types,omitempty"`
	Scopes           []string      `json:"scopes,omitempty"`
	AccountID        string        `json:"account_id,omitempty"`
	Name             string        `json:"name,omitempty"`
	Description      string        `json:"description,omitempty"`
	ApplicationType  string        `json:"application_type,omitempty"`
	APIKey           string        `json:"api_key,omitempty"`
	AccessTokenTTL   time.Duration `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL  time.Duration `json:"refresh_token_ttl,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientType:       c.ClientType,
		RedirectURIs:     c.RedirectURIs,
		GrantTypes:       c.GrantTypes,
		Scopes:           c.Scopes,
		AccountID:        c.AccountID,
		Name:             c.Name,
		Description:      c.Description,
		ApplicationType:  c.ApplicationType,
		APIKey:           c.APIKey,
		AccessTokenTTL:   c.AccessTokenTTL,
		RefreshTokenTTL:  c.RefreshTokenTTL,
		CreatedAt:        c.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		Scopes:           j.Scopes,
		AccountID:        j.AccountID,
		Name:             j.Name,
		Description:      j.Description,
		ApplicationType:  j.ApplicationType,
		APIKey:           j.APIKey,
		AccessTokenTTL:   j.AccessTokenTTL,
		RefreshTokenTTL:  j.RefreshTokenTTL,
		CreatedAt:        j.CreatedAt,
	}
}

type userJSON struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id,omitempty"`
	Username     string `json:"username,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
}

type authorizationCodeJSON struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scope       string    `json:"scope,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:        c.Code,
		ClientID:    c.ClientID,
		UserID:      c.UserID,
		RedirectURI: c.RedirectURI,
		Scope:       c.Scope,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}

// fromAuthorizationCodeJSON restores a code; consumption is tracked in a separate key.
func fromAuthorizationCodeJSON(j *authorizationCodeJSON, consumed bool) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        j.Code,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		RedirectURI: j.RedirectURI,
		Scope:       j.Scope,
		IssuedAt:    j.IssuedAt,
		ExpiresAt:   j.ExpiresAt,
		Consumed:    consumed,
	}
}

type accessTokenJSON struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type refreshTokenJSON struct {
	Token         string    `json:"token"`
	AccessTokenID string    `json:"access_token_id"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}
