package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	redirectURIs, err := encodeList(client.RedirectURIs)
	if err != nil {
		return err
	}
	grantTypes, err := encodeList(client.GrantTypes)
	if err != nil {
		return err
	}
	scopes, err := encodeList(client.Scopes)
	if err != nil {
		return err
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	query := `
		INSERT INTO clients (client_id, client_secret_hash, client_type, redirect_uris, grant_types, scopes,
			account_id, name, description, application_type, api_key, access_token_ttl, refresh_token_ttl, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_type = EXCLUDED.client_type,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			scopes = EXCLUDED.scopes,
			account_id = EXCLUDED.account_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			application_type = EXCLUDED.application_type,
			api_key = EXCLUDED.api_key,
			access_token_ttl = EXCLUDED.access_token_ttl,
			refresh_token_ttl = EXCLUDED.refresh_token_ttl
	`
	_, err = s.db.ExecContext(ctx, query,
		client.ClientID, client.ClientSecretHash, client.ClientType, redirectURIs, grantTypes, scopes,
		client.AccountID, client.Name, client.Description, client.ApplicationType, client.APIKey,
		int64(client.AccessTokenTTL), int64(client.RefreshTokenTTL), createdAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	s.logger.DebugContext(ctx, "Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	query := `
		SELECT client_id, client_secret_hash, client_type, redirect_uris, grant_types, scopes,
			account_id, name, description, application_type, api_key, access_token_ttl, refresh_token_ttl, created_at
		FROM clients
		WHERE client_id = $1
	`
	var (
		c                                storage.Client
		redirectURIs, grantTypes, scopes string
		accessTokenTTL, refreshTokenTTL  int64
	)
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&c.ClientID, &c.ClientSecretHash, &c.ClientType, &redirectURIs, &grantTypes, &scopes,
		&c.AccountID, &c.Name, &c.Description, &c.ApplicationType, &c.APIKey,
		&accessTokenTTL, &refreshTokenTTL, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if c.RedirectURIs, err = decodeList(redirectURIs); err != nil {
		return nil, err
	}
	if c.GrantTypes, err = decodeList(grantTypes); err != nil {
		return nil, err
	}
	if c.Scopes, err = decodeList(scopes); err != nil {
		return nil, err
	}
	c.AccessTokenTTL = time.Duration(accessTokenTTL)
	c.RefreshTokenTTL = time.Duration(refreshTokenTTL)
	return &c, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Unknown clients are compared against a dummy hash so both paths cost the same.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	var hash string
	client, err := s.GetClient(ctx, clientID)
	switch {
	case err == nil:
		hash = client.ClientSecretHash
	case !errors.Is(err, storage.ErrClientNotFound):
		return err
	}
	return storage.CompareSecret(hash, clientSecret)
}

// SaveUser creates or replaces a user. The unique username column keeps
// lookups consistent across renames.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	var username sql.NullString
	if user.Username != "" {
		username = sql.NullString{String: user.Username, Valid: true}
	}

	query := `
		INSERT INTO users (id, account_id, username, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			username = EXCLUDED.username,
			password_hash = EXCLUDED.password_hash
	`
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.AccountID, username, user.PasswordHash); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	query := `
		SELECT id, account_id, username, password_hash
		FROM users
		WHERE id = $1
	`
	u, err := scanUser(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

// ValidateUserCredentials checks a username/password pair
func (s *Store) ValidateUserCredentials(ctx context.Context, username, password string) (*storage.User, error) {
	query := `
		SELECT id, account_id, username, password_hash
		FROM users
		WHERE username = $1
	`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("db error: %w", err)
	}

	var hash string
	if user != nil {
		hash = user.PasswordHash
	}
	if err := storage.CompareSecret(hash, password); err != nil {
		return nil, err
	}
	return user, nil
}

func scanUser(row *sql.Row) (*storage.User, error) {
	var (
		u        storage.User
		username sql.NullString
	)
	if err := row.Scan(&u.ID, &u.AccountID, &username, &u.PasswordHash); err != nil {
		return nil, err
	}
	u.Username = username.String
	return &u, nil
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return v, nil
}
