package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth2-server/storage"
)

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	query := `
		INSERT INTO authorization_codes (code, client_id, user_id, redirect_uri, scope, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope, code.IssuedAt, code.ExpiresAt, code.Consumed)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	query := `
		SELECT code, client_id, user_id, redirect_uri, scope, issued_at, expires_at, consumed
		FROM authorization_codes
		WHERE code = $1
	`
	var c storage.AuthorizationCode
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope, &c.IssuedAt, &c.ExpiresAt, &c.Consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &c, nil
}

// ExchangeAuthorizationCode marks the code consumed and stores the tokens in one transaction.
func (s *Store) ExchangeAuthorizationCode(ctx context.Context, code string, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}

	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE authorization_codes SET consumed = TRUE
			WHERE code = $1 AND consumed = FALSE
		`, code)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n == 0 {
			var consumed bool
			err := tx.QueryRowContext(ctx, `
				SELECT consumed FROM authorization_codes WHERE code = $1
			`, code).Scan(&consumed)
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrAuthorizationCodeNotFound
			}
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			return storage.ErrAuthorizationCodeUsed
		}
		return insertTokens(ctx, tx, access, refresh)
	})
}

// SaveTokens persists an access token and optional refresh token
func (s *Store) SaveTokens(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}
	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		return insertTokens(ctx, tx, access, refresh)
	})
}

func insertTokens(ctx context.Context, tx DBTX, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO access_tokens (id, client_id, user_id, scope, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, access.ID, access.ClientID, access.UserID, access.Scope, access.IssuedAt, access.ExpiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if refresh == nil {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, access_token_id, client_id, user_id, scope, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, refresh.Token, refresh.AccessTokenID, refresh.ClientID, refresh.UserID, refresh.Scope, refresh.IssuedAt, refresh.ExpiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(ctx context.Context, id string) (*storage.AccessToken, error) {
	query := `
		SELECT id, client_id, user_id, scope, issued_at, expires_at
		FROM access_tokens
		WHERE id = $1
	`
	return scanAccessToken(s.db.QueryRowContext(ctx, query, id))
}

// FindAccessToken returns the latest unexpired access token for clientID and userID
func (s *Store) FindAccessToken(ctx context.Context, clientID, userID string) (*storage.AccessToken, error) {
	query := `
		SELECT id, client_id, user_id, scope, issued_at, expires_at
		FROM access_tokens
		WHERE client_id = $1 AND user_id = $2 AND expires_at > $3
		ORDER BY issued_at DESC
		LIMIT 1
	`
	return scanAccessToken(s.db.QueryRowContext(ctx, query, clientID, userID, s.now()))
}

func scanAccessToken(row *sql.Row) (*storage.AccessToken, error) {
	var t storage.AccessToken
	if err := row.Scan(&t.ID, &t.ClientID, &t.UserID, &t.Scope, &t.IssuedAt, &t.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &t, nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	query := `
		SELECT token, access_token_id, client_id, user_id, scope, issued_at, expires_at
		FROM refresh_tokens
		WHERE token = $1
	`
	var t storage.RefreshToken
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&t.Token, &t.AccessTokenID, &t.ClientID, &t.UserID, &t.Scope, &t.IssuedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &t, nil
}

// RotateRefreshToken deletes oldRefresh and stores the new pair in one transaction.
func (s *Store) RotateRefreshToken(ctx context.Context, oldRefresh string, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}

	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM refresh_tokens WHERE token = $1
		`, oldRefresh)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n == 0 {
			return storage.ErrTokenNotFound
		}
		return insertTokens(ctx, tx, access, refresh)
	})
}

// RevokeAccessToken removes an access token record
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
