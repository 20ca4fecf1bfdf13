package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateKeyInput(client.ClientID); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.DebugContext(ctx, "Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := validateKeyInput(clientID); err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, util.SafeTruncate(clientID, tokenIDLogLength))
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
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

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user and its username index entry.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if err := validateKeyInput(user.ID); err != nil {
		return err
	}

	prev, err := s.GetUser(ctx, user.ID)
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		return err
	}

	data, err := json.Marshal(&userJSON{
		ID:           user.ID,
		AccountID:    user.AccountID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	if prev != nil && prev.Username != "" && prev.Username != user.Username {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.usernameKey(prev.Username)).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete old username: %w", err)
		}
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.userKey(user.ID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	if user.Username != "" {
		if err := s.client.Do(ctx, s.client.B().Set().Key(s.usernameKey(user.Username)).Value(user.ID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to save username: %w", err)
		}
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.userKey(userID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var j userJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &storage.User{
		ID:           j.ID,
		AccountID:    j.AccountID,
		Username:     j.Username,
		PasswordHash: j.PasswordHash,
	}, nil
}

// ValidateUserCredentials checks a username/password pair
func (s *Store) ValidateUserCredentials(ctx context.Context, username, password string) (*storage.User, error) {
	var user *storage.User

	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.usernameKey(username)).Build()).ToString()
	switch {
	case err == nil:
		user, err = s.GetUser(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
			return nil, err
		}
	case !isNilError(err):
		return nil, fmt.Errorf("failed to look up username: %w", err)
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
