package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// tokenWrites returns the Lua fragment that stores a token pair and indexes
// the access token for FindAccessToken. Token keys start at KEYS[base]:
// access, refresh, session index.
//
// ARGV: access JSON, access TTL ms, refresh JSON (empty for none),
// refresh TTL ms, access token id, issue time ms.
func tokenWrites(base int) string {
	return fmt.Sprintf(`
redis.call('SET', KEYS[%[1]d], ARGV[1], 'PX', ARGV[2])
if ARGV[3] ~= '' then
	redis.call('SET', KEYS[%[2]d], ARGV[3], 'PX', ARGV[4])
end
redis.call('ZADD', KEYS[%[3]d], ARGV[6], ARGV[5])
if redis.call('PTTL', KEYS[%[3]d]) < tonumber(ARGV[2]) then
	redis.call('PEXPIRE', KEYS[%[3]d], ARGV[2])
end
`, base, base+1, base+2)
}

var luaSaveTokens = tokenWrites(1) + `
return 'OK'
`

// luaRotateRefreshToken deletes KEYS[1] and writes the new pair.
// Returns "NOT_FOUND" when the old token is already gone.
var luaRotateRefreshToken = `
if redis.call('DEL', KEYS[1]) == 0 then
	return 'NOT_FOUND'
end
` + tokenWrites(2) + `
return 'OK'
`

// tokenWriteArgs builds the KEYS and ARGV consumed by tokenWrites.
func (s *Store) tokenWriteArgs(access *storage.AccessToken, refresh *storage.RefreshToken) ([]string, []string, error) {
	accessData, err := json.Marshal(&accessTokenJSON{
		ID:        access.ID,
		ClientID:  access.ClientID,
		UserID:    access.UserID,
		Scope:     access.Scope,
		IssuedAt:  access.IssuedAt,
		ExpiresAt: access.ExpiresAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal access token: %w", err)
	}

	refreshKey := s.refreshKey("")
	refreshData, refreshTTL := "", "1"
	if refresh != nil {
		if err := validateKeyInput(refresh.Token); err != nil {
			return nil, nil, err
		}
		data, err := json.Marshal(&refreshTokenJSON{
			Token:         refresh.Token,
			AccessTokenID: refresh.AccessTokenID,
			ClientID:      refresh.ClientID,
			UserID:        refresh.UserID,
			Scope:         refresh.Scope,
			IssuedAt:      refresh.IssuedAt,
			ExpiresAt:     refresh.ExpiresAt,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal refresh token: %w", err)
		}
		refreshKey = s.refreshKey(refresh.Token)
		refreshData = string(data)
		refreshTTL = s.ttlMillis(refresh.ExpiresAt)
	}

	keys := []string{
		s.accessKey(access.ID),
		refreshKey,
		s.sessionIndexKey(access.ClientID, access.UserID),
	}
	args := []string{
		string(accessData),
		s.ttlMillis(access.ExpiresAt),
		refreshData,
		refreshTTL,
		access.ID,
		strconv.FormatInt(access.IssuedAt.UnixMilli(), 10),
	}
	return keys, args, nil
}

// SaveTokens persists an access token and optional refresh token
func (s *Store) SaveTokens(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}

	keys, args, err := s.tokenWriteArgs(access, refresh)
	if err != nil {
		return err
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveTokens).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}

	s.logger.DebugContext(ctx, "Saved tokens",
		"client_id", access.ClientID,
		"with_refresh", refresh != nil)
	return nil
}

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(ctx context.Context, id string) (*storage.AccessToken, error) {
	if err := validateKeyInput(id); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return decodeAccessToken(data)
}

func decodeAccessToken(data string) (*storage.AccessToken, error) {
	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return &storage.AccessToken{
		ID:        j.ID,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scope:     j.Scope,
		IssuedAt:  j.IssuedAt,
		ExpiresAt: j.ExpiresAt,
	}, nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := validateKeyInput(token); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &storage.RefreshToken{
		Token:         j.Token,
		AccessTokenID: j.AccessTokenID,
		ClientID:      j.ClientID,
		UserID:        j.UserID,
		Scope:         j.Scope,
		IssuedAt:      j.IssuedAt,
		ExpiresAt:     j.ExpiresAt,
	}, nil
}

// RotateRefreshToken atomically replaces oldRefresh with a new token pair.
//
// SECURITY: deleting the old token is the guard; only ONE concurrent rotation can succeed.
func (s *Store) RotateRefreshToken(ctx context.Context, oldRefresh string, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}
	if err := validateKeyInput(oldRefresh); err != nil {
		return storage.ErrTokenNotFound
	}

	keys, args, err := s.tokenWriteArgs(access, refresh)
	if err != nil {
		return err
	}
	keys = append([]string{s.refreshKey(oldRefresh)}, keys...)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrTokenNotFound
	}

	s.logger.DebugContext(ctx, "Rotated refresh token",
		"old_prefix", util.SafeTruncate(oldRefresh, tokenIDLogLength))
	return nil
}

// RevokeAccessToken removes an access token record. Its session index entry
// is pruned lazily by FindAccessToken.
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// FindAccessToken returns the latest unexpired access token for clientID and userID.
// Ids whose record is gone (revoked or expired) are removed from the index.
func (s *Store) FindAccessToken(ctx context.Context, clientID, userID string) (*storage.AccessToken, error) {
	indexKey := s.sessionIndexKey(clientID, userID)

	ids, err := s.client.Do(ctx,
		s.client.B().Zrevrange().Key(indexKey).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list session tokens: %w", err)
	}
	if len(ids) == 0 {
		return nil, storage.ErrTokenNotFound
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.accessKey(id)
	}
	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get session tokens: %w", err)
	}

	var (
		found *storage.AccessToken
		stale []string
		now   = s.now()
	)
	for i, v := range values {
		if v.IsNil() {
			stale = append(stale, ids[i])
			continue
		}
		if found != nil {
			continue
		}
		data, err := v.ToString()
		if err != nil {
			return nil, fmt.Errorf("failed to read access token: %w", err)
		}
		t, err := decodeAccessToken(data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping unreadable access token", "error", err)
			continue
		}
		if !t.IsExpired(now) {
			found = t
		}
	}

	if len(stale) > 0 {
		if err := s.client.Do(ctx, s.client.B().Zrem().Key(indexKey).Member(stale...).Build()).Error(); err != nil {
			s.logger.WarnContext(ctx, "Failed to prune session index", "error", err)
		}
	}

	if found == nil {
		return nil, storage.ErrTokenNotFound
	}
	return found, nil
}
