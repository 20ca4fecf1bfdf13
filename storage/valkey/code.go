package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// luaExchangeAuthorizationCode atomically marks a code consumed and writes
// the issued tokens.
//
// KEYS[1] code, KEYS[2] consumed marker, then the token keys of tokenWrites.
// Returns "NOT_FOUND", "ALREADY_USED" or "OK".
var luaExchangeAuthorizationCode = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'NOT_FOUND'
end
if redis.call('SET', KEYS[2], '1', 'NX') == false then
	return 'ALREADY_USED'
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
` + tokenWrites(3) + `
return 'OK'
`

// SaveAuthorizationCode saves an issued authorization code with a TTL matching its expiry
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateKeyInput(code.Code); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	// EX has second granularity; expiry itself is enforced by comparing ExpiresAt
	ttl := code.ExpiresAt.Sub(s.now()).Round(time.Second)
	if ttl < time.Second {
		ttl = time.Second
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.DebugContext(ctx, "Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// Expiry is not checked here; callers compare ExpiresAt themselves.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateKeyInput(code); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	values, err := s.client.Do(ctx,
		s.client.B().Mget().Key(s.codeKey(code), s.codeConsumedKey(code)).Build(),
	).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected MGET reply length %d", len(values))
	}

	if values[0].IsNil() {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	data, err := values[0].ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}
	consumed := !values[1].IsNil()

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j, consumed), nil
}

// ExchangeAuthorizationCode atomically marks the code consumed and stores the tokens.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) ExchangeAuthorizationCode(ctx context.Context, code string, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if access == nil || access.ID == "" {
		return fmt.Errorf("invalid access token")
	}
	if err := validateKeyInput(code); err != nil {
		return storage.ErrAuthorizationCodeNotFound
	}

	keys, args, err := s.tokenWriteArgs(access, refresh)
	if err != nil {
		return err
	}
	keys = append([]string{s.codeKey(code), s.codeConsumedKey(code)}, keys...)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaExchangeAuthorizationCode).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute code exchange: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return storage.ErrAuthorizationCodeNotFound
	case "ALREADY_USED":
		return storage.ErrAuthorizationCodeUsed
	}

	s.logger.DebugContext(ctx, "Exchanged authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", access.ClientID)
	return nil
}
