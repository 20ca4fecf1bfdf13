// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is wire-compatible with Redis. The Store type implements
// [storage.Store], so several server instances can share clients, codes and
// tokens.
//
// # Key Schema
//
// All keys start with the configured prefix wrapped in a hash tag (default
// "{oauth2}:"), so a store lives in a single cluster slot and its multi-key
// commands and scripts are valid on Valkey Cluster:
//
//	<tag>client:<clientID>                      -> JSON(Client)
//	<tag>user:<userID>                          -> JSON(User)
//	<tag>username:<username>                    -> userID
//	<tag>code:<code>                            -> JSON(AuthorizationCode) (TTL)
//	<tag>code:<code>:consumed                   -> "1" once redeemed (TTL)
//	<tag>access:<tokenID>                       -> JSON(AccessToken) (TTL)
//	<tag>refresh:<token>                        -> JSON(RefreshToken) (TTL)
//	<tag>sessions:<len>:<clientID>:<userID>     -> ZSET of access token IDs by issue time
//
// # Atomic Operations
//
// ExchangeAuthorizationCode and RotateRefreshToken run as Lua scripts. The
// guard (SET NX on the consumed marker, DEL of the old refresh token) and the
// token writes happen in one script, so of any number of concurrent callers
// exactly one succeeds and losers persist nothing. Scripts only touch keys
// passed in KEYS.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
