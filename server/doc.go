// Package server implements the grant engine of the authorization server.
//
// The Server validates clients, runs the RFC 6749 grant exchanges and
// authenticates bearer tokens. It is transport-neutral: callers hand it a
// Request built from whatever protocol they speak and turn the returned
// results and errors into responses. The root package adapts it to net/http.
//
// Supported grants:
//   - authorization_code, with single-use codes consumed atomically by the store
//   - refresh_token, with rotation enabled by default
//   - client_credentials, for confidential clients only
//   - password, resolving users through the store
//
// Bearer tokens are produced by a token.Codec. The opaque token id travels
// inside the signed token; unless StatelessAuthentication is set, every
// authentication also checks the id against the store so revoked tokens stop
// working before they expire.
//
// Example usage:
//
//	store := memory.New()
//	keys, _ := token.GenerateECDSAKey()
//	set, _ := token.NewKeySet(keys)
//	codec, _ := token.NewJWTCodec(set, token.JWTConfig{Issuer: "https://auth.example.com"})
//
//	srv, err := server.New(store, codec, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
