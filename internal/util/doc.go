// Package util provides helpers shared across the authorization server packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - ParseScope, JoinScope: RFC 6749 scope string handling
//   - ScopeSubset, MissingScopes: plain string scope matching
package util
