// Package testutil provides testing fixtures and a controllable clock shared by
// the authorization server test suites.
package testutil
