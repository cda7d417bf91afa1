// Package auth verifies bearer tokens and carries the authenticated caller in request contexts.
//
// Tokens are HS256 JWTs issued by the account service. Only verification happens here;
// Issuer exists for tests and local tooling.
package auth
