// Package token hashes short-lived secrets (one-time codes) before they are stored.
//
// With a key configured the digest is HMAC-SHA256(secret, key); without one it falls
// back to plain SHA-256, which is only acceptable in development. Output is always a
// 64-char lowercase hex string.
package token
