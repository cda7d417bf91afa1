// Package identity is the user directory used by the conversation and OTP flows.
//
// It reads display names and emails and updates password hashes. Account creation,
// login and session issuance live outside this service.
package identity
