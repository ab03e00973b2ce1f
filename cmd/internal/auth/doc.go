// Package auth is Courier's Identity Verifier boundary.
//
// A bearer credential is presented once per persistent connection (at handshake)
// and once per read-side HTTP request. Verifiers turn it into a Principal whose
// UserID is the stable identifier bound to the connection for its lifetime.
//
// Two verifiers are provided: HS256 JWTs (the format issued by the account
// service) and PASETO v4.public tokens. Issuing tokens is out of scope except
// for dev tooling and tests.
package auth
