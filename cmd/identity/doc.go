// Package identity is Courier's view of the external Identity Store.
//
// Courier never owns user accounts. It only needs stable user identifiers (ULIDs)
// and the public profile fields shown next to conversations and messages.
// Directory is that read-only boundary; PostgresDirectory reads the shared
// users table and MemoryDirectory backs dev mode and tests.
package identity
