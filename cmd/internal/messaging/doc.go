// Package messaging owns Courier's durable chat state: the Conversation Store,
// the Message Store and the service that runs the send pipeline and the
// inbox/history queries on top of them.
//
// Invariants:
//   - At most one conversation exists per unordered pair of distinct users.
//     Every lookup and the store uniqueness constraint use Pair.Key.
//   - A message always references an existing conversation whose pair is
//     {sender, recipient}. Resolve-or-create, message insert and the
//     last-message pointer update commit together or not at all.
//
// Stores: MemoryStore (dev/tests), PostgresStore, SQLiteStore.
package messaging
