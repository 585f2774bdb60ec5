// Package store keeps the most recent update pushed by each computer.
//
// Entries are keyed by storage path ("/" + computerName + computerId) and hold
// the update payload as raw JSON. Three backends share the Store interface:
//
//   - sqlite: the default, persisted through the database package and its
//     embedded kv_entries migration
//   - redis: for deployments that already run Redis next to the bridge
//   - memory: for tests and throwaway runs
//
// Writes are last-write-wins per key. Every backend is safe for concurrent use.
package store
