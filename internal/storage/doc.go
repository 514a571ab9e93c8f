// Package storage persists scheduled posts, social accounts and the publish ledger.
//
// Two drivers implement Store:
//   - "sqlite": embedded database file (default, also used by tests)
//   - "mongo":  document store with scheduledposts/socialaccounts/socialposts collections
//
// All writes to a post's platform entries are scoped to one entry keyed by
// account id, so concurrent workers publishing the same post never clobber
// each other's sub-status.
package storage
