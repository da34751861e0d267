// Package store provides persistent storage for the outpost agent using SQLite.
//
// Three record families share one database: the outbox of queued mutating
// requests awaiting replay, pending entity conflicts awaiting user
// resolution, and the response cache used to serve reads while offline.
// All mutations are single-record statements keyed by primary key, so
// concurrent flush passes never need broader locking.
//
// SQLiteStore implements the Store interface; MockStore is an in-memory
// implementation for tests in dependent packages.
package store
