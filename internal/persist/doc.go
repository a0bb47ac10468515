// Package persist keeps the durable per-user snapshot of the period cache.
//
// A snapshot is the JSON document
//
//	{"userId": "...", "entries": [["2024-06", {"records": [...], "lastUpdate": 0, "version": "..."}]], "timestamp": 0}
//
// stored under the key "session-cache:<userId>". Save overwrites (last writer
// wins). Load returns nil when nothing is stored for the user or when the
// stored document belongs to another user; TTL pruning is the caller's job
// when it adopts the snapshot.
//
// SQLite is the durable backend; Memory is shared by engines living in the
// same process and by tests.
package persist
