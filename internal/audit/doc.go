// Package audit records the append-only trail of everything a task does.
//
// Entries are written once and never updated or deleted. Stores accept
// concurrent appends from any number of tasks; each entry is addressed by
// its own id, so writers never contend on a shared record.
//
// Two stores are provided: SQLiteStore for durable local storage and
// MemoryStore for tests and ephemeral deployments. A Recorder fills in ids
// and timestamps, appends to the store and forwards entries to an optional
// Sink (the NATS publisher in production).
package audit
