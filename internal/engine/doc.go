// Package engine provides the asynchronous task execution engine.
// It persists submitted tasks, queues them onto a fixed worker pool, resolves
// the handler for each task kind, enforces timeouts via context deadlines,
// and records outcomes and log lines as execution progresses. Tasks submitted
// together as a cohort can be joined, blocking until every member finishes.
package engine
