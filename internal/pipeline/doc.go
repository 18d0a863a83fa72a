// Package pipeline implements optimistic sends for one conversation.
//
// A send is validated, rate-limited, and inserted into the pending set as a
// temp_-prefixed message with status sending before any network I/O. The
// write is retried with exponential backoff (cenkalti/backoff). On success
// the pending entry is removed right away. When retries run out it stays in
// the set as failed until Retry is called.
//
// Each send carries a client idempotency key, the temp id without its
// prefix. Reconcile removes pending entries whose confirmed counterpart has
// appeared in the projection: by key when the confirmed message carries one,
// by exact content otherwise.
//
// Sends made while the offline manager reports a disconnected state are
// diverted to its queue. Deliver is the flush callback the offline manager
// uses when it reconnects.
package pipeline
