// Package broadcast is in-memory fan-out for values keyed by topic.
//
// Subscribers register for a key and receive every value published to it.
// Publishing never blocks. A slow subscriber either misses values (the
// default) or, in coalescing mode, sees only the newest one, which suits
// subscribers that want current state rather than a history of changes.
// Subscriptions end when their context is cancelled.
package broadcast
