// Package projection keeps the confirmed state of one conversation.
//
// A single goroutine owns the state. Store snapshots, older pages, read
// markers, and restarts all reach it as events on one channel, and it
// publishes an immutable State after each one. Nothing else writes
// confirmed messages.
//
// The live tail subscription (newest N messages) and older-page fetches are
// independent: the page cursor is seeded once from the first live snapshot
// and later arrivals never move it. Every message ever observed is kept, so
// a message that falls out of the live tail stays visible.
//
// A listener failure becomes a persistent KindListener error on the state.
// It clears only when Restart re-establishes the subscriptions.
package projection
