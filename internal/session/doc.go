// Package session owns the state that lives as long as a signed-in client.
//
// A Manager holds the identity, the send rate limiter, the offline manager,
// the dedupe cache, the mutation engine, and one send pipeline per
// conversation. Conversation handles are explicitly scoped per conversation
// id: each owns its projection, typing coordinator, and draft.
//
// A handle's View merges confirmed messages with pending sends and queued
// offline entries for that conversation, in that order.
package session
