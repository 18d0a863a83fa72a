// Package presence coordinates the per-conversation typing slot.
//
// The slot holds the most recent typist. Start writes it immediately and
// arms an auto-clear after Timeout. While typing continues the slot is
// refreshed at most once per Timeout/2 (golang.org/x/time/rate) so remote
// observers never see it go stale mid-sentence. Stop deletes the slot after
// Debounce, so quick stop/start bursts collapse into no writes at all.
//
// Observe hides the local user's own entry and any entry whose updatedAt is
// older than 2×Timeout, and emits nil when a visible entry ages out.
//
// Two slot backends exist: StoreSlot (the remote store's typing/current
// document) and RedisSlot (a TTL key plus a pub/sub channel).
package presence
