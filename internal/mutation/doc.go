// Package mutation performs conversation and message mutations and writes
// their audit trail.
//
// Single-field conversation mutations (status, priority, tags) read the old
// value, write the new one, append an audit entry with both, then notify
// observers so cached rows can refresh. An unchanged value writes nothing.
//
// Status and priority audits complete before the call returns. Other audits
// are written in the background with a detached five-second timeout and
// logged when they fail.
//
// Message rules enforced here, before any write:
//   - reactions are unique per (emoji, user)
//   - at most MaxPins pinned messages, checked transactionally by the store
//   - only the sender may edit, within EditWindow, and fewer than MaxEdits times
package mutation
