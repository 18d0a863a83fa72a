// Package store is the boundary to the remote real-time document store.
//
// # Architecture
//
// Store is composed from narrow interfaces so consumers can depend on just
// the slice they need:
//
//   - ConversationStore: conversation documents and their listener
//   - MessageStore: message history, batches, reactions, pins
//   - AuditStore: append-only audit log
//   - TypingStore: the shared presence slot
//   - TemplateStore: canned admin replies
//
// Two backends implement Store:
//
//   - FirestoreStore: Cloud Firestore (or its emulator)
//   - MemoryStore: in-process, used by tests and the dev server
//
// # Collections
//
//	support_conversations/{id}
//	support_conversations/{id}/messages/{id}
//	support_conversations/{id}/audit_logs/{id}
//	support_conversations/{id}/typing/current
//	support_message_templates/{id}
//
// # Ordering and cursors
//
// Messages, conversations, and audit entries page newest first, ordered by
// (timestamp, id) descending. A Cursor names the last document of the
// previous page and the next page starts strictly after it.
//
// # Listeners
//
// Watch methods return a channel of snapshots. A snapshot holds the full
// current result, so consumers never apply deltas. A snapshot with a non-nil
// Err is terminal and the channel closes after it. Cancelling the context
// closes the channel.
//
// # Errors
//
//   - ErrNotFound: the document does not exist
//   - ErrConflict: a create collided with an existing document
//   - ErrPinLimit: pinning would exceed the conversation maximum
//   - ErrBatchTooLarge: an atomic batch exceeded MaxBatchSize writes, counting the conversation update
package store
