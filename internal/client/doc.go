// Package client sends outbound messages to the conversation-scoped HTTP
// send endpoint.
//
// Every request is a POST to /api/support/conversations/{id}/messages with
// the CSRF token in the X-CSRF-Token header and a JSON body carrying the
// content, optional attachment metadata, and the client idempotency key.
// The endpoint answers {success, messageId} or {success:false, error}.
//
// Any failure, transport or application, is returned as an apperr.KindNetwork
// error so the caller's retry policy applies uniformly. The HTTP status is
// kept on *StatusError for callers that need it.
package client
