// Package dedupe pairs client idempotency keys with the server ids they
// produced, using a TTL and size-bounded cache.
//
// The send endpoint uses it to answer a retried request with the id of the
// message it already wrote. The optimistic pipeline uses it to recognise the
// confirmed message that replaced a temporary one.
package dedupe
