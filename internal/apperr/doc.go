// Package apperr defines the error taxonomy shared by the sync core.
//
// # Kinds
//
//   - KindValidation: bad input, rejected before any network call
//   - KindRateLimited: the sliding-window limiter refused the action
//   - KindNetwork: transient failure talking to the send endpoint or store
//   - KindListener: a snapshot subscription failed
//   - KindNotFound: the referenced document does not exist
//   - KindConflict: a conditional write lost (e.g. pin limit reached)
//   - KindPermission: the actor may not perform the operation
//
// Offline is deliberately not a kind. Sends made while offline are queued.
//
// # Usage
//
//	if apperr.IsKind(err, apperr.KindValidation) {
//	    // surface inline, nothing was written
//	}
package apperr
