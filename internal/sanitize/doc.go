// Package sanitize validates and normalizes outbound message content and
// attachment metadata. Every function is pure; failures are
// apperr.KindValidation errors and nothing is written.
package sanitize
