// Package ratelimit implements the sliding-window counter that gates
// outbound actions.
//
// A Window counts the actions recorded within the trailing interval.
// Entries older than the interval are dropped lazily on each call; there is
// no background timer. Registry hands out one Window per "user:action" key.
//
//	w := ratelimit.NewWindow(10, time.Minute)
//	if !w.TryRecord() {
//	    // limited: w.Remaining() == 0, retry after w.RetryAfter()
//	}
package ratelimit
