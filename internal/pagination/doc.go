// Package pagination implements backward cursor pagination.
//
// Pager holds the cursor of the last item fetched in descending order and
// fetches strictly older pages on demand. LoadMore is a no-op with no cursor,
// with a load in flight, or when the previous page came back short.
//
// Every Reset bumps a generation counter. A fetch that completes under an
// older generation is discarded and reported as ErrStale, so a torn-down
// view never has an old page applied to it.
//
// ConversationList and the audit log pager are built on Pager. The message
// history pager is seeded from the projection's live tail instead of
// fetching its own first page.
package pagination
