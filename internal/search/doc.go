// Package search finds messages by content across conversations.
//
// Messages walks each conversation's history page by page, newest first.
// The context is checked before and after every remote fetch, so a
// cancelled search returns promptly with the context's error.
package search
