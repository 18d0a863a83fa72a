// Package config handles configuration loading for support-sync.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file layered over Default().
// The file type follows the extension: .toml is TOML, anything else YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	endpoint:
//	  csrf_token: "${SUPPORTSYNC_CSRF_TOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	messages:
//	  edit_window: "15m"
//	typing:
//	  timeout: "3s"
//	  debounce: "1s"
//
// # Sections
//
//   - messages: content length, edit window and count, pins, attachments
//   - rate_limit: sliding-window limit and window
//   - retry: max retries and backoff bounds for sends
//   - typing: presence timeout and stop debounce
//   - pagination: message and conversation page sizes
//   - offline: settle delay before flushing on reconnect
//   - drafts: draft save debounce
//   - store: memory or firestore, plus project and credentials
//   - presence: store or redis
//   - endpoint: send endpoint URL, CSRF token, dev server address
//   - local: SQLite path for drafts and the offline queue
//   - logging, metrics, identity
package config
