// Package dedupe provides message deduplication using a time-based cache
// to prevent processing duplicate messages within a configurable window.
//
// The bus receiver marks every accepted message_id; a relay that retries a
// delivery it already made is answered without touching the store.
package dedupe
