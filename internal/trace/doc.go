// Package trace defines the data model shared by the recorder, the batching
// transport and the ingestion store.
//
// This package contains types and pure helpers only. All other internal
// packages import trace; trace imports nothing internal.
//
// Key design constraints:
//   - All JSON tags use snake_case
//   - Open-ended payload fields (input, output, payload, meta) are opaque JSON
//     values (see Value and JSON) and are never interpreted
//   - Persisted JSON is canonical (sorted keys, NFC strings) so that content
//     hashes are stable across deliveries
//   - A step's metrics and rejection histogram are computed over the full
//     population, independent of what the capture policy keeps
package trace
