// Package diff compares two recordings and reports added, removed, and
// modified interactions, with a compatibility verdict suitable for
// regression gating. A modification is breaking when the response status
// flips, an error code changes, a result field disappears or changes JSON
// type, or (optionally) latency regresses past configured thresholds.
package diff
