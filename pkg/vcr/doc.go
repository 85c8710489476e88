// Package vcr defines the .vcr recording format: a single JSON document
// holding one recorded MCP session, its initialize handshake, and an ordered
// list of request/response interactions.
//
// Recordings persist atomically (write to a temp path, rename over the
// destination) so a crash mid-write never corrupts the previous good file.
// Loading distinguishes malformed JSON from well-formed JSON that violates
// the recording schema.
package vcr
