// Package jsonrpc implements the JSON-RPC 2.0 message codec used by the
// recorder, replayer, and diff engine.
//
// Messages travel on the wire as newline-delimited JSON objects. The codec
// classifies a raw object into exactly one message kind (request, response,
// or notification) and preserves ids byte-for-byte: all parsing goes through
// a decoder with UseNumber so numeric ids and params survive round trips.
package jsonrpc
