// Package transport proxies newline-delimited JSON-RPC traffic between an
// MCP client and the real MCP server, invoking interception callbacks on
// every message in both directions. Two transports exist: stdio (the server
// runs as a subprocess) and SSE (the server is a remote HTTP+SSE endpoint
// fronted by a local proxy server).
package transport

import (
	"context"
	"errors"
	"log/slog"
)

// Transport errors.
var (
	ErrAlreadyRunning = errors.New("transport is already running")
	ErrNotConnected   = errors.New("not connected to server")
)

// Callback intercepts one message. Returning a non-nil map forwards that
// (possibly rewritten) message; returning nil suppresses forwarding.
type Callback func(msg map[string]any) map[string]any

// Transport moves messages between a client and a server, passing each one
// through the direction's callback first.
type Transport interface {
	// Connected reports whether the server side of the proxy is up.
	Connected() bool

	// Type identifies the transport ("stdio" or "sse").
	Type() string

	// Start begins proxying. onClient sees client-to-server messages,
	// onServer sees server-to-client messages.
	Start(ctx context.Context, onClient, onServer Callback) error

	// Stop shuts the proxy down. Safe to call more than once.
	Stop() error

	// SendToServer forwards a message to the server.
	SendToServer(msg map[string]any) error

	// SendToClient forwards a message to the client.
	SendToClient(msg map[string]any) error
}

// applyCallback runs cb over msg, recovering panics. A panicking callback
// must not take the proxy down, so the original message is forwarded
// unchanged.
func applyCallback(log *slog.Logger, direction string, cb Callback, msg map[string]any) map[string]any {
	if cb == nil {
		return msg
	}
	var out map[string]any
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("message callback panicked, forwarding original message",
					"direction", direction,
					"panic", r,
				)
				out = msg
			}
		}()
		out = cb(msg)
	}()
	return out
}
