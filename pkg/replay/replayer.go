// Package replay serves recorded MCP sessions back as a mock server.
// Requests are matched against the recording's interactions and answered
// with the recorded responses, over stdio or HTTP+SSE.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/logging"
	"github.com/agentvcr/agentvcr/pkg/match"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// ErrNoClients indicates an SSE broadcast with nobody listening.
var ErrNoClients = errors.New("no connected clients")

// Options tune replay behavior.
type Options struct {
	// Strategy names the matching strategy; empty selects the default
	// method_and_params.
	Strategy string

	// SimulateLatency sleeps for each interaction's recorded latency
	// before answering.
	SimulateLatency bool

	// LatencyMultiplier scales simulated latency. 1.0 replays at recorded
	// speed; 0.5 replays twice as fast.
	LatencyMultiplier float64

	Logger *slog.Logger
}

// Replayer answers requests from a recorded session.
type Replayer struct {
	recording *vcr.Recording
	matcher   *match.Matcher
	log       *slog.Logger

	simulateLatency   bool
	latencyMultiplier float64

	mu        sync.Mutex
	overrides map[string]map[string]any

	// sseAddr holds the bound address once ServeSSE is listening.
	sseAddr atomic.Value
}

// SSEAddr returns the address ServeSSE bound to, or "" before it listens.
func (r *Replayer) SSEAddr() string {
	if addr, ok := r.sseAddr.Load().(string); ok {
		return addr
	}
	return ""
}

// New creates a replayer for the recording.
func New(recording *vcr.Recording, opts Options) (*Replayer, error) {
	matcher, err := match.New(opts.Strategy)
	if err != nil {
		return nil, err
	}

	multiplier := opts.LatencyMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}

	log := logging.Or(opts.Logger).With("component", "replayer")
	log.Info("replayer initialized",
		"interactions", recording.InteractionCount(),
		"strategy", matcher.Strategy(),
	)

	return &Replayer{
		recording:         recording,
		matcher:           matcher,
		log:               log,
		simulateLatency:   opts.SimulateLatency,
		latencyMultiplier: multiplier,
		overrides:         make(map[string]map[string]any),
	}, nil
}

// FromFile loads a recording and builds a replayer for it.
func FromFile(path string, opts Options) (*Replayer, error) {
	recording, err := vcr.Load(path)
	if err != nil {
		return nil, err
	}
	return New(recording, opts)
}

// Recording returns the recording being replayed.
func (r *Replayer) Recording() *vcr.Recording {
	return r.recording
}

// SetResponseOverride registers a one-shot canned response for the given
// request id. The next request with that id gets the override instead of a
// recorded response.
func (r *Replayer) SetResponseOverride(id any, response map[string]any) {
	key, ok := jsonrpc.CorrelationKey(id)
	if !ok {
		return
	}
	r.mu.Lock()
	r.overrides[key] = response
	r.mu.Unlock()
	r.log.Debug("set response override", "id", id)
}

// ClearResponseOverrides removes all registered overrides.
func (r *Replayer) ClearResponseOverrides() {
	r.mu.Lock()
	r.overrides = make(map[string]map[string]any)
	r.mu.Unlock()
}

// Reset clears matcher state (sequential cursor and usage counts) so the
// recording replays from the top.
func (r *Replayer) Reset() {
	r.matcher.Reset()
}

// HandleRequest answers one request. Every request gets a response: an
// override if one is registered for the id, the matched recorded response,
// or a JSON-RPC error when nothing matches.
func (r *Replayer) HandleRequest(request map[string]any) map[string]any {
	resp, _ := r.handle(request)
	return resp
}

// HandleRequestWithLatency answers one request, sleeping for the matched
// interaction's recorded latency (scaled by the multiplier) first when
// latency simulation is on. The context bounds the sleep.
func (r *Replayer) HandleRequestWithLatency(ctx context.Context, request map[string]any) map[string]any {
	resp, _ := r.Exchange(ctx, request)
	return resp
}

// Exchange answers one request and returns the matched interaction's
// recorded notifications (in recorded order) alongside the response.
// Matching happens in a single matcher call, so the notifications always
// belong to the interaction that produced the response, even when several
// interactions qualify or exchanges run concurrently. Serve loops emit
// the notifications before the response. The context bounds the latency
// sleep when simulation is on.
func (r *Replayer) Exchange(ctx context.Context, request map[string]any) (map[string]any, []*jsonrpc.Notification) {
	resp, interaction := r.handle(request)
	if interaction == nil {
		return resp, nil
	}
	if r.simulateLatency && interaction.LatencyMS > 0 {
		delay := time.Duration(interaction.LatencyMS * r.latencyMultiplier * float64(time.Millisecond))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	return resp, interaction.Notifications
}

func (r *Replayer) handle(request map[string]any) (map[string]any, *vcr.Interaction) {
	id := request["id"]

	if key, ok := jsonrpc.CorrelationKey(id); ok {
		r.mu.Lock()
		override, found := r.overrides[key]
		if found {
			delete(r.overrides, key)
		}
		r.mu.Unlock()
		if found {
			r.log.Debug("using response override", "id", id)
			return override, nil
		}
	}

	req, ok := jsonrpc.RequestFromMap(request)
	if !ok {
		r.log.Error("malformed request", "request", request)
		return jsonrpc.ErrorResponse(id, jsonrpc.CodeInvalidRequest, "Invalid request"), nil
	}

	r.log.Debug("handling request", "method", req.Method, "id", id)

	interaction := r.matcher.FindMatch(req, r.recording.Session.Interactions)
	if interaction == nil {
		msg := fmt.Sprintf("No recorded interaction matching %s(%v)", req.Method, req.Params)
		r.log.Error(msg)
		return jsonrpc.ErrorResponse(id, jsonrpc.CodeMethodNotFound, msg), nil
	}

	if interaction.Response == nil {
		msg := fmt.Sprintf("Interaction %s has no recorded response", req.Method)
		r.log.Error(msg)
		return jsonrpc.ErrorResponse(id, jsonrpc.CodeInternalError, msg), interaction
	}

	// Answer with the recorded payload under the incoming request's id.
	response := map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      id,
	}
	if interaction.Response.Error != nil {
		response["error"] = map[string]any{
			"code":    interaction.Response.Error.Code,
			"message": interaction.Response.Error.Message,
		}
		if interaction.Response.Error.Data != nil {
			response["error"].(map[string]any)["data"] = interaction.Response.Error.Data
		}
	} else {
		response["result"] = interaction.Response.Result
	}
	return response, interaction
}
