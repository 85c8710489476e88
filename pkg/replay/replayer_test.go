package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/match"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

func makeInteraction(seq int, method string, params any, result map[string]any, latencyMS float64, notifs []*jsonrpc.Notification) *vcr.Interaction {
	if result == nil {
		result = map[string]any{"ok": true}
	}
	return &vcr.Interaction{
		Sequence:  seq,
		Timestamp: time.Date(2026, 1, 15, 10, 30, seq%60, 0, time.UTC),
		Direction: vcr.DirectionClientToServer,
		Request: &jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      json.Number(fmt.Sprint(seq + 1)),
			Method:  method,
			Params:  params,
		},
		Response: &jsonrpc.Response{
			JSONRPC: jsonrpc.Version,
			ID:      json.Number(fmt.Sprint(seq + 1)),
			Result:  result,
		},
		Notifications: notifs,
		LatencyMS:     latencyMS,
	}
}

func makeRecording(interactions ...*vcr.Interaction) *vcr.Recording {
	return &vcr.Recording{
		FormatVersion: vcr.FormatVersion,
		Metadata: &vcr.Metadata{
			Version:    vcr.MetadataVersion,
			RecordedAt: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
			Transport:  vcr.TransportStdio,
		},
		Session: &vcr.Session{
			InitializeRequest: &jsonrpc.Request{
				JSONRPC: jsonrpc.Version, ID: json.Number("0"), Method: "initialize", Params: map[string]any{},
			},
			InitializeResponse: &jsonrpc.Response{
				JSONRPC: jsonrpc.Version, ID: json.Number("0"),
				Result: map[string]any{"protocolVersion": "2024-11-05"},
			},
			Capabilities: map[string]any{},
			Interactions: interactions,
		},
	}
}

func newReplayer(t *testing.T, rec *vcr.Recording, opts Options) *Replayer {
	t.Helper()
	r, err := New(rec, opts)
	require.NoError(t, err)
	return r
}

func TestHandleRequestReturnsRecordedResponse(t *testing.T) {
	rec := makeRecording(
		makeInteraction(0, "tools/list", map[string]any{}, map[string]any{"tools": []any{"add"}}, 0, nil),
	)
	r := newReplayer(t, rec, Options{})

	resp := r.HandleRequest(map[string]any{
		"jsonrpc": "2.0", "id": json.Number("42"), "method": "tools/list", "params": map[string]any{},
	})

	assert.Equal(t, json.Number("42"), resp["id"], "response carries the incoming id")
	assert.Equal(t, map[string]any{"tools": []any{"add"}}, resp["result"])
	assert.NotContains(t, resp, "error")
}

func TestHandleRequestNoMatch(t *testing.T) {
	rec := makeRecording(makeInteraction(0, "tools/list", map[string]any{}, nil, 0, nil))
	r := newReplayer(t, rec, Options{})

	resp := r.HandleRequest(map[string]any{
		"jsonrpc": "2.0", "id": json.Number("7"), "method": "resources/list",
	})

	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, errObj["code"])
	assert.Contains(t, errObj["message"], "resources/list")
	assert.Equal(t, json.Number("7"), resp["id"])
}

func TestHandleRequestNoRecordedResponse(t *testing.T) {
	in := makeInteraction(0, "tools/call", nil, nil, 0, nil)
	in.Response = nil
	rec := makeRecording(in)
	r := newReplayer(t, rec, Options{})

	resp := r.HandleRequest(map[string]any{"jsonrpc": "2.0", "id": json.Number("1"), "method": "tools/call"})

	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeInternalError, errObj["code"])
	assert.Contains(t, errObj["message"], "no recorded response")
}

func TestHandleRequestReplaysRecordedError(t *testing.T) {
	in := makeInteraction(0, "tools/call", nil, nil, 0, nil)
	in.Response = &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      json.Number("1"),
		Error:   &jsonrpc.Error{Code: -32602, Message: "Invalid params"},
	}
	rec := makeRecording(in)
	r := newReplayer(t, rec, Options{})

	resp := r.HandleRequest(map[string]any{"jsonrpc": "2.0", "id": json.Number("1"), "method": "tools/call"})

	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, -32602, errObj["code"])
	assert.Equal(t, "Invalid params", errObj["message"])
	assert.NotContains(t, resp, "result")
}

func TestResponseOverrideConsumedOnce(t *testing.T) {
	rec := makeRecording(makeInteraction(0, "tools/list", map[string]any{}, map[string]any{"tools": []any{}}, 0, nil))
	r := newReplayer(t, rec, Options{})

	override := map[string]any{"jsonrpc": "2.0", "id": json.Number("5"), "result": map[string]any{"fake": true}}
	r.SetResponseOverride(json.Number("5"), override)

	req := map[string]any{"jsonrpc": "2.0", "id": json.Number("5"), "method": "tools/list", "params": map[string]any{}}

	first := r.HandleRequest(req)
	assert.Equal(t, map[string]any{"fake": true}, first["result"])

	second := r.HandleRequest(req)
	assert.Equal(t, map[string]any{"tools": []any{}}, second["result"], "override is one-shot")
}

func TestClearResponseOverrides(t *testing.T) {
	rec := makeRecording(makeInteraction(0, "tools/list", map[string]any{}, map[string]any{"tools": []any{}}, 0, nil))
	r := newReplayer(t, rec, Options{})

	r.SetResponseOverride(json.Number("9"), map[string]any{"jsonrpc": "2.0", "result": map[string]any{"fake": true}})
	r.ClearResponseOverrides()

	resp := r.HandleRequest(map[string]any{
		"jsonrpc": "2.0", "id": json.Number("9"), "method": "tools/list", "params": map[string]any{},
	})
	assert.Equal(t, map[string]any{"tools": []any{}}, resp["result"])
}

func TestHandleRequestMalformed(t *testing.T) {
	r := newReplayer(t, makeRecording(), Options{})

	resp := r.HandleRequest(map[string]any{"id": json.Number("1"), "method": "tools/list"})

	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, errObj["code"])
}

func TestLatencySimulation(t *testing.T) {
	rec := makeRecording(makeInteraction(0, "tools/list", map[string]any{}, nil, 100, nil))
	req := map[string]any{"jsonrpc": "2.0", "id": json.Number("1"), "method": "tools/list", "params": map[string]any{}}

	t.Run("sleeps for recorded latency", func(t *testing.T) {
		r := newReplayer(t, rec, Options{SimulateLatency: true})
		start := time.Now()
		resp := r.HandleRequestWithLatency(context.Background(), req)
		elapsed := time.Since(start)

		assert.NotNil(t, resp["result"])
		assert.GreaterOrEqual(t, elapsed, 75*time.Millisecond)
	})

	t.Run("multiplier scales the delay", func(t *testing.T) {
		r := newReplayer(t, rec, Options{SimulateLatency: true, LatencyMultiplier: 0.25})
		start := time.Now()
		r.HandleRequestWithLatency(context.Background(), req)
		elapsed := time.Since(start)

		assert.Less(t, elapsed, 90*time.Millisecond, "25ms expected, well under full latency")
	})

	t.Run("disabled by default", func(t *testing.T) {
		slow := makeRecording(makeInteraction(0, "tools/list", map[string]any{}, nil, 5000, nil))
		r := newReplayer(t, slow, Options{})
		start := time.Now()
		r.HandleRequestWithLatency(context.Background(), req)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("context cancels the sleep", func(t *testing.T) {
		slow := makeRecording(makeInteraction(0, "tools/list", map[string]any{}, nil, 5000, nil))
		r := newReplayer(t, slow, Options{SimulateLatency: true})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		r.HandleRequestWithLatency(ctx, req)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestExchangeReturnsMatchedNotifications(t *testing.T) {
	notifs := []*jsonrpc.Notification{
		{JSONRPC: jsonrpc.Version, Method: "notifications/progress", Params: map[string]any{"progress": json.Number("1")}},
		{JSONRPC: jsonrpc.Version, Method: "notifications/progress", Params: map[string]any{"progress": json.Number("2")}},
	}
	rec := makeRecording(makeInteraction(0, "tools/call", nil, nil, 0, notifs))
	r := newReplayer(t, rec, Options{})

	req := map[string]any{"jsonrpc": "2.0", "id": json.Number("1"), "method": "tools/call"}
	resp, got := r.Exchange(context.Background(), req)
	assert.NotContains(t, resp, "error")
	require.Len(t, got, 2)
	assert.Equal(t, "notifications/progress", got[0].Method)
	assert.Equal(t, map[string]any{"progress": json.Number("1")}, got[0].Params, "recorded order preserved")

	_, none := r.Exchange(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": json.Number("2"), "method": "unknown",
	})
	assert.Empty(t, none)
}

func TestExchangePairsNotificationsWithResponse(t *testing.T) {
	// Two interactions qualify for the same request; each exchange must
	// carry the notifications of the interaction that answered it, not
	// whichever happens to sort first.
	params := map[string]any{"name": "x"}
	first := makeInteraction(0, "tools/call", params, map[string]any{"run": "A"}, 0, []*jsonrpc.Notification{
		{JSONRPC: jsonrpc.Version, Method: "notifications/progress", Params: map[string]any{"run": "A"}},
	})
	second := makeInteraction(1, "tools/call", params, map[string]any{"run": "B"}, 0, []*jsonrpc.Notification{
		{JSONRPC: jsonrpc.Version, Method: "notifications/progress", Params: map[string]any{"run": "B"}},
	})
	r := newReplayer(t, makeRecording(first, second), Options{})

	req := map[string]any{"jsonrpc": "2.0", "id": json.Number("1"), "method": "tools/call", "params": params}

	var runs []string
	for i := 0; i < 2; i++ {
		resp, notifs := r.Exchange(context.Background(), req)
		result, ok := resp["result"].(map[string]any)
		require.True(t, ok, "exchange %d should return a result", i+1)
		require.Len(t, notifs, 1)
		notifRun, _ := notifs[0].Params.(map[string]any)["run"].(string)
		assert.Equal(t, result["run"], notifRun, "exchange %d notifications belong to the answering interaction", i+1)
		runs = append(runs, notifRun)
	}
	assert.NotEqual(t, runs[0], runs[1], "least-used selection rotates through both interactions")
}

func TestInvalidStrategy(t *testing.T) {
	_, err := New(makeRecording(), Options{Strategy: "psychic"})
	assert.ErrorIs(t, err, match.ErrUnknownStrategy)
}

func TestSequentialReplayWithReset(t *testing.T) {
	rec := makeRecording(
		makeInteraction(0, "first", nil, map[string]any{"n": json.Number("1")}, 0, nil),
		makeInteraction(1, "second", nil, map[string]any{"n": json.Number("2")}, 0, nil),
	)
	r := newReplayer(t, rec, Options{Strategy: "sequential"})

	req := map[string]any{"jsonrpc": "2.0", "id": json.Number("1"), "method": "anything"}

	first := r.HandleRequest(req)
	assert.Equal(t, map[string]any{"n": json.Number("1")}, first["result"])
	second := r.HandleRequest(req)
	assert.Equal(t, map[string]any{"n": json.Number("2")}, second["result"])

	exhausted := r.HandleRequest(req)
	assert.Contains(t, exhausted, "error")

	r.Reset()
	again := r.HandleRequest(req)
	assert.Equal(t, map[string]any{"n": json.Number("1")}, again["result"])
}
