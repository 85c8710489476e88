package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLinePreservesNumbers(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	require.NoError(t, err)

	id, ok := msg["id"].(json.Number)
	require.True(t, ok, "numeric id should decode as json.Number")
	assert.Equal(t, "1", id.String())
}

func TestDecodeLineRejectsMalformed(t *testing.T) {
	_, err := DecodeLine([]byte(`{"jsonrpc":`))
	assert.Error(t, err)
}

func TestEncodeLineAppendsNewline(t *testing.T) {
	data, err := EncodeLine(map[string]any{"jsonrpc": "2.0", "method": "ping"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{"string id request", `{"jsonrpc":"2.0","id":"a","method":"tools/list","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"null result response", `{"jsonrpc":"2.0","id":1,"result":null}`, KindResponse},
		{"bare id", `{"jsonrpc":"2.0","id":1}`, KindInvalid},
		{"empty", `{}`, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Classify(msg))
		})
	}
}

func TestRequestFromMap(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"add"}}`))
	require.NoError(t, err)

	req, ok := RequestFromMap(msg)
	require.True(t, ok)
	assert.Equal(t, "tools/call", req.Method)
	assert.Equal(t, json.Number("7"), req.ID)
	assert.Equal(t, map[string]any{"name": "add"}, req.Params)
}

func TestRequestFromMapRejectsWrongVersion(t *testing.T) {
	_, ok := RequestFromMap(map[string]any{"jsonrpc": "1.0", "method": "x", "id": "1"})
	assert.False(t, ok)

	_, ok = RequestFromMap(map[string]any{"jsonrpc": "2.0", "id": "1"})
	assert.False(t, ok)
}

func TestResponseFromMap(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	require.NoError(t, err)

	resp, ok := ResponseFromMap(msg)
	require.True(t, ok)
	assert.False(t, resp.IsError())
	assert.Equal(t, map[string]any{"ok": true}, resp.Result)
}

func TestResponseFromMapError(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"Method not found"}}`))
	require.NoError(t, err)

	resp, ok := ResponseFromMap(msg)
	require.True(t, ok)
	require.True(t, resp.IsError())
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Method not found", resp.Error.Message)
}

func TestNotificationFromMap(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":0.5}}`))
	require.NoError(t, err)

	notif, ok := NotificationFromMap(msg)
	require.True(t, ok)
	assert.Equal(t, "notifications/progress", notif.Method)

	// A message with an id is not a notification.
	msg["id"] = json.Number("1")
	_, ok = NotificationFromMap(msg)
	assert.False(t, ok)
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(json.Number("3"), CodeMethodNotFound, "no match")
	assert.Equal(t, json.Number("3"), resp["id"])
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, CodeMethodNotFound, errObj["code"])

	// nil id omits the field entirely.
	resp = ErrorResponse(nil, CodeParseError, "bad json")
	_, hasID := resp["id"]
	assert.False(t, hasID)
}

func TestCorrelationKey(t *testing.T) {
	tests := []struct {
		name string
		id   any
		want string
		ok   bool
	}{
		{"string", "abc", "s:abc", true},
		{"integer number", json.Number("42"), "n:42", true},
		{"int", 42, "n:42", true},
		{"int64", int64(42), "n:42", true},
		{"whole float", float64(42), "n:42", true},
		{"float number", json.Number("1.5"), "", false},
		{"exp number", json.Number("1e3"), "", false},
		{"fractional float", 1.5, "", false},
		{"nil", nil, "", false},
		{"bool", true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := CorrelationKey(tt.id)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, key)
			}
		})
	}
}

func TestCorrelationKeySpacesAreDistinct(t *testing.T) {
	sk, _ := CorrelationKey("42")
	nk, _ := CorrelationKey(json.Number("42"))
	assert.NotEqual(t, sk, nk, "string id \"42\" must not collide with numeric id 42")
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil vs map", nil, map[string]any{}, false},
		{"number coercion", json.Number("2"), float64(2), true},
		{"number mismatch", json.Number("2"), float64(3), false},
		{"strings", "a", "a", true},
		{"nested maps", map[string]any{"a": json.Number("1"), "b": map[string]any{"c": "x"}},
			map[string]any{"a": 1.0, "b": map[string]any{"c": "x"}}, true},
		{"extra key", map[string]any{"a": 1.0}, map[string]any{"a": 1.0, "b": 2.0}, false},
		{"arrays", []any{json.Number("1"), "x"}, []any{1.0, "x"}, true},
		{"array order", []any{1.0, 2.0}, []any{2.0, 1.0}, false},
		{"array vs map", []any{}, map[string]any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}
