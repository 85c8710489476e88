package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeLine parses one newline-delimited wire message into a raw object.
// Numbers are decoded as json.Number so ids round-trip byte-for-byte.
func DecodeLine(line []byte) (map[string]any, error) {
	var msg map[string]any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return msg, nil
}

// EncodeLine serializes a message and appends the trailing newline that
// frames stdio transport messages.
func EncodeLine(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes data into v with json.Number preservation.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Classify determines the message kind of a raw object.
// A notification has a method and no id; a response has an id and a result
// or error member; a request has both a method and an id.
func Classify(msg map[string]any) Kind {
	if msg == nil {
		return KindInvalid
	}
	_, hasMethod := msg["method"]
	_, hasID := msg["id"]
	_, hasResult := msg["result"]
	_, hasError := msg["error"]

	switch {
	case hasMethod && !hasID:
		return KindNotification
	case hasMethod && hasID:
		return KindRequest
	case hasID && (hasResult || hasError):
		return KindResponse
	default:
		return KindInvalid
	}
}

// RequestFromMap converts a raw object into a typed Request.
// Returns false when the object is not a request: wrong protocol version or
// no string method. The id may be nil (a client-side notification).
func RequestFromMap(msg map[string]any) (*Request, bool) {
	if msg["jsonrpc"] != Version {
		return nil, false
	}
	method, ok := msg["method"].(string)
	if !ok || method == "" {
		return nil, false
	}
	return &Request{
		JSONRPC: Version,
		ID:      msg["id"],
		Method:  method,
		Params:  msg["params"],
	}, true
}

// ResponseFromMap converts a raw object into a typed Response.
// Returns false when the object carries no id or neither result nor error.
func ResponseFromMap(msg map[string]any) (*Response, bool) {
	if msg["jsonrpc"] != Version {
		return nil, false
	}
	id, hasID := msg["id"]
	if !hasID {
		return nil, false
	}
	if rawErr, ok := msg["error"]; ok {
		return &Response{JSONRPC: Version, ID: id, Error: errorFromValue(rawErr)}, true
	}
	if rawResult, ok := msg["result"]; ok {
		result, _ := rawResult.(map[string]any)
		return &Response{JSONRPC: Version, ID: id, Result: result}, true
	}
	return nil, false
}

// NotificationFromMap converts a raw object into a typed Notification.
func NotificationFromMap(msg map[string]any) (*Notification, bool) {
	if msg["jsonrpc"] != Version {
		return nil, false
	}
	method, ok := msg["method"].(string)
	if !ok || method == "" {
		return nil, false
	}
	if _, hasID := msg["id"]; hasID {
		return nil, false
	}
	return &Notification{JSONRPC: Version, Method: method, Params: msg["params"]}, true
}

func errorFromValue(v any) *Error {
	obj, ok := v.(map[string]any)
	if !ok {
		return &Error{Code: CodeInternalError, Message: fmt.Sprintf("%v", v)}
	}
	e := &Error{}
	if code, ok := obj["code"].(json.Number); ok {
		if n, err := code.Int64(); err == nil {
			e.Code = int(n)
		}
	}
	if msg, ok := obj["message"].(string); ok {
		e.Message = msg
	}
	if data, ok := obj["data"].(map[string]any); ok {
		e.Data = data
	}
	return e
}

// ErrorResponse builds a raw error response carrying the given id.
// Used by the replayer so every request gets a well-formed answer.
func ErrorResponse(id any, code int, message string) map[string]any {
	resp := map[string]any{
		"jsonrpc": Version,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if id != nil {
		resp["id"] = id
	}
	return resp
}

// CorrelationKey derives the pending-map key for a request id.
// String ids and integer-valued numbers live in distinct key spaces; float
// ids are not valid for correlation and return false.
func CorrelationKey(id any) (string, bool) {
	switch v := id.(type) {
	case string:
		return "s:" + v, true
	case json.Number:
		if strings.ContainsAny(v.String(), ".eE") {
			return "", false
		}
		if n, err := v.Int64(); err == nil {
			return fmt.Sprintf("n:%d", n), true
		}
		return "", false
	case int:
		return fmt.Sprintf("n:%d", v), true
	case int64:
		return fmt.Sprintf("n:%d", v), true
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("n:%d", int64(v)), true
		}
		return "", false
	default:
		return "", false
	}
}
