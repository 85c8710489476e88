package jsonrpc

// Version is the only protocol version this codec accepts.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	// CodeParseError indicates invalid JSON was received.
	CodeParseError = -32700
	// CodeInvalidRequest indicates the message is not a valid request object.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound indicates the method does not exist or is unavailable.
	CodeMethodNotFound = -32601
	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams = -32602
	// CodeInternalError indicates an internal JSON-RPC error.
	CodeInternalError = -32603
)

// Request represents a JSON-RPC 2.0 request.
// ID holds a string or json.Number; Params holds a decoded object
// (map[string]any), array ([]any), or nil.
//
// Fields are emitted even when null so persisted recordings are field-stable.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response represents a JSON-RPC 2.0 response.
// Result and error mutual exclusivity is not enforced; readers check Error
// presence first.
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Result  map[string]any `json:"result"`
	Error   *Error         `json:"error"`
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no id).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Kind identifies the classification of a raw JSON-RPC message.
type Kind int

// Message kinds. A raw object maps to exactly one of these.
const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}
