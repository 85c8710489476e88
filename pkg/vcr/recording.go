package vcr

import (
	"time"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
)

// FormatVersion is the current .vcr format version.
const FormatVersion = "1.0.0"

// MetadataVersion is the current metadata block version.
const MetadataVersion = "1.0"

// Transport kinds recorded in metadata.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Interaction directions.
const (
	DirectionClientToServer = "client_to_server"
	DirectionServerToClient = "server_to_client"
)

// Interaction is one logical request/response exchange, plus any server
// notifications observed between the request's arrival and its response.
// Notification order is semantically meaningful and preserved on replay.
type Interaction struct {
	Sequence      int                     `json:"sequence"`
	Timestamp     time.Time               `json:"timestamp"`
	Direction     string                  `json:"direction"`
	Request       *jsonrpc.Request        `json:"request"`
	Response      *jsonrpc.Response       `json:"response"`
	Notifications []*jsonrpc.Notification `json:"notifications"`
	LatencyMS     float64                 `json:"latency_ms"`
}

// Metadata describes the recording session.
type Metadata struct {
	Version       string            `json:"version"`
	RecordedAt    time.Time         `json:"recorded_at"`
	Transport     string            `json:"transport"`
	ClientInfo    map[string]any    `json:"client_info"`
	ServerInfo    map[string]any    `json:"server_info"`
	ServerCommand string            `json:"server_command"`
	ServerArgs    []string          `json:"server_args"`
	Tags          map[string]string `json:"tags"`
	SessionID     string            `json:"session_id,omitempty"`
	EndpointID    string            `json:"endpoint_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
}

// Session is a complete MCP session: the initialize handshake plus the
// ordered interactions that followed it.
type Session struct {
	InitializeRequest  *jsonrpc.Request  `json:"initialize_request"`
	InitializeResponse *jsonrpc.Response `json:"initialize_response"`
	Capabilities       map[string]any    `json:"capabilities"`
	Interactions       []*Interaction    `json:"interactions"`
}

// Recording is the top-level .vcr document.
// Invariant: Session.Interactions[i].Sequence == i for all i.
type Recording struct {
	FormatVersion string    `json:"format_version"`
	Metadata      *Metadata `json:"metadata"`
	Session       *Session  `json:"session"`
}

// AddInteraction appends an interaction to the session. This is the only
// sanctioned mutation of a loaded recording.
func (r *Recording) AddInteraction(in *Interaction) {
	r.Session.Interactions = append(r.Session.Interactions, in)
}

// InteractionCount returns the number of recorded interactions.
func (r *Recording) InteractionCount() int {
	if r.Session == nil {
		return 0
	}
	return len(r.Session.Interactions)
}

// Duration returns the span between the first and last interaction
// timestamps, or zero when the session has fewer than two interactions.
func (r *Recording) Duration() time.Duration {
	if r.Session == nil || len(r.Session.Interactions) == 0 {
		return 0
	}
	first := r.Session.Interactions[0].Timestamp
	last := r.Session.Interactions[len(r.Session.Interactions)-1].Timestamp
	return last.Sub(first)
}

// Methods returns the distinct request methods in recorded order of first use.
func (r *Recording) Methods() []string {
	if r.Session == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var methods []string
	for _, in := range r.Session.Interactions {
		if in.Request == nil {
			continue
		}
		if _, ok := seen[in.Request.Method]; ok {
			continue
		}
		seen[in.Request.Method] = struct{}{}
		methods = append(methods, in.Request.Method)
	}
	return methods
}
