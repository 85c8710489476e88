// Package session tracks the lifecycle of one recording: the idle /
// recording / replaying state machine, sequence numbering, and latency
// measurement.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// State machine errors.
var (
	ErrAlreadyRecording = errors.New("already recording, stop the current recording first")
	ErrNotRecording     = errors.New("not recording")
)

// State is the manager's lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateReplaying State = "replaying"
)

// Manager builds a recording interaction by interaction. All methods are
// safe for concurrent use; sequence assignment and state transitions share
// one critical section so concurrent recorders never produce duplicate or
// gapped sequence numbers.
type Manager struct {
	mu              sync.Mutex
	state           State
	recording       *vcr.Recording
	counter         int
	lastRequestTime time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager returns a manager in the idle state.
func NewManager() *Manager {
	return &Manager{state: StateIdle, now: time.Now}
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRecording reports whether a recording is in progress.
func (m *Manager) IsRecording() bool {
	return m.State() == StateRecording
}

// CurrentRecording returns the recording being built, or nil when idle.
func (m *Manager) CurrentRecording() *vcr.Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// StartRecording opens a new recording with the given metadata and
// initialize handshake. When capabilities is nil they are extracted from
// the initialize response's result.
func (m *Manager) StartRecording(metadata *vcr.Metadata, initReq *jsonrpc.Request, initResp *jsonrpc.Response, capabilities map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRecording {
		return ErrAlreadyRecording
	}

	if capabilities == nil {
		capabilities = map[string]any{}
		if initResp != nil && initResp.Result != nil {
			if caps, ok := initResp.Result["capabilities"].(map[string]any); ok {
				capabilities = caps
			}
		}
	}

	m.state = StateRecording
	m.counter = 0
	m.lastRequestTime = time.Time{}
	m.recording = &vcr.Recording{
		FormatVersion: vcr.FormatVersion,
		Metadata:      metadata,
		Session: &vcr.Session{
			InitializeRequest:  initReq,
			InitializeResponse: initResp,
			Capabilities:       capabilities,
			Interactions:       []*vcr.Interaction{},
		},
	}
	return nil
}

// RecordInteraction appends one request/response exchange to the current
// recording. requestTimestamp, when non-zero, is the moment the request was
// captured and yields per-request latency; otherwise latency falls back to
// the time since the previous recorded request (zero for the first).
// Latency is only measured when a response is present.
func (m *Manager) RecordInteraction(req *jsonrpc.Request, resp *jsonrpc.Response, notifications []*jsonrpc.Notification, requestTimestamp time.Time) (*vcr.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRecording || m.recording == nil {
		return nil, ErrNotRecording
	}

	now := m.now()

	var latencyMS float64
	if resp != nil {
		switch {
		case !requestTimestamp.IsZero():
			latencyMS = float64(now.Sub(requestTimestamp)) / float64(time.Millisecond)
		case !m.lastRequestTime.IsZero():
			latencyMS = float64(now.Sub(m.lastRequestTime)) / float64(time.Millisecond)
		}
	}
	if latencyMS < 0 {
		latencyMS = 0
	}
	m.lastRequestTime = now

	direction := vcr.DirectionClientToServer
	if resp != nil {
		direction = vcr.DirectionServerToClient
	}
	if notifications == nil {
		notifications = []*jsonrpc.Notification{}
	}

	interaction := &vcr.Interaction{
		Sequence:      m.counter,
		Timestamp:     now,
		Direction:     direction,
		Request:       req,
		Response:      resp,
		Notifications: notifications,
		LatencyMS:     latencyMS,
	}
	m.counter++
	m.recording.AddInteraction(interaction)
	return interaction, nil
}

// StopRecording closes the current recording and returns it, resetting the
// manager to idle.
func (m *Manager) StopRecording() (*vcr.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRecording || m.recording == nil {
		return nil, ErrNotRecording
	}

	rec := m.recording
	m.state = StateIdle
	m.recording = nil
	m.counter = 0
	m.lastRequestTime = time.Time{}
	return rec, nil
}

// StartReplaying flags the manager as replaying. Replay state does not
// carry a recording under construction.
func (m *Manager) StartReplaying() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRecording {
		return ErrAlreadyRecording
	}
	m.state = StateReplaying
	return nil
}

// Reset forces the manager back to idle, discarding any recording in
// progress.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.recording = nil
	m.counter = 0
	m.lastRequestTime = time.Time{}
}

// InteractionCount returns the number of interactions recorded so far.
func (m *Manager) InteractionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recording == nil {
		return 0
	}
	return m.recording.InteractionCount()
}
