// Package record implements the recording engine: a transparent proxy that
// forwards MCP traffic unchanged while capturing request/response pairs
// into a .vcr recording.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/logging"
	"github.com/agentvcr/agentvcr/pkg/session"
	"github.com/agentvcr/agentvcr/pkg/transport"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// Configuration errors.
var (
	ErrInvalidTransport     = errors.New("invalid transport, must be stdio or sse")
	ErrMissingServerCommand = errors.New("server command required for stdio transport")
	ErrMissingServerURL     = errors.New("server URL required for sse transport")
	ErrAlreadyRecording     = errors.New("recorder is already recording")
)

// DefaultPendingTimeout is how long an unanswered request stays in the
// pending map before the sweep evicts it.
const DefaultPendingTimeout = 60 * time.Second

// Config drives one recording run.
type Config struct {
	// Transport is "stdio" or "sse".
	Transport string

	// ServerCommand and ServerArgs spawn the server subprocess (stdio).
	ServerCommand string
	ServerArgs    []string
	ServerEnv     []string

	// ServerURL is the remote MCP server base URL (sse).
	ServerURL string
	ProxyHost string
	ProxyPort int

	// Tags are carried into recording metadata.
	Tags map[string]string

	// FilterMethods restricts which request methods are recorded. Filtered
	// methods are still forwarded. Empty records everything.
	FilterMethods []string

	// ClientIn/ClientOut replace the process's stdin/stdout on the client
	// side (demo mode, tests). Stdio only.
	ClientIn  io.Reader
	ClientOut io.Writer

	// PendingTimeout evicts requests that never received a response.
	// Zero selects DefaultPendingTimeout; a negative value disables
	// the sweep.
	PendingTimeout time.Duration

	// MaxInteractions caps the recording; further interactions are
	// forwarded but not recorded. Zero means unlimited.
	MaxInteractions int

	SessionID  string
	EndpointID string
	AgentID    string

	Logger *slog.Logger
}

func (c *Config) validate() error {
	switch c.Transport {
	case vcr.TransportStdio:
		if c.ServerCommand == "" {
			return ErrMissingServerCommand
		}
	case vcr.TransportSSE:
		if c.ServerURL == "" {
			return ErrMissingServerURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	return nil
}

type pendingRequest struct {
	req *jsonrpc.Request
	at  time.Time
}

// Recorder proxies MCP traffic and captures it. One recorder records one
// session; create a new one for each run.
type Recorder struct {
	cfg     Config
	log     *slog.Logger
	filter  map[string]struct{}
	session *session.Manager

	mu            sync.Mutex
	pending       map[string]pendingRequest
	notifications []*jsonrpc.Notification
	initialized   bool

	transport   transport.Transport
	sweepCancel context.CancelFunc
	startTime   time.Time
	recording   bool

	stopCh   chan struct{}
	stopReq  sync.Once
	stopOnce sync.Once
	stopped  *vcr.Recording
	stopErr  error
}

// New builds a recorder from the config.
func New(cfg Config) (*Recorder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PendingTimeout == 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}

	var filter map[string]struct{}
	if len(cfg.FilterMethods) > 0 {
		filter = make(map[string]struct{}, len(cfg.FilterMethods))
		for _, m := range cfg.FilterMethods {
			filter[m] = struct{}{}
		}
	}

	return &Recorder{
		cfg:     cfg,
		log:     logging.Or(cfg.Logger).With("component", "recorder"),
		filter:  filter,
		session: session.NewManager(),
		pending: make(map[string]pendingRequest),
		stopCh:  make(chan struct{}),
	}, nil
}

// newTransport is swapped in tests to inject a fake transport.
var newTransport = func(r *Recorder) transport.Transport {
	if r.cfg.Transport == vcr.TransportSSE {
		opts := []transport.SSEOption{transport.WithSSELogger(r.log)}
		if r.cfg.ProxyHost != "" || r.cfg.ProxyPort != 0 {
			opts = append(opts, transport.WithProxyAddr(r.cfg.ProxyHost, r.cfg.ProxyPort))
		}
		return transport.NewSSE(r.cfg.ServerURL, opts...)
	}

	opts := []transport.StdioOption{transport.WithStdioLogger(r.log)}
	if r.cfg.ClientIn != nil && r.cfg.ClientOut != nil {
		opts = append(opts, transport.WithClientIO(r.cfg.ClientIn, r.cfg.ClientOut))
	}
	if r.cfg.ServerEnv != nil {
		opts = append(opts, transport.WithServerEnv(r.cfg.ServerEnv))
	}
	return transport.NewStdio(r.cfg.ServerCommand, r.cfg.ServerArgs, opts...)
}

// Start brings the transport up and begins capturing. Non-blocking; the
// session bootstraps itself when the first initialize response arrives.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.recording = true
	r.startTime = time.Now()
	r.mu.Unlock()

	r.log.Info("starting recorder", "transport", r.cfg.Transport)

	tr := newTransport(r)
	if err := tr.Start(ctx, r.onClientMessage, r.onServerMessage); err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return fmt.Errorf("start transport: %w", err)
	}
	r.transport = tr

	if r.cfg.PendingTimeout > 0 {
		sweepCtx, cancel := context.WithCancel(context.Background())
		r.sweepCancel = cancel
		go r.sweepLoop(sweepCtx)
	}

	r.log.Info("recorder started")
	return nil
}

// Record runs a full recording: start, block until the context is done or
// RequestStop is called, then stop and save to path.
func (r *Recorder) Record(ctx context.Context, path string) (*vcr.Recording, error) {
	if err := r.Start(ctx); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
	case <-r.stopCh:
	}
	return r.Stop(path)
}

// RequestStop signals Record to finish. Safe to call from any goroutine,
// any number of times.
func (r *Recorder) RequestStop() {
	r.stopReq.Do(func() { close(r.stopCh) })
}

// Stop tears the transport down, finalizes the recording (synthesizing a
// placeholder when no client ever connected), and saves it atomically to
// path. Idempotent; repeated calls return the first result.
func (r *Recorder) Stop(path string) (*vcr.Recording, error) {
	r.stopOnce.Do(func() {
		r.log.Info("stopping recorder")

		if r.sweepCancel != nil {
			r.sweepCancel()
		}
		if r.transport != nil {
			if err := r.transport.Stop(); err != nil {
				r.log.Warn("transport stop failed", "err", err)
			}
		}

		rec, err := r.session.StopRecording()
		if err != nil {
			// No initialize handshake ever arrived (say, Ctrl+C before a
			// client connected). Save a minimal valid recording anyway.
			rec = r.placeholderRecording()
		}
		r.stopped = rec

		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()

		if err := rec.Save(path); err != nil {
			r.stopErr = fmt.Errorf("save recording: %w", err)
			return
		}
		r.log.Info("recording saved", "path", path, "interactions", rec.InteractionCount())
	})
	return r.stopped, r.stopErr
}

// InteractionCount returns the number of interactions captured so far.
func (r *Recorder) InteractionCount() int {
	return r.session.InteractionCount()
}

// IsRecording reports whether the recorder is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Recorder) metadata() *vcr.Metadata {
	return &vcr.Metadata{
		Version:       vcr.MetadataVersion,
		RecordedAt:    r.startTime,
		Transport:     r.cfg.Transport,
		ServerCommand: r.cfg.ServerCommand,
		ServerArgs:    r.cfg.ServerArgs,
		Tags:          r.cfg.Tags,
		SessionID:     r.cfg.SessionID,
		EndpointID:    r.cfg.EndpointID,
		AgentID:       r.cfg.AgentID,
	}
}

// placeholderRecording is saved when stop beats the first initialize
// handshake, so the output file is still a valid .vcr document.
func (r *Recorder) placeholderRecording() *vcr.Recording {
	return &vcr.Recording{
		FormatVersion: vcr.FormatVersion,
		Metadata:      r.metadata(),
		Session: &vcr.Session{
			InitializeRequest: &jsonrpc.Request{
				JSONRPC: jsonrpc.Version,
				ID:      json.Number("0"),
				Method:  "initialize",
				Params:  map[string]any{},
			},
			InitializeResponse: &jsonrpc.Response{
				JSONRPC: jsonrpc.Version,
				ID:      json.Number("0"),
				Result:  map[string]any{"capabilities": map[string]any{}},
			},
			Capabilities: map[string]any{},
			Interactions: []*vcr.Interaction{},
		},
	}
}

// onClientMessage tracks outgoing requests so responses can be paired with
// them later. The message is always forwarded unchanged.
func (r *Recorder) onClientMessage(msg map[string]any) map[string]any {
	req, ok := jsonrpc.RequestFromMap(msg)
	if !ok {
		return msg
	}

	// Filtered methods are forwarded but never recorded.
	if r.filter != nil {
		if _, keep := r.filter[req.Method]; !keep {
			r.log.Debug("filtering out client message", "method", req.Method)
			return msg
		}
	}

	if key, ok := jsonrpc.CorrelationKey(req.ID); ok {
		r.mu.Lock()
		r.pending[key] = pendingRequest{req: req, at: time.Now()}
		r.mu.Unlock()
	}
	r.log.Debug("client request", "method", req.Method, "id", req.ID)
	return msg
}

// onServerMessage pairs responses with pending requests and records the
// interaction, buffering notifications seen in between. The message is
// always forwarded unchanged.
func (r *Recorder) onServerMessage(msg map[string]any) map[string]any {
	switch jsonrpc.Classify(msg) {
	case jsonrpc.KindNotification:
		if notif, ok := jsonrpc.NotificationFromMap(msg); ok {
			r.mu.Lock()
			r.notifications = append(r.notifications, notif)
			r.mu.Unlock()
			r.log.Debug("buffered server notification", "method", notif.Method)
		}
		return msg
	case jsonrpc.KindResponse:
	default:
		return msg
	}

	resp, ok := jsonrpc.ResponseFromMap(msg)
	if !ok {
		return msg
	}
	key, ok := jsonrpc.CorrelationKey(resp.ID)
	if !ok {
		return msg
	}

	r.mu.Lock()
	pend, found := r.pending[key]
	if found {
		delete(r.pending, key)
	}
	notifications := r.notifications
	r.notifications = nil
	initialized := r.initialized
	r.mu.Unlock()

	if !found {
		r.log.Debug("response for unknown request", "id", resp.ID)
		return msg
	}

	if pend.req.Method == "initialize" && !initialized {
		r.mu.Lock()
		r.initialized = true
		r.mu.Unlock()
		if err := r.session.StartRecording(r.metadata(), pend.req, resp, nil); err != nil {
			r.log.Error("failed to bootstrap session", "err", err)
			return msg
		}
		r.log.Info("session initialized")
		return msg
	}

	if r.cfg.MaxInteractions > 0 && r.session.InteractionCount() >= r.cfg.MaxInteractions {
		r.log.Warn("max interactions reached, forwarding without recording",
			"max", r.cfg.MaxInteractions)
		return msg
	}

	if _, err := r.session.RecordInteraction(pend.req, resp, notifications, pend.at); err != nil {
		r.log.Debug("dropping interaction", "err", err)
	} else if len(notifications) > 0 {
		r.log.Debug("attached notifications to interaction",
			"count", len(notifications), "id", resp.ID)
	}
	return msg
}

// sweepLoop periodically evicts pending requests that never got a response
// so the pending map cannot grow without bound.
func (r *Recorder) sweepLoop(ctx context.Context) {
	interval := r.cfg.PendingTimeout / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStalePending()
		}
	}
}

func (r *Recorder) evictStalePending() {
	threshold := time.Now().Add(-r.cfg.PendingTimeout)

	r.mu.Lock()
	var evicted []string
	for key, pend := range r.pending {
		if pend.at.Before(threshold) {
			delete(r.pending, key)
			evicted = append(evicted, key)
		}
	}
	r.mu.Unlock()

	for _, key := range evicted {
		r.log.Warn("evicted stale pending request",
			"id", key, "timeout", r.cfg.PendingTimeout)
	}
}
