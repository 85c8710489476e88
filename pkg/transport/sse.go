package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/logging"
)

const (
	probeTimeout      = 5 * time.Second
	forwardTimeout    = 30 * time.Second
	keepaliveInterval = 15 * time.Second
	clientBufferSize  = 16
)

// SSE proxies between MCP clients connecting to a local HTTP server and a
// remote MCP server speaking HTTP+SSE. Clients GET /sse for the event
// stream and POST /message to send requests; the proxy maintains one
// upstream SSE subscription and broadcasts server events to every attached
// client.
type SSE struct {
	serverURL  string
	host       string
	port       int
	log        *slog.Logger
	httpClient *http.Client

	mu         sync.Mutex
	clients    map[string]chan map[string]any
	httpServer *http.Server
	cancel     context.CancelFunc
	started    bool
	connected  atomic.Bool
	stopOnce   sync.Once
}

// SSEOption configures an SSE transport.
type SSEOption func(*SSE)

// WithSSELogger sets the logger.
func WithSSELogger(log *slog.Logger) SSEOption {
	return func(t *SSE) {
		t.log = logging.Or(log)
	}
}

// WithProxyAddr sets the local bind address for the proxy server.
func WithProxyAddr(host string, port int) SSEOption {
	return func(t *SSE) {
		t.host = host
		t.port = port
	}
}

// WithHTTPClient substitutes the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) SSEOption {
	return func(t *SSE) {
		t.httpClient = c
	}
}

// NewSSE creates an SSE transport proxying to the remote MCP server at
// serverURL (base URL, e.g. "http://localhost:5000").
func NewSSE(serverURL string, opts ...SSEOption) *SSE {
	t := &SSE{
		serverURL:  strings.TrimRight(serverURL, "/"),
		host:       "127.0.0.1",
		port:       3100,
		log:        logging.Nop(),
		httpClient: http.DefaultClient,
		clients:    make(map[string]chan map[string]any),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connected reports whether the upstream server is reachable.
func (t *SSE) Connected() bool {
	return t.connected.Load()
}

// Type returns "sse".
func (t *SSE) Type() string {
	return "sse"
}

// Addr returns the local proxy address clients should connect to.
func (t *SSE) Addr() string {
	return net.JoinHostPort(t.host, fmt.Sprint(t.port))
}

// Start binds the local proxy server, probes the remote endpoint, and
// begins consuming the upstream event stream. A failed probe tears the
// half-started server back down.
func (t *SSE) Start(ctx context.Context, onClient, onServer Callback) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.started = true
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", t.handleSSE(ctx))
	mux.HandleFunc("POST /message", t.handleMessage(onClient))

	addr := net.JoinHostPort(t.host, fmt.Sprint(t.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("bind proxy server on %s: %w", addr, err)
	}
	// Port 0 asks the kernel for a free port; record what it picked so the
	// endpoint event announces a reachable URL.
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		t.port = tcpAddr.Port
	}

	server := &http.Server{Handler: mux}
	t.mu.Lock()
	t.httpServer = server
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("proxy server stopped", "err", err)
		}
	}()
	t.log.Info("proxy server started", "addr", addr)

	if err := t.probeRemote(ctx); err != nil {
		cancel()
		_ = server.Close()
		t.mu.Lock()
		t.started = false
		t.httpServer = nil
		t.mu.Unlock()
		return fmt.Errorf("cannot connect to remote server: %w", err)
	}

	t.connected.Store(true)
	t.log.Info("connected to remote server", "url", t.serverURL)

	go t.consumeUpstream(ctx, onServer)
	return nil
}

// probeRemote verifies the remote SSE endpoint answers before accepting
// client traffic.
func (t *SSE) probeRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.serverURL+"/sse", nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote server returned status %d", resp.StatusCode)
	}
	return nil
}

// handleSSE upgrades a client connection and streams broadcast messages to
// it until the client disconnects or the transport stops.
func (t *SSE) handleSSE(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			t.log.Error("failed to upgrade SSE session", "err", err)
			http.Error(w, "SSE upgrade failed", http.StatusInternalServerError)
			return
		}

		clientID := uuid.New().String()
		queue := make(chan map[string]any, clientBufferSize)
		t.mu.Lock()
		t.clients[clientID] = queue
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			delete(t.clients, clientID)
			t.mu.Unlock()
			t.log.Info("SSE client disconnected", "client", clientID)
		}()

		// Tell the client where to POST its messages.
		endpoint := sse.Message{Type: sse.Type("endpoint")}
		endpoint.AppendData(fmt.Sprintf("http://%s/message?sessionID=%s",
			net.JoinHostPort(t.host, fmt.Sprint(t.port)), clientID))
		if err := sess.Send(&endpoint); err != nil {
			t.log.Error("failed to send endpoint event", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			return
		}
		t.log.Info("SSE client connected", "client", clientID)

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.Context().Done():
				return
			case msg, ok := <-queue:
				if !ok {
					return
				}
				if err := t.sendEvent(sess, "message", msg); err != nil {
					t.log.Warn("failed to send SSE event", "client", clientID, "err", err)
					return
				}
			case <-keepalive.C:
				ping := sse.Message{Type: sse.Type("ping")}
				ping.AppendData("{}")
				if err := sess.Send(&ping); err != nil {
					return
				}
				if err := sess.Flush(); err != nil {
					return
				}
			}
		}
	}
}

func (t *SSE) sendEvent(sess *sse.Session, eventType string, msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ev := sse.Message{Type: sse.Type(eventType)}
	ev.AppendData(string(data))
	if err := sess.Send(&ev); err != nil {
		return err
	}
	return sess.Flush()
}

// handleMessage accepts a client JSON-RPC message, runs the intercept
// callback, and forwards the result upstream.
func (t *SSE) handleMessage(onClient Callback) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r.Body); err != nil {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "Parse error")
			return
		}
		msg, err := jsonrpc.DecodeLine(buf.Bytes())
		if err != nil {
			t.log.Warn("rejecting malformed client message", "err", err)
			writeRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "Parse error")
			return
		}

		forward := applyCallback(t.log, "client_to_server", onClient, msg)
		if forward == nil {
			writeJSON(w, http.StatusOK, map[string]any{"jsonrpc": jsonrpc.Version, "result": nil})
			return
		}

		if err := t.SendToServer(forward); err != nil {
			t.log.Error("failed to forward message upstream", "err", err)
			writeRPCError(w, http.StatusInternalServerError, -32000, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jsonrpc": jsonrpc.Version, "result": "ok"})
	}
}

// consumeUpstream reads the remote server's event stream and broadcasts
// each message to all attached clients.
func (t *SSE) consumeUpstream(ctx context.Context, onServer Callback) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.serverURL+"/sse", nil)
	if err != nil {
		t.log.Error("failed to build upstream request", "err", err)
		return
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Error("failed to open upstream event stream", "err", err)
			t.connected.Store(false)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.log.Error("upstream event stream refused", "status", resp.StatusCode)
		t.connected.Store(false)
		return
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				t.log.Error("upstream event stream ended", "err", err)
				t.connected.Store(false)
			}
			return
		}
		if ev.Data == "" || ev.Type == "ping" {
			continue
		}

		msg, decErr := jsonrpc.DecodeLine([]byte(ev.Data))
		if decErr != nil {
			t.log.Warn("skipping malformed upstream event", "err", decErr)
			continue
		}

		forward := applyCallback(t.log, "server_to_client", onServer, msg)
		if forward == nil {
			continue
		}
		if err := t.SendToClient(forward); err != nil {
			t.log.Debug("dropping upstream message", "err", err)
		}
	}
}

// SendToServer POSTs one message to the remote server's /message endpoint.
func (t *SSE) SendToServer(msg map[string]any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/message", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.connected.Store(false)
		return fmt.Errorf("send message to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// SendToClient queues one message for every attached SSE client. Slow
// clients with full buffers miss the message rather than stalling the
// broadcast.
func (t *SSE) SendToClient(msg map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.clients) == 0 {
		return errors.New("no connected clients")
	}
	for id, queue := range t.clients {
		select {
		case queue <- msg:
		default:
			t.log.Warn("client buffer full, dropping message", "client", id)
		}
	}
	return nil
}

// Stop shuts the proxy server down and stops the upstream subscription.
// Idempotent.
func (t *SSE) Stop() error {
	t.stopOnce.Do(func() {
		t.connected.Store(false)

		t.mu.Lock()
		cancel := t.cancel
		server := t.httpServer
		t.clients = make(map[string]chan map[string]any)
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if server != nil {
			ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := server.Shutdown(ctx); err != nil {
				_ = server.Close()
			}
			t.log.Info("proxy server stopped")
		}
	})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, map[string]any{
		"jsonrpc": jsonrpc.Version,
		"error":   map[string]any{"code": code, "message": message},
	})
}
