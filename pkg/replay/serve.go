package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
)

// ServeStdio answers newline-delimited requests from reader on writer
// until EOF or context cancellation. Recorded notifications are emitted
// before their response, in recorded order.
func (r *Replayer) ServeStdio(ctx context.Context, reader io.Reader, writer io.Writer) error {
	r.log.Info("stdio replay server starting")

	var writeMu sync.Mutex
	writeLine := func(msg any) error {
		data, err := jsonrpc.EncodeLine(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = writer.Write(data)
		return err
	}

	in := bufio.NewReader(reader)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Info("stdio replay server stopped (EOF)")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		request, err := jsonrpc.DecodeLine([]byte(line))
		if err != nil {
			r.log.Warn("skipping malformed request", "err", err)
			continue
		}

		response, notifs := r.Exchange(ctx, request)
		for _, notif := range notifs {
			if err := writeLine(notif); err != nil {
				return fmt.Errorf("write notification: %w", err)
			}
		}
		if err := writeLine(response); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

const sseKeepalive = 15 * time.Second

// ServeSSE serves the recording over HTTP+SSE: clients GET /sse for the
// event stream (the handshake announces the POST URL via an `endpoint`
// event), POST requests to /message, and receive notifications plus the
// response as `message` events. Blocks until the context is cancelled.
func (r *Replayer) ServeSSE(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind replay server on %s: %w", addr, err)
	}
	// Port 0 means the kernel picked one; announce the real port.
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	r.sseAddr.Store(listener.Addr().String())

	var (
		clientsMu sync.Mutex
		clients   = make(map[string]chan map[string]any)
	)

	broadcast := func(msg map[string]any) error {
		clientsMu.Lock()
		defer clientsMu.Unlock()
		if len(clients) == 0 {
			return ErrNoClients
		}
		for id, queue := range clients {
			select {
			case queue <- msg:
			default:
				r.log.Warn("client buffer full, dropping message", "client", id)
			}
		}
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, req *http.Request) {
		sess, err := sse.Upgrade(w, req)
		if err != nil {
			http.Error(w, "SSE upgrade failed", http.StatusInternalServerError)
			return
		}

		clientID := uuid.New().String()
		queue := make(chan map[string]any, 16)
		clientsMu.Lock()
		clients[clientID] = queue
		clientsMu.Unlock()
		defer func() {
			clientsMu.Lock()
			delete(clients, clientID)
			clientsMu.Unlock()
			r.log.Info("replay client disconnected", "client", clientID)
		}()

		endpoint := sse.Message{Type: sse.Type("endpoint")}
		endpoint.AppendData(fmt.Sprintf("http://%s/message?sessionID=%s",
			net.JoinHostPort(host, fmt.Sprint(port)), clientID))
		if err := sess.Send(&endpoint); err != nil {
			return
		}
		if err := sess.Flush(); err != nil {
			return
		}
		r.log.Info("replay client connected", "client", clientID)

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-req.Context().Done():
				return
			case msg := <-queue:
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				ev := sse.Message{Type: sse.Type("message")}
				ev.AppendData(string(data))
				if err := sess.Send(&ev); err != nil {
					return
				}
				if err := sess.Flush(); err != nil {
					return
				}
			case <-keepalive.C:
				ping := sse.Message{Type: sse.Type("ping")}
				ping.AppendData("{}")
				if err := sess.Send(&ping); err != nil {
					return
				}
				_ = sess.Flush()
			}
		}
	})
	mux.HandleFunc("POST /message", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		request, err := jsonrpc.DecodeLine(body)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(jsonrpc.ErrorResponse(nil, jsonrpc.CodeParseError, "Parse error"))
			return
		}

		// Accept immediately; the answer arrives over the event stream.
		w.WriteHeader(http.StatusAccepted)

		go func() {
			response, notifs := r.Exchange(ctx, request)
			for _, notif := range notifs {
				msg := map[string]any{
					"jsonrpc": jsonrpc.Version,
					"method":  notif.Method,
				}
				if notif.Params != nil {
					msg["params"] = notif.Params
				}
				if err := broadcast(msg); err != nil {
					r.log.Warn("failed to deliver notification", "err", err)
				}
			}
			if err := broadcast(response); err != nil {
				r.log.Warn("failed to deliver response", "err", err)
			}
		}()
	})

	server := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
	}()

	r.log.Info("SSE replay server listening", "addr", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
