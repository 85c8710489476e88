package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/logging"
)

const (
	terminateWait = 5 * time.Second
	killWait      = 2 * time.Second
)

// Stdio proxies between the client on this process's stdin/stdout and an
// MCP server spawned as a subprocess. Messages are newline-delimited JSON.
type Stdio struct {
	command string
	args    []string
	env     []string

	clientIn  io.Reader
	clientOut io.Writer
	log       *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancel    context.CancelFunc
	started   bool
	connected atomic.Bool
	exited    chan struct{}

	clientWriteMu sync.Mutex
	serverWriteMu sync.Mutex
	stopOnce      sync.Once
	stopErr       error
}

// StdioOption configures a Stdio transport.
type StdioOption func(*Stdio)

// WithClientIO substitutes the client's reader and writer, replacing the
// process's own stdin/stdout. Used by demo mode and tests.
func WithClientIO(in io.Reader, out io.Writer) StdioOption {
	return func(s *Stdio) {
		s.clientIn = in
		s.clientOut = out
	}
}

// WithStdioLogger sets the logger. Logs must go to stderr or elsewhere;
// stdout carries the protocol.
func WithStdioLogger(log *slog.Logger) StdioOption {
	return func(s *Stdio) {
		s.log = logging.Or(log)
	}
}

// WithServerEnv sets the subprocess environment (nil inherits this
// process's environment).
func WithServerEnv(env []string) StdioOption {
	return func(s *Stdio) {
		s.env = env
	}
}

// NewStdio creates a stdio transport that will spawn command with args.
func NewStdio(command string, args []string, opts ...StdioOption) *Stdio {
	s := &Stdio{
		command:   command,
		args:      args,
		clientIn:  os.Stdin,
		clientOut: os.Stdout,
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connected reports whether the server subprocess is running.
func (s *Stdio) Connected() bool {
	return s.connected.Load()
}

// Type returns "stdio".
func (s *Stdio) Type() string {
	return "stdio"
}

// Start spawns the server subprocess and begins proxying in both
// directions. It returns once the loops are running.
func (s *Stdio) Start(ctx context.Context, onClient, onServer Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if s.env != nil {
		cmd.Env = s.env
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("open server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("open server stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start server %s: %w", s.command, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.cancel = cancel
	s.started = true
	s.exited = make(chan struct{})
	s.connected.Store(true)
	s.log.Info("server subprocess started",
		"command", s.command,
		"args", strings.Join(s.args, " "),
		"pid", cmd.Process.Pid,
	)

	go s.monitor(cmd)
	go s.clientLoop(onClient)
	go s.serverLoop(stdout, onServer)
	return nil
}

// monitor waits for the subprocess and flips the connected flag when it
// exits for any reason.
func (s *Stdio) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()
	s.connected.Store(false)
	close(s.exited)
	if err != nil {
		s.log.Info("server subprocess exited", "err", err)
		return
	}
	s.log.Info("server subprocess exited")
}

// clientLoop reads client messages line by line and forwards them to the
// server. Malformed lines are logged and skipped.
func (s *Stdio) clientLoop(onClient Callback) {
	reader := bufio.NewReader(s.clientIn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("client read ended", "err", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		msg, err := jsonrpc.DecodeLine([]byte(line))
		if err != nil {
			s.log.Warn("skipping malformed client message", "err", err)
			continue
		}

		forward := applyCallback(s.log, "client_to_server", onClient, msg)
		if forward == nil {
			continue
		}
		if err := s.SendToServer(forward); err != nil {
			s.log.Error("failed to forward client message", "err", err)
			return
		}
	}
}

// serverLoop reads server stdout line by line and forwards messages to the
// client.
func (s *Stdio) serverLoop(stdout io.Reader, onServer Callback) {
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("server read ended", "err", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		msg, err := jsonrpc.DecodeLine([]byte(line))
		if err != nil {
			s.log.Warn("skipping malformed server message", "err", err)
			continue
		}

		forward := applyCallback(s.log, "server_to_client", onServer, msg)
		if forward == nil {
			continue
		}
		if err := s.SendToClient(forward); err != nil {
			s.log.Error("failed to forward server message", "err", err)
			return
		}
	}
}

// SendToServer writes one message to the subprocess's stdin.
func (s *Stdio) SendToServer(msg map[string]any) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	data, err := jsonrpc.EncodeLine(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.serverWriteMu.Lock()
	defer s.serverWriteMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		s.connected.Store(false)
		return fmt.Errorf("write to server: %w", err)
	}
	return nil
}

// SendToClient writes one message to the client writer.
func (s *Stdio) SendToClient(msg map[string]any) error {
	data, err := jsonrpc.EncodeLine(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()
	if _, err := s.clientOut.Write(data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// Stop terminates the server subprocess: SIGTERM, a grace period, then
// SIGKILL. Idempotent.
func (s *Stdio) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.doStop()
	})
	return s.stopErr
}

func (s *Stdio) doStop() error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	cancel := s.cancel
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	s.connected.Store(false)

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-exited:
		s.log.Info("server subprocess already terminated")
		cancel()
		return nil
	default:
	}

	s.log.Info("terminating server subprocess", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cancel()
		return nil
	}

	select {
	case <-exited:
		cancel()
		return nil
	case <-time.After(terminateWait):
	}

	s.log.Warn("server subprocess did not terminate, killing", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()

	select {
	case <-exited:
	case <-time.After(killWait):
		s.log.Error("failed to kill server subprocess", "pid", cmd.Process.Pid)
	}
	cancel()
	return nil
}
