package vcr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
)

// Sentinel errors for recording I/O and validation.
var (
	// ErrFileNotFound indicates the .vcr file does not exist.
	ErrFileNotFound = errors.New("recording file not found")

	// ErrInvalidJSON indicates the file is not well-formed JSON.
	ErrInvalidJSON = errors.New("invalid JSON in recording")

	// ErrInvalidFormat indicates well-formed JSON that violates the
	// recording schema.
	ErrInvalidFormat = errors.New("invalid recording format")
)

// Load reads and validates a recording from path.
func Load(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("read recording %s: %w", path, err)
	}
	rec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return rec, nil
}

// Parse decodes and validates a recording from raw JSON.
func Parse(data []byte) (*Recording, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	var rec Recording
	if err := jsonrpc.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save writes the recording to path atomically: serialize to a temp file in
// the same directory, then rename over the destination.
func (r *Recording) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create recording directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal recording: %w", err)
	}
	data = append(data, '\n')

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile) // Clean up temp file on failure
		return fmt.Errorf("rename recording into place: %w", err)
	}
	return nil
}

// ToJSON serializes the recording as an indented JSON document.
func (r *Recording) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Validate checks the structural invariants of the recording.
func (r *Recording) Validate() error {
	if r.FormatVersion == "" {
		return fmt.Errorf("%w: missing format_version", ErrInvalidFormat)
	}
	if r.Metadata == nil {
		return fmt.Errorf("%w: missing metadata", ErrInvalidFormat)
	}
	if r.Metadata.Transport != TransportStdio && r.Metadata.Transport != TransportSSE {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidFormat, r.Metadata.Transport)
	}
	if r.Session == nil {
		return fmt.Errorf("%w: missing session", ErrInvalidFormat)
	}
	if r.Session.InitializeRequest == nil || r.Session.InitializeResponse == nil {
		return fmt.Errorf("%w: missing initialize handshake", ErrInvalidFormat)
	}
	for i, in := range r.Session.Interactions {
		if in == nil || in.Request == nil {
			return fmt.Errorf("%w: interaction %d has no request", ErrInvalidFormat, i)
		}
		if in.Sequence != i {
			return fmt.Errorf("%w: interaction %d has sequence %d", ErrInvalidFormat, i, in.Sequence)
		}
		if in.Direction != DirectionClientToServer && in.Direction != DirectionServerToClient {
			return fmt.Errorf("%w: interaction %d has direction %q", ErrInvalidFormat, i, in.Direction)
		}
		if in.LatencyMS < 0 {
			return fmt.Errorf("%w: interaction %d has negative latency", ErrInvalidFormat, i)
		}
	}
	return nil
}
