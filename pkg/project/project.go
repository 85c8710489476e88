// Package project manages multi-session recording sets: manifests that list
// .vcr files by endpoint, and record configs that drive batch recording.
// Both serialize as JSON or YAML depending on file extension.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = "1.0"

var (
	// ErrInvalidManifest indicates a manifest file with an invalid shape.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrInvalidConfig indicates a record config with an invalid shape.
	ErrInvalidConfig = errors.New("invalid record config")
)

// ManifestEntry points at one recording in a project.
type ManifestEntry struct {
	EndpointID string `json:"endpoint_id" yaml:"endpoint_id"`
	SessionID  string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Path       string `json:"path" yaml:"path"`
}

// Manifest lists the recordings that make up a project.
type Manifest struct {
	Version    string          `json:"version" yaml:"version"`
	Recordings []ManifestEntry `json:"recordings" yaml:"recordings"`
}

// LoadManifest reads and validates a manifest file. The codec follows the
// file extension: .yaml/.yml decode as YAML, anything else as JSON.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := decodeByExtension(path, data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Version == "" {
		m.Version = ManifestVersion
	}
	for i, entry := range m.Recordings {
		if entry.Path == "" {
			return nil, fmt.Errorf("%w: recordings[%d] must have a path", ErrInvalidManifest, i)
		}
	}
	return &m, nil
}

// Save writes the manifest atomically, creating parent directories. The
// output codec follows the file extension like LoadManifest.
func (m *Manifest) Save(path string) error {
	out := *m
	if out.Version == "" {
		out.Version = ManifestVersion
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(&out)
	} else {
		data, err = json.MarshalIndent(&out, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return writeAtomic(path, data)
}

// ManifestFromDirectory builds a manifest by scanning a directory for
// recordings matching the glob pattern (default *.vcr). Each file's metadata
// supplies the endpoint and session ids; files that fail to load fall back
// to their filename stem as endpoint_id.
func ManifestFromDirectory(directory, pattern string) (*Manifest, error) {
	if pattern == "" {
		pattern = "*.vcr"
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(directory, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	m := &Manifest{Version: ManifestVersion}
	for _, path := range matches {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		entry := ManifestEntry{
			EndpointID: fileStem(path),
			Path:       abs,
		}
		if rec, err := vcr.Load(path); err == nil {
			if rec.Metadata.EndpointID != "" {
				entry.EndpointID = rec.Metadata.EndpointID
			}
			entry.SessionID = rec.Metadata.SessionID
		}
		m.Recordings = append(m.Recordings, entry)
	}
	return m, nil
}

// RecordEntry configures one recording run in a batch record config.
type RecordEntry struct {
	EndpointID    string            `json:"endpoint_id,omitempty" yaml:"endpoint_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Transport     string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	ServerCommand string            `json:"server_command,omitempty" yaml:"server_command,omitempty"`
	ServerArgs    []string          `json:"server_args,omitempty" yaml:"server_args,omitempty"`
	ServerURL     string            `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	Output        string            `json:"output" yaml:"output"`
	Tags          map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// RecordConfig drives the record-project command.
type RecordConfig struct {
	Recordings []RecordEntry `json:"recordings" yaml:"recordings"`
}

// LoadRecordConfig reads and validates a batch record config. Each entry
// needs an output path, and the transport determines which server field is
// required: stdio needs server_command, sse needs server_url. An empty
// transport defaults to stdio.
func LoadRecordConfig(path string) (*RecordConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record config: %w", err)
	}

	var cfg RecordConfig
	if err := decodeByExtension(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for i := range cfg.Recordings {
		entry := &cfg.Recordings[i]
		if entry.Transport == "" {
			entry.Transport = vcr.TransportStdio
		}
		if entry.Output == "" {
			return nil, fmt.Errorf("%w: recordings[%d] must have an output path", ErrInvalidConfig, i)
		}
		switch entry.Transport {
		case vcr.TransportStdio:
			if entry.ServerCommand == "" {
				return nil, fmt.Errorf("%w: recordings[%d] (stdio) must have server_command", ErrInvalidConfig, i)
			}
		case vcr.TransportSSE:
			if entry.ServerURL == "" {
				return nil, fmt.Errorf("%w: recordings[%d] (sse) must have server_url", ErrInvalidConfig, i)
			}
		default:
			return nil, fmt.Errorf("%w: recordings[%d] has unknown transport %q", ErrInvalidConfig, i, entry.Transport)
		}
	}
	return &cfg, nil
}

func decodeByExtension(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// writeAtomic writes via a temp file and rename so readers never observe a
// partial file.
func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
