// Package indexer builds and searches a lightweight JSON index over many
// .vcr files, so recordings can be found by method, endpoint, or agent
// without loading every file.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/ohler55/ojg/jp"

	"github.com/agentvcr/agentvcr/pkg/logging"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// IndexVersion is the current index format version.
const IndexVersion = "1.0"

// ErrInvalidIndex indicates an index file with an invalid shape.
var ErrInvalidIndex = errors.New("invalid index")

// Entry summarizes one indexed recording.
type Entry struct {
	Path             string    `json:"path"`
	EndpointID       string    `json:"endpoint_id,omitempty"`
	AgentID          string    `json:"agent_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
	Methods          []string  `json:"methods"`
	InteractionCount int       `json:"interaction_count"`
}

// Index is the persisted search index.
type Index struct {
	Version    string   `json:"version"`
	Recordings []*Entry `json:"recordings"`
}

// Build scans a directory for recordings matching the glob pattern (default
// *.vcr) and returns an index. Files that fail to load are skipped with a
// warning rather than aborting the scan.
func Build(directory, pattern string, log *slog.Logger) (*Index, error) {
	log = logging.Or(log).With("component", "indexer")
	if pattern == "" {
		pattern = "*.vcr"
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(directory, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	idx := &Index{Version: IndexVersion}
	for _, path := range matches {
		rec, err := vcr.Load(path)
		if err != nil {
			log.Warn("skipping unreadable recording", "path", path, "error", err)
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		idx.Recordings = append(idx.Recordings, &Entry{
			Path:             abs,
			EndpointID:       rec.Metadata.EndpointID,
			AgentID:          rec.Metadata.AgentID,
			SessionID:        rec.Metadata.SessionID,
			RecordedAt:       rec.Metadata.RecordedAt,
			Methods:          rec.Methods(),
			InteractionCount: rec.InteractionCount(),
		})
	}
	log.Info("index built", "recordings", len(idx.Recordings), "scanned", len(matches))
	return idx, nil
}

// Save writes the index atomically, creating parent directories.
func (idx *Index) Save(path string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	data = append(data, '\n')

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

// Load reads an index file.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIndex, err)
	}
	return &idx, nil
}

// Query filters index entries. Zero-value fields match everything.
type Query struct {
	// Method keeps entries whose recordings include this method.
	Method string
	// EndpointID keeps entries with exactly this endpoint id.
	EndpointID string
	// AgentID keeps entries with exactly this agent id.
	AgentID string
	// Filter is an optional expr boolean expression evaluated per entry,
	// e.g. `interaction_count > 10 && "tools/call" in methods`.
	Filter string
	// Projection is an optional JSONPath applied to each matching entry,
	// e.g. `$.path`. When set, Search returns the projected values.
	Projection string
}

// Search evaluates a query against the index. Without a projection it
// returns the matching entries as decoded JSON objects; with one it returns
// the projected values across all matches.
func (idx *Index) Search(q Query) ([]any, error) {
	var program func(env map[string]any) (bool, error)
	if q.Filter != "" {
		compiled, err := expr.Compile(q.Filter, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile filter %q: %w", q.Filter, err)
		}
		program = func(env map[string]any) (bool, error) {
			out, err := expr.Run(compiled, env)
			if err != nil {
				return false, fmt.Errorf("eval filter %q: %w", q.Filter, err)
			}
			keep, _ := out.(bool)
			return keep, nil
		}
	}

	var projection jp.Expr
	if q.Projection != "" {
		parsed, err := jp.ParseString(q.Projection)
		if err != nil {
			return nil, fmt.Errorf("parse projection %q: %w", q.Projection, err)
		}
		projection = parsed
	}

	var results []any
	for _, entry := range idx.Recordings {
		if q.Method != "" && !containsString(entry.Methods, q.Method) {
			continue
		}
		if q.EndpointID != "" && entry.EndpointID != q.EndpointID {
			continue
		}
		if q.AgentID != "" && entry.AgentID != q.AgentID {
			continue
		}

		doc, err := entry.generic()
		if err != nil {
			return nil, err
		}
		if program != nil {
			keep, err := program(doc)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		if projection != nil {
			results = append(results, projection.Get(doc)...)
			continue
		}
		results = append(results, doc)
	}
	return results, nil
}

// generic converts the entry to plain decoded JSON so expr filters and
// JSONPath projections see the same field names as the persisted index.
func (e *Entry) generic() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return doc, nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
