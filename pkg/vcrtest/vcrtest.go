// Package vcrtest provides test helpers for replaying and recording MCP
// sessions inside Go tests. Helpers fail the test on setup errors and
// register cleanup through t.Cleanup, so tests only deal with the happy
// path.
//
//	func TestMyTool(t *testing.T) {
//		r := vcrtest.Replayer(t, "testdata/my_tool.vcr", replay.Options{})
//		resp := r.HandleRequest(map[string]any{
//			"jsonrpc": "2.0", "id": json.Number("1"),
//			"method": "tools/call", "params": map[string]any{"name": "my_tool"},
//		})
//		// assert on resp["result"]
//	}
package vcrtest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentvcr/agentvcr/pkg/record"
	"github.com/agentvcr/agentvcr/pkg/replay"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// DefaultCassetteDir is where Cassette looks for recordings when the config
// does not name a directory.
const DefaultCassetteDir = "cassettes"

// Load reads a recording and fails the test if it cannot be loaded.
func Load(t testing.TB, path string) *vcr.Recording {
	t.Helper()
	rec, err := vcr.Load(path)
	if err != nil {
		t.Fatalf("load recording %s: %v", path, err)
	}
	return rec
}

// Replayer loads a recording and returns a replayer for it, failing the
// test on any setup error.
func Replayer(t testing.TB, path string, opts replay.Options) *replay.Replayer {
	t.Helper()
	r, err := replay.New(Load(t, path), opts)
	if err != nil {
		t.Fatalf("create replayer for %s: %v", path, err)
	}
	return r
}

// Recorder builds a recorder from the config, failing the test on invalid
// configuration. The recorder is not started; the test controls its
// lifecycle.
func Recorder(t testing.TB, cfg record.Config) *record.Recorder {
	t.Helper()
	r, err := record.New(cfg)
	if err != nil {
		t.Fatalf("create recorder: %v", err)
	}
	return r
}

// CassetteConfig configures a Cassette.
type CassetteConfig struct {
	// Dir is the cassette directory. Defaults to DefaultCassetteDir.
	Dir string
	// Record switches the cassette to record mode: interactions are
	// captured from a live server and saved when the cassette stops.
	Record bool

	// Record-mode server settings, passed through to record.Config.
	Transport     string
	ServerCommand string
	ServerArgs    []string
	ServerURL     string

	// ReplayOptions configures the replayer in replay mode (and the one
	// built from a fresh recording after record mode stops).
	ReplayOptions replay.Options
}

// Cassette bundles the recording, replayer, and recorder for one named
// cassette file.
type Cassette struct {
	// Recording is the loaded recording in replay mode, or the captured
	// recording after Stop in record mode.
	Recording *vcr.Recording
	// Replayer is ready in replay mode, and populated by Stop in record
	// mode.
	Replayer *replay.Replayer
	// Recorder is non-nil only in record mode.
	Recorder *record.Recorder

	t    testing.TB
	path string
	opts replay.Options
	once sync.Once
}

// OpenCassette opens a named cassette. In replay mode the file must exist
// and the returned cassette has Recording and Replayer ready. In record
// mode the recorder is started immediately and the cassette saves on Stop,
// which t.Cleanup triggers automatically if the test never calls it.
func OpenCassette(t testing.TB, name string, cfg CassetteConfig) *Cassette {
	t.Helper()

	dir := cfg.Dir
	if dir == "" {
		dir = DefaultCassetteDir
	}
	c := &Cassette{t: t, path: filepath.Join(dir, name), opts: cfg.ReplayOptions}

	if !cfg.Record {
		c.Recording = Load(t, c.path)
		var err error
		c.Replayer, err = replay.New(c.Recording, cfg.ReplayOptions)
		if err != nil {
			t.Fatalf("create replayer for cassette %s: %v", name, err)
		}
		return c
	}

	transport := cfg.Transport
	if transport == "" {
		transport = vcr.TransportStdio
	}
	c.Recorder = Recorder(t, record.Config{
		Transport:     transport,
		ServerCommand: cfg.ServerCommand,
		ServerArgs:    cfg.ServerArgs,
		ServerURL:     cfg.ServerURL,
	})
	if err := c.Recorder.Start(context.Background()); err != nil {
		t.Fatalf("start recorder for cassette %s: %v", name, err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

// Stop ends record mode: it stops the recorder, saves the cassette, and
// populates Recording and Replayer from the captured session. Calling Stop
// on a replay-mode cassette or a second time is a no-op.
func (c *Cassette) Stop() {
	if c.Recorder == nil {
		return
	}
	c.once.Do(func() {
		rec, err := c.Recorder.Stop(c.path)
		if err != nil {
			c.t.Errorf("stop cassette recorder: %v", err)
			return
		}
		c.Recording = rec
		replayer, err := replay.New(rec, c.opts)
		if err != nil {
			c.t.Errorf("create replayer from captured cassette: %v", err)
			return
		}
		c.Replayer = replayer
	})
}
