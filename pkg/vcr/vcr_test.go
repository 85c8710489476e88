package vcr

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
)

func testRecording(t *testing.T) *Recording {
	t.Helper()

	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return &Recording{
		FormatVersion: FormatVersion,
		Metadata: &Metadata{
			Version:       MetadataVersion,
			RecordedAt:    base,
			Transport:     TransportStdio,
			ClientInfo:    map[string]any{"name": "test-client", "version": "0.1.0"},
			ServerInfo:    map[string]any{"name": "calculator", "version": "1.0.0"},
			ServerCommand: "calculator-server",
			Tags:          map[string]string{"env": "test"},
		},
		Session: &Session{
			InitializeRequest: &jsonrpc.Request{
				JSONRPC: jsonrpc.Version,
				ID:      json.Number("0"),
				Method:  "initialize",
				Params:  map[string]any{"protocolVersion": "2024-11-05"},
			},
			InitializeResponse: &jsonrpc.Response{
				JSONRPC: jsonrpc.Version,
				ID:      json.Number("0"),
				Result: map[string]any{
					"capabilities": map[string]any{"tools": map[string]any{}},
				},
			},
			Capabilities: map[string]any{"tools": map[string]any{}},
			Interactions: []*Interaction{
				{
					Sequence:  0,
					Timestamp: base.Add(time.Second),
					Direction: DirectionClientToServer,
					Request: &jsonrpc.Request{
						JSONRPC: jsonrpc.Version,
						ID:      json.Number("1"),
						Method:  "tools/call",
						Params:  map[string]any{"name": "add", "arguments": map[string]any{"a": json.Number("2"), "b": json.Number("3")}},
					},
					Response: &jsonrpc.Response{
						JSONRPC: jsonrpc.Version,
						ID:      json.Number("1"),
						Result:  map[string]any{"value": json.Number("5")},
					},
					Notifications: []*jsonrpc.Notification{
						{JSONRPC: jsonrpc.Version, Method: "notifications/progress", Params: map[string]any{"progress": json.Number("1")}},
					},
					LatencyMS: 12.5,
				},
				{
					Sequence:  1,
					Timestamp: base.Add(3 * time.Second),
					Direction: DirectionClientToServer,
					Request: &jsonrpc.Request{
						JSONRPC: jsonrpc.Version,
						ID:      json.Number("2"),
						Method:  "tools/list",
					},
					Response: &jsonrpc.Response{
						JSONRPC: jsonrpc.Version,
						ID:      json.Number("2"),
						Result:  map[string]any{"tools": []any{}},
					},
					LatencyMS: 3,
				},
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rec := testRecording(t)
	path := filepath.Join(t.TempDir(), "session.vcr")

	require.NoError(t, rec.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)

	want, err := rec.ToJSON()
	require.NoError(t, err)
	got, err := loaded.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	rec := testRecording(t)
	path := filepath.Join(t.TempDir(), "nested", "deeper", "session.vcr")

	require.NoError(t, rec.Save(path))

	_, err := Load(path)
	assert.NoError(t, err)
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	rec := testRecording(t)
	dir := t.TempDir()
	require.NoError(t, rec.Save(filepath.Join(dir, "session.vcr")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session.vcr", entries[0].Name())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.vcr"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.vcr")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidJSON)
	assert.NotErrorIs(t, err, ErrInvalidFormat)
}

func TestLoadInvalidFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrong.vcr")
	require.NoError(t, os.WriteFile(path, []byte(`{"hello": "world"}`), 0600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.NotErrorIs(t, err, ErrInvalidJSON)
}

func TestValidate(t *testing.T) {
	t.Run("valid recording passes", func(t *testing.T) {
		assert.NoError(t, testRecording(t).Validate())
	})

	t.Run("sequence mismatch", func(t *testing.T) {
		rec := testRecording(t)
		rec.Session.Interactions[1].Sequence = 7
		assert.ErrorIs(t, rec.Validate(), ErrInvalidFormat)
	})

	t.Run("unknown transport", func(t *testing.T) {
		rec := testRecording(t)
		rec.Metadata.Transport = "pigeon"
		assert.ErrorIs(t, rec.Validate(), ErrInvalidFormat)
	})

	t.Run("unknown direction", func(t *testing.T) {
		rec := testRecording(t)
		rec.Session.Interactions[0].Direction = "sideways"
		assert.ErrorIs(t, rec.Validate(), ErrInvalidFormat)
	})

	t.Run("negative latency", func(t *testing.T) {
		rec := testRecording(t)
		rec.Session.Interactions[0].LatencyMS = -1
		assert.ErrorIs(t, rec.Validate(), ErrInvalidFormat)
	})

	t.Run("missing handshake", func(t *testing.T) {
		rec := testRecording(t)
		rec.Session.InitializeResponse = nil
		assert.ErrorIs(t, rec.Validate(), ErrInvalidFormat)
	})
}

func TestValidateSchema(t *testing.T) {
	rec := testRecording(t)
	data, err := rec.ToJSON()
	require.NoError(t, err)

	var doc any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NoError(t, ValidateSchema(doc))

	t.Run("rejects bad transport", func(t *testing.T) {
		bad := doc.(map[string]any)
		meta := bad["metadata"].(map[string]any)
		meta["transport"] = "carrier-pigeon"
		defer func() { meta["transport"] = TransportStdio }()

		err := ValidateSchema(bad)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidFormat)
		assert.Contains(t, err.Error(), "/metadata/transport")
	})
}

func TestQuery(t *testing.T) {
	rec := testRecording(t)

	methods, err := rec.Query("$.session.interactions[*].request.method")
	require.NoError(t, err)
	assert.Equal(t, []any{"tools/call", "tools/list"}, methods)

	_, err = rec.Query("$[")
	assert.Error(t, err)
}

func TestRecordingHelpers(t *testing.T) {
	rec := testRecording(t)

	assert.Equal(t, 2, rec.InteractionCount())
	assert.Equal(t, 2*time.Second, rec.Duration())
	assert.Equal(t, []string{"tools/call", "tools/list"}, rec.Methods())

	rec.AddInteraction(&Interaction{
		Sequence:  2,
		Timestamp: rec.Session.Interactions[1].Timestamp.Add(time.Second),
		Direction: DirectionClientToServer,
		Request:   &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.Number("3"), Method: "tools/call"},
	})
	assert.Equal(t, 3, rec.InteractionCount())
	assert.Equal(t, []string{"tools/call", "tools/list"}, rec.Methods(), "methods are distinct")
}
