package match

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

func makeInteraction(seq int, method string, params any, result map[string]any) *vcr.Interaction {
	if result == nil {
		result = map[string]any{"ok": true}
	}
	return &vcr.Interaction{
		Sequence:  seq,
		Timestamp: time.Date(2026, 1, 15, 10, 30, seq%60, 0, time.UTC),
		Direction: vcr.DirectionClientToServer,
		Request: &jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      json.Number(fmt.Sprint(seq + 1)),
			Method:  method,
			Params:  params,
		},
		Response: &jsonrpc.Response{
			JSONRPC: jsonrpc.Version,
			ID:      json.Number(fmt.Sprint(seq + 1)),
			Result:  result,
		},
		LatencyMS: 50,
	}
}

func makeRequest(method string, params any) *jsonrpc.Request {
	return &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.Number("99"), Method: method, Params: params}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"exact", "method", "method_and_params", "subset", "sequential"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}

	t.Run("fuzzy aliases to subset", func(t *testing.T) {
		s, err := ParseStrategy("fuzzy")
		require.NoError(t, err)
		assert.Equal(t, StrategySubset, s)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := ParseStrategy("psychic")
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})

	t.Run("default is method_and_params", func(t *testing.T) {
		m, err := New("")
		require.NoError(t, err)
		assert.Equal(t, StrategyMethodAndParams, m.Strategy())
	})
}

func TestMethodAndParamsMatching(t *testing.T) {
	m, err := New("method_and_params")
	require.NoError(t, err)

	interactions := []*vcr.Interaction{
		makeInteraction(0, "tools/call", map[string]any{"name": "add"}, nil),
		makeInteraction(1, "tools/call", map[string]any{"name": "sub"}, nil),
		makeInteraction(2, "tools/list", nil, nil),
	}

	got := m.FindMatch(makeRequest("tools/call", map[string]any{"name": "add"}), interactions)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Sequence)

	assert.Nil(t, m.FindMatch(makeRequest("tools/call", map[string]any{"name": "mul"}), interactions))
	assert.Nil(t, m.FindMatch(makeRequest("resources/list", nil), interactions))

	t.Run("numeric coercion across representations", func(t *testing.T) {
		recorded := []*vcr.Interaction{
			makeInteraction(0, "tools/call", map[string]any{"a": json.Number("2")}, nil),
		}
		got := m.FindMatch(makeRequest("tools/call", map[string]any{"a": float64(2)}), recorded)
		assert.NotNil(t, got)
	})
}

func TestMethodMatching(t *testing.T) {
	m, err := New("method")
	require.NoError(t, err)

	interactions := []*vcr.Interaction{
		makeInteraction(0, "tools/call", map[string]any{"name": "add"}, nil),
		makeInteraction(1, "tools/call", map[string]any{"name": "sub"}, nil),
	}

	all := m.FindAllMatches(makeRequest("tools/call", map[string]any{"anything": true}), interactions)
	assert.Len(t, all, 2)
}

func TestSubsetMatching(t *testing.T) {
	m, err := New("subset")
	require.NoError(t, err)

	t.Run("request subset of recorded matches", func(t *testing.T) {
		interactions := []*vcr.Interaction{
			makeInteraction(0, "tools/call", map[string]any{"a": json.Number("1"), "b": json.Number("2")}, nil),
		}
		got := m.FindMatch(makeRequest("tools/call", map[string]any{"a": json.Number("1")}), interactions)
		assert.NotNil(t, got)
	})

	t.Run("request superset of recorded does not match", func(t *testing.T) {
		interactions := []*vcr.Interaction{
			makeInteraction(0, "tools/call", map[string]any{"a": json.Number("1")}, nil),
		}
		got := m.FindMatch(makeRequest("tools/call", map[string]any{"a": json.Number("1"), "extra": true}), interactions)
		assert.Nil(t, got)
	})

	t.Run("arrays require exact equality", func(t *testing.T) {
		interactions := []*vcr.Interaction{
			makeInteraction(0, "batch", []any{json.Number("1"), json.Number("2")}, nil),
		}
		assert.NotNil(t, m.FindAllMatches(makeRequest("batch", []any{json.Number("1"), json.Number("2")}), interactions))
		assert.Nil(t, m.FindAllMatches(makeRequest("batch", []any{json.Number("1")}), interactions))
	})

	t.Run("type mismatch never matches", func(t *testing.T) {
		interactions := []*vcr.Interaction{
			makeInteraction(0, "tools/call", []any{json.Number("1")}, nil),
		}
		assert.Nil(t, m.FindAllMatches(makeRequest("tools/call", map[string]any{"a": json.Number("1")}), interactions))
	})

	t.Run("both nil params match", func(t *testing.T) {
		interactions := []*vcr.Interaction{
			makeInteraction(0, "tools/list", nil, nil),
		}
		assert.NotNil(t, m.FindMatch(makeRequest("tools/list", nil), interactions))
	})
}

func TestLeastUsedSelection(t *testing.T) {
	interactions := []*vcr.Interaction{
		makeInteraction(0, "tools/list", map[string]any{}, map[string]any{"tools": []any{"a"}}),
		makeInteraction(1, "tools/list", map[string]any{}, map[string]any{"tools": []any{"b"}}),
	}
	req := makeRequest("tools/list", map[string]any{})

	t.Run("duplicate requests cycle through candidates", func(t *testing.T) {
		m, err := New("method_and_params")
		require.NoError(t, err)

		first := m.FindMatch(req, interactions)
		second := m.FindMatch(req, interactions)
		third := m.FindMatch(req, interactions)

		require.NotNil(t, first)
		require.NotNil(t, second)
		require.NotNil(t, third)
		assert.NotEqual(t, first.Sequence, second.Sequence)
		assert.Equal(t, first.Sequence, third.Sequence, "cycles back once counts equalize")
	})

	t.Run("single candidate stays stable", func(t *testing.T) {
		m, err := New("method_and_params")
		require.NoError(t, err)
		single := interactions[:1]

		r1 := m.FindMatch(req, single)
		r2 := m.FindMatch(req, single)
		require.NotNil(t, r1)
		require.NotNil(t, r2)
		assert.Equal(t, r1.Sequence, r2.Sequence)
	})

	t.Run("reset clears usage counts", func(t *testing.T) {
		m, err := New("method_and_params")
		require.NoError(t, err)

		before := m.FindMatch(req, interactions)
		m.Reset()
		after := m.FindMatch(req, interactions)

		require.NotNil(t, before)
		require.NotNil(t, after)
		assert.Equal(t, before.Sequence, after.Sequence)
	})

	t.Run("ties break by recorded order", func(t *testing.T) {
		m, err := New("method_and_params")
		require.NoError(t, err)
		got := m.FindMatch(req, interactions)
		require.NotNil(t, got)
		assert.Equal(t, 0, got.Sequence)
	})
}

func TestSequentialStrategy(t *testing.T) {
	m, err := New("sequential")
	require.NoError(t, err)

	interactions := []*vcr.Interaction{
		makeInteraction(0, "first", nil, nil),
		makeInteraction(1, "second", nil, nil),
	}
	req := makeRequest("anything", nil)

	t.Run("consumes in recorded order then exhausts", func(t *testing.T) {
		assert.Equal(t, 0, m.FindMatch(req, interactions).Sequence)
		assert.Equal(t, 1, m.FindMatch(req, interactions).Sequence)
		assert.Nil(t, m.FindMatch(req, interactions))
	})

	t.Run("reset restarts the cursor", func(t *testing.T) {
		m.Reset()
		assert.Equal(t, 0, m.FindMatch(req, interactions).Sequence)
	})

	t.Run("find all matches peeks without consuming", func(t *testing.T) {
		m.Reset()
		peek := m.FindAllMatches(req, interactions)
		require.Len(t, peek, 1)
		assert.Equal(t, 0, peek[0].Sequence)

		got := m.FindMatch(req, interactions)
		require.NotNil(t, got)
		assert.Equal(t, 0, got.Sequence, "peek did not consume")
	})
}

func TestSequentialConcurrency(t *testing.T) {
	m, err := New("sequential")
	require.NoError(t, err)

	const total = 100
	interactions := make([]*vcr.Interaction, total)
	for i := range interactions {
		interactions[i] = makeInteraction(i, fmt.Sprintf("method_%d", i), nil, nil)
	}
	req := makeRequest("any", nil)

	var (
		mu      sync.Mutex
		results []int
		wg      sync.WaitGroup
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/10; i++ {
				if got := m.FindMatch(req, interactions); got != nil {
					mu.Lock()
					results = append(results, got.Sequence)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, results, total, "every interaction consumed exactly once")
	sort.Ints(results)
	for i, seq := range results {
		assert.Equal(t, i, seq)
	}
}

func TestLeastUsedConcurrency(t *testing.T) {
	m, err := New("method_and_params")
	require.NoError(t, err)

	interactions := []*vcr.Interaction{
		makeInteraction(0, "tools/list", map[string]any{}, nil),
		makeInteraction(1, "tools/list", map[string]any{}, nil),
		makeInteraction(2, "tools/list", map[string]any{}, nil),
		makeInteraction(3, "tools/list", map[string]any{}, nil),
		makeInteraction(4, "tools/list", map[string]any{}, nil),
	}
	req := makeRequest("tools/list", map[string]any{})

	var wg sync.WaitGroup
	counts := make([]int, len(interactions))
	var mu sync.Mutex
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if got := m.FindMatch(req, interactions); got != nil {
					mu.Lock()
					counts[got.Sequence]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 50 selections over 5 equally good candidates land evenly.
	for seq, n := range counts {
		assert.Equal(t, 10, n, "interaction %d", seq)
	}
}
