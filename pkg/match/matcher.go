package match

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// ErrUnknownStrategy indicates an unrecognized matching strategy name.
var ErrUnknownStrategy = errors.New("unknown matching strategy")

// Strategy selects how incoming requests are paired with recorded
// interactions.
type Strategy string

const (
	// StrategyExact matches the whole request (method and params).
	StrategyExact Strategy = "exact"
	// StrategyMethod matches by method name only.
	StrategyMethod Strategy = "method"
	// StrategyMethodAndParams matches method plus full params equality.
	// This is the default.
	StrategyMethodAndParams Strategy = "method_and_params"
	// StrategySubset matches method plus partial params: the incoming
	// request's params must be a subset of the recorded params.
	StrategySubset Strategy = "subset"
	// StrategySequential returns interactions in recorded order regardless
	// of request content, each at most once.
	StrategySequential Strategy = "sequential"
)

// strategyAliases maps legacy strategy names to their current spelling.
var strategyAliases = map[string]Strategy{
	"fuzzy": StrategySubset,
}

// ParseStrategy resolves a strategy name, accepting aliases.
func ParseStrategy(name string) (Strategy, error) {
	if alias, ok := strategyAliases[name]; ok {
		return alias, nil
	}
	switch s := Strategy(name); s {
	case StrategyExact, StrategyMethod, StrategyMethodAndParams, StrategySubset, StrategySequential:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q (valid: %s)", ErrUnknownStrategy, name, strings.Join(validStrategyNames(), ", "))
}

func validStrategyNames() []string {
	names := []string{
		string(StrategyExact),
		string(StrategyMethod),
		string(StrategyMethodAndParams),
		string(StrategySubset),
		string(StrategySequential),
	}
	for alias := range strategyAliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}

// Matcher pairs incoming requests with recorded interactions. All methods
// are safe for concurrent use.
type Matcher struct {
	strategy Strategy

	mu        sync.Mutex
	useCounts map[int]int // interaction sequence -> times handed out
	cursor    int         // next index for the sequential strategy
}

// New creates a matcher with the given strategy name ("" selects the
// default method_and_params).
func New(name string) (*Matcher, error) {
	if name == "" {
		name = string(StrategyMethodAndParams)
	}
	strategy, err := ParseStrategy(name)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		strategy:  strategy,
		useCounts: make(map[int]int),
	}, nil
}

// Strategy returns the resolved strategy (aliases already applied).
func (m *Matcher) Strategy() Strategy {
	return m.strategy
}

// Reset clears the sequential cursor and all usage counts, for example when
// a replay session restarts.
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = 0
	m.useCounts = make(map[int]int)
}

// FindMatch returns one interaction for the request, or nil when nothing
// qualifies. Among equally valid candidates the least-used one wins, ties
// broken by recorded order, and the winner's usage count is incremented.
// Under the sequential strategy each call consumes the next interaction.
func (m *Matcher) FindMatch(req *jsonrpc.Request, interactions []*vcr.Interaction) *vcr.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strategy == StrategySequential {
		if m.cursor >= len(interactions) {
			return nil
		}
		next := interactions[m.cursor]
		m.cursor++
		return next
	}

	candidates := m.matchAll(req, interactions)
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if m.useCounts[c.Sequence] < m.useCounts[best.Sequence] {
			best = c
		}
	}
	m.useCounts[best.Sequence]++
	return best
}

// FindAllMatches returns every qualifying interaction in recorded order
// without consuming anything. Under the sequential strategy it peeks at the
// next unconsumed interaction.
func (m *Matcher) FindAllMatches(req *jsonrpc.Request, interactions []*vcr.Interaction) []*vcr.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strategy == StrategySequential {
		if m.cursor >= len(interactions) {
			return nil
		}
		return []*vcr.Interaction{interactions[m.cursor]}
	}
	return m.matchAll(req, interactions)
}

// matchAll applies the non-sequential strategies. Callers hold m.mu.
func (m *Matcher) matchAll(req *jsonrpc.Request, interactions []*vcr.Interaction) []*vcr.Interaction {
	var matches []*vcr.Interaction
	for _, in := range interactions {
		if in.Request == nil {
			continue
		}
		if m.matches(req, in.Request) {
			matches = append(matches, in)
		}
	}
	return matches
}

func (m *Matcher) matches(req, recorded *jsonrpc.Request) bool {
	switch m.strategy {
	case StrategyExact, StrategyMethodAndParams:
		// Exact matching ignores jsonrpc and id, which leaves method and
		// params, the same comparison method_and_params makes.
		return recorded.Method == req.Method && jsonrpc.Equal(req.Params, recorded.Params)
	case StrategyMethod:
		return recorded.Method == req.Method
	case StrategySubset:
		return recorded.Method == req.Method && paramsSubset(req.Params, recorded.Params)
	}
	return false
}

// paramsSubset reports whether the request params are a subset of the
// recorded params. Objects match when every request key exists in the
// recorded params with an equal value; arrays require exact equality; type
// mismatches never match.
func paramsSubset(reqParams, recordedParams any) bool {
	if reqParams == nil && recordedParams == nil {
		return true
	}
	if reqParams == nil || recordedParams == nil {
		return false
	}

	reqMap, reqIsMap := reqParams.(map[string]any)
	recMap, recIsMap := recordedParams.(map[string]any)
	if reqIsMap && recIsMap {
		for key, want := range reqMap {
			got, ok := recMap[key]
			if !ok || !jsonrpc.Equal(got, want) {
				return false
			}
		}
		return true
	}
	if reqIsMap != recIsMap {
		return false
	}

	return jsonrpc.Equal(reqParams, recordedParams)
}
