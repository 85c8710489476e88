package diff

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentvcr/agentvcr/pkg/jsonrpc"
	"github.com/agentvcr/agentvcr/pkg/logging"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// Default latency-regression thresholds. A latency increase is breaking
// only when it exceeds the factor relative to baseline AND the absolute
// increase in milliseconds. Both must trip so fast calls are never flagged
// for noise-level jitter.
const (
	DefaultLatencyThresholdFactor = 2.0
	DefaultLatencyThresholdMS     = 500.0
)

// Options configures a comparison.
type Options struct {
	// CompareLatency enables the latency-regression check. Off by default
	// because latency is environment-dependent.
	CompareLatency bool

	// LatencyThresholdFactor is the multiple of baseline latency the current
	// latency must exceed to count as a regression. Zero means the default.
	LatencyThresholdFactor float64

	// LatencyThresholdMS is the absolute increase in milliseconds the
	// current latency must exceed to count as a regression. Zero means the
	// default.
	LatencyThresholdMS float64

	Logger *slog.Logger
}

// ModifiedInteraction describes a baseline/current interaction pair with the
// same request but different content.
type ModifiedInteraction struct {
	Method            string         `json:"method"`
	BaselineRequest   map[string]any `json:"baseline_request"`
	CurrentRequest    map[string]any `json:"current_request"`
	BaselineResponse  map[string]any `json:"baseline_response"`
	CurrentResponse   map[string]any `json:"current_response"`
	BaselineLatencyMS float64        `json:"baseline_latency_ms"`
	CurrentLatencyMS  float64        `json:"current_latency_ms"`

	// Incompatibilities lists the reasons this modification is breaking.
	// Empty means the change is backwards compatible.
	Incompatibilities []string `json:"incompatibilities,omitempty"`
}

// IsCompatible reports whether the modification is backwards compatible.
func (m *ModifiedInteraction) IsCompatible() bool {
	return len(m.Incompatibilities) == 0
}

// Result is the outcome of comparing two recordings.
type Result struct {
	// IsIdentical is true when nothing was added, removed, or modified.
	IsIdentical bool `json:"is_identical"`
	// IsCompatible is true when no breaking changes were detected.
	IsCompatible bool `json:"is_compatible"`

	// Added holds interactions present only in the current recording.
	Added []*vcr.Interaction `json:"added_interactions"`
	// Removed holds interactions present only in the baseline recording.
	Removed []*vcr.Interaction `json:"removed_interactions"`
	// Modified holds paired interactions whose content differs.
	Modified []*ModifiedInteraction `json:"modified_interactions"`

	// BreakingChanges is the human-readable list of breaking changes.
	BreakingChanges []string `json:"breaking_changes"`
}

// CompareFiles loads two recordings from disk and compares them.
func CompareFiles(baselinePath, currentPath string, opts Options) (*Result, error) {
	baseline, err := vcr.Load(baselinePath)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	current, err := vcr.Load(currentPath)
	if err != nil {
		return nil, fmt.Errorf("load current: %w", err)
	}
	return Compare(baseline, current, opts), nil
}

// Compare diffs two recordings interaction by interaction. Interactions are
// grouped by method; within a method, each current interaction claims the
// first baseline interaction with equal params that no earlier current
// interaction has claimed. Unclaimed current interactions are added,
// leftover baseline interactions are removed, and claimed pairs whose
// responses differ become modifications.
func Compare(baseline, current *vcr.Recording, opts Options) *Result {
	log := logging.Or(opts.Logger).With("component", "diff")

	factor := opts.LatencyThresholdFactor
	if factor <= 0 {
		factor = DefaultLatencyThresholdFactor
	}
	thresholdMS := opts.LatencyThresholdMS
	if thresholdMS <= 0 {
		thresholdMS = DefaultLatencyThresholdMS
	}

	baselineByMethod, baselineOrder := indexByMethod(baseline)
	currentByMethod, currentOrder := indexByMethod(current)

	log.Info("comparing recordings",
		"baseline_interactions", baseline.InteractionCount(),
		"current_interactions", current.InteractionCount())

	res := &Result{}

	for _, method := range currentOrder {
		currentList := currentByMethod[method]
		baselineList := baselineByMethod[method]

		if len(baselineList) == 0 {
			res.Added = append(res.Added, currentList...)
			res.BreakingChanges = append(res.BreakingChanges,
				fmt.Sprintf("New method added: %s", method))
			continue
		}

		claimed := make([]bool, len(baselineList))
		for _, cur := range currentList {
			base := claimPair(cur, baselineList, claimed)
			if base == nil {
				res.Added = append(res.Added, cur)
				continue
			}
			mod := diffPair(base, cur, opts.CompareLatency, factor, thresholdMS)
			if mod == nil {
				continue
			}
			res.Modified = append(res.Modified, mod)
			for _, reason := range mod.Incompatibilities {
				res.BreakingChanges = append(res.BreakingChanges,
					fmt.Sprintf("Breaking change in %s: %s", method, reason))
			}
		}
		for i, taken := range claimed {
			if !taken {
				res.Removed = append(res.Removed, baselineList[i])
			}
		}
	}

	for _, method := range baselineOrder {
		if _, ok := currentByMethod[method]; !ok {
			res.Removed = append(res.Removed, baselineByMethod[method]...)
			res.BreakingChanges = append(res.BreakingChanges,
				fmt.Sprintf("Method removed: %s", method))
		}
	}

	res.IsIdentical = len(res.Added) == 0 && len(res.Removed) == 0 &&
		len(res.Modified) == 0 && len(res.BreakingChanges) == 0
	res.IsCompatible = len(res.BreakingChanges) == 0

	log.Info("diff complete",
		"identical", res.IsIdentical, "compatible", res.IsCompatible,
		"added", len(res.Added), "removed", len(res.Removed), "modified", len(res.Modified))

	return res
}

// indexByMethod groups interactions by request method, preserving the order
// in which methods first appear so diff output is deterministic.
func indexByMethod(r *vcr.Recording) (map[string][]*vcr.Interaction, []string) {
	byMethod := make(map[string][]*vcr.Interaction)
	var order []string
	if r == nil || r.Session == nil {
		return byMethod, order
	}
	for _, in := range r.Session.Interactions {
		method := "unknown"
		if in.Request != nil {
			method = in.Request.Method
		}
		if _, ok := byMethod[method]; !ok {
			order = append(order, method)
		}
		byMethod[method] = append(byMethod[method], in)
	}
	return byMethod, order
}

// claimPair returns the first unclaimed baseline interaction whose params
// equal the current interaction's, marking it claimed.
func claimPair(cur *vcr.Interaction, baselineList []*vcr.Interaction, claimed []bool) *vcr.Interaction {
	if cur.Request == nil {
		return nil
	}
	for i, base := range baselineList {
		if claimed[i] || base.Request == nil {
			continue
		}
		if jsonrpc.Equal(base.Request.Params, cur.Request.Params) {
			claimed[i] = true
			return base
		}
	}
	return nil
}

// diffPair compares a claimed pair and returns nil when nothing changed.
func diffPair(base, cur *vcr.Interaction, compareLatency bool, factor, thresholdMS float64) *ModifiedInteraction {
	baseResp := responseBody(base.Response)
	curResp := responseBody(cur.Response)

	responseChanged := !jsonrpc.Equal(baseResp, curResp)

	var latencyRegressed bool
	if compareLatency {
		latencyRegressed = cur.LatencyMS > base.LatencyMS*factor &&
			cur.LatencyMS-base.LatencyMS > thresholdMS
	}

	if !responseChanged && !latencyRegressed {
		return nil
	}

	mod := &ModifiedInteraction{
		Method:            requestMethod(base),
		BaselineRequest:   requestBody(base.Request),
		CurrentRequest:    requestBody(cur.Request),
		BaselineResponse:  baseResp,
		CurrentResponse:   curResp,
		BaselineLatencyMS: base.LatencyMS,
		CurrentLatencyMS:  cur.LatencyMS,
	}
	if responseChanged {
		mod.Incompatibilities = append(mod.Incompatibilities, responseIncompatibilities(baseResp, curResp)...)
	}
	if latencyRegressed {
		mod.Incompatibilities = append(mod.Incompatibilities,
			fmt.Sprintf("latency regressed from %.0fms to %.0fms", base.LatencyMS, cur.LatencyMS))
	}
	return mod
}

func requestMethod(in *vcr.Interaction) string {
	if in.Request == nil {
		return "unknown"
	}
	return in.Request.Method
}

func requestBody(req *jsonrpc.Request) map[string]any {
	if req == nil {
		return map[string]any{}
	}
	return map[string]any{"method": req.Method, "params": req.Params}
}

// responseBody reduces a response to its comparable content: result for
// successes, error object for failures. IDs are excluded because they vary
// run to run without meaning anything.
func responseBody(resp *jsonrpc.Response) map[string]any {
	if resp == nil {
		return map[string]any{}
	}
	if resp.IsError() {
		errObj := map[string]any{
			"code":    resp.Error.Code,
			"message": resp.Error.Message,
		}
		if resp.Error.Data != nil {
			errObj["data"] = resp.Error.Data
		}
		return map[string]any{"error": errObj}
	}
	return map[string]any{"result": resp.Result}
}

// responseIncompatibilities applies the compatibility rules to a changed
// response pair and returns the reasons it is breaking, if any.
func responseIncompatibilities(base, cur map[string]any) []string {
	_, baseErr := base["error"]
	_, curErr := cur["error"]

	switch {
	case baseErr && !curErr:
		return []string{"response changed from error to success"}
	case !baseErr && curErr:
		return []string{"response changed from success to error"}
	case baseErr && curErr:
		baseCode := errorCode(base["error"])
		curCode := errorCode(cur["error"])
		if baseCode != curCode {
			return []string{fmt.Sprintf("error code changed from %s to %s", baseCode, curCode)}
		}
		// Message or data changes alone are compatible.
		return nil
	}

	baseResult, baseOK := base["result"].(map[string]any)
	curResult, curOK := cur["result"].(map[string]any)
	if !curOK && baseOK {
		return []string{"result is no longer an object"}
	}
	if !baseOK {
		// Non-object baseline results compare by JSON type only.
		if jsonType(base["result"]) != jsonType(cur["result"]) {
			return []string{"result changed JSON type"}
		}
		return nil
	}
	return fieldIncompatibilities("result", baseResult, curResult)
}

// fieldIncompatibilities checks that every baseline field survives in the
// current object with the same JSON type, recursing into nested objects.
// Added fields are always fine. A null on either side suppresses the type
// check for that field.
func fieldIncompatibilities(path string, base, cur map[string]any) []string {
	var reasons []string
	for key, baseVal := range base {
		fieldPath := path + "." + key
		curVal, ok := cur[key]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("field %s was removed", fieldPath))
			continue
		}
		if baseVal == nil || curVal == nil {
			continue
		}
		baseType := jsonType(baseVal)
		curType := jsonType(curVal)
		if baseType != curType {
			reasons = append(reasons,
				fmt.Sprintf("field %s changed type from %s to %s", fieldPath, baseType, curType))
			continue
		}
		if baseType == "object" {
			reasons = append(reasons,
				fieldIncompatibilities(fieldPath, baseVal.(map[string]any), curVal.(map[string]any))...)
		}
	}
	return reasons
}

// errorCode renders an error object's code for comparison. Codes decode as
// json.Number from disk but may be plain ints in memory, so both are
// normalized through their string form.
func errorCode(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	switch code := obj["code"].(type) {
	case json.Number:
		return code.String()
	case int:
		return fmt.Sprint(code)
	case float64:
		return fmt.Sprint(int64(code))
	default:
		return fmt.Sprint(code)
	}
}

// jsonType names the JSON type of a decoded value.
func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, int, int64, float64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
