package vcr

import (
	"encoding/json"
	"fmt"

	"github.com/ohler55/ojg/jp"
)

// Query evaluates a JSONPath expression against the recording's JSON form
// and returns all matching values, for example
// "$.session.interactions[*].request.method".
func (r *Recording) Query(path string) ([]any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression %q: %w", path, err)
	}
	doc, err := r.generic()
	if err != nil {
		return nil, err
	}
	return expr.Get(doc), nil
}

// generic round-trips the recording through JSON so JSONPath expressions
// see the document shape, not Go struct fields.
func (r *Recording) generic() (any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal recording: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal recording: %w", err)
	}
	return doc, nil
}
