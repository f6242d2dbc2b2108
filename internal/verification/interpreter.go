package verification

import (
	"encoding/json"
	"fmt"
	"math"
)

// DefaultMatchThreshold is the similarity a comparison must strictly exceed.
const DefaultMatchThreshold = 0.7

// Result is a parsed oracle answer.
type Result struct {
	Similarity float64
	IsMatch    bool
	// Diagnostic is the raw oracle payload.
	Diagnostic string
}

type oracleAnswer struct {
	Result []struct {
		Similarity *float64 `json:"similarity"`
	} `json:"result"`
}

// Interpreter turns a raw oracle payload into a verdict.
type Interpreter struct {
	threshold float64
}

// NewInterpreter constructs an interpreter with the given threshold.
func NewInterpreter(threshold float64) Interpreter {
	return Interpreter{threshold: threshold}
}

// Threshold returns the configured match threshold.
func (i Interpreter) Threshold() float64 {
	return i.threshold
}

// Interpret extracts result[0].similarity. A payload without a parseable score
// is ErrMalformedOracleResponse, never a non-match.
func (i Interpreter) Interpret(raw string) (*Result, error) {
	payload := normalize(raw)

	var answer oracleAnswer
	if err := json.Unmarshal([]byte(payload), &answer); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOracleResponse, err)
	}
	if len(answer.Result) == 0 {
		return nil, fmt.Errorf("%w: no result entries", ErrMalformedOracleResponse)
	}
	score := answer.Result[0].Similarity
	if score == nil {
		return nil, fmt.Errorf("%w: result[0].similarity missing", ErrMalformedOracleResponse)
	}
	if math.IsNaN(*score) || math.IsInf(*score, 0) {
		return nil, fmt.Errorf("%w: similarity is not finite", ErrMalformedOracleResponse)
	}

	return &Result{
		Similarity: *score,
		IsMatch:    *score > i.threshold,
		Diagnostic: raw,
	}, nil
}
