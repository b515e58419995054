package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Signal is the agent-declared outcome of an execution.
type Signal string

const (
	// SignalDone means the agent believes the work is complete.
	SignalDone Signal = "done"

	// SignalBlocked means the agent could not finish and needs a human.
	SignalBlocked Signal = "blocked"
)

// OutcomeFileName is the structured signal file an agent writes into its
// workspace before exiting.
const OutcomeFileName = "outcome.json"

// Outcome is the parsed structured signal.
type Outcome struct {
	Signal    Signal   `mapstructure:"signal"`
	Summary   string   `mapstructure:"summary"`
	Evidence  []string `mapstructure:"evidence"`
	CostUnits float64  `mapstructure:"cost_units"`
}

// ParseOutcome strictly decodes an agent outcome signal.
//
// Any malformed input is a hard failure (ErrMalformedSignal): unknown
// fields, a missing or unrecognized signal value, or non-JSON content.
// No partial interpretation is attempted; callers keep the raw bytes as
// evidence for human inspection.
func ParseOutcome(raw []byte) (*Outcome, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty signal", ErrMalformedSignal)
	}

	var loose map[string]any
	if err := json.Unmarshal([]byte(trimmed), &loose); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	var out Outcome
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &out,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build outcome decoder: %w", err)
	}
	if err := dec.Decode(loose); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	switch out.Signal {
	case SignalDone, SignalBlocked:
	default:
		return nil, fmt.Errorf("%w: signal %q is not done or blocked", ErrMalformedSignal, out.Signal)
	}
	if out.CostUnits < 0 {
		return nil, fmt.Errorf("%w: cost_units %v is negative", ErrMalformedSignal, out.CostUnits)
	}

	return &out, nil
}
