package expr

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/l0p7/mapinfo/internal/beatmap"
)

// DefaultDeepInfoWhen limits the difficulty breakdown to standard-mode maps,
// the only mode the calculator supports.
const DefaultDeepInfoWhen = `beatmap.mode == "osu"`

// Predicate decides per beatmap whether a feature applies.
type Predicate struct {
	source  string
	program cel.Program
}

func NewPredicate(env *Environment, expression string) (*Predicate, error) {
	if env == nil {
		return nil, errors.New("expr: environment required")
	}
	program, source, err := env.compilePredicate(expression)
	if err != nil {
		return nil, err
	}
	return &Predicate{source: source, program: program}, nil
}

// Match evaluates the predicate for summary. A result that is not a bool is
// an error, not a miss.
func (p *Predicate) Match(summary beatmap.Summary) (bool, error) {
	val, _, err := p.program.Eval(map[string]any{"beatmap": SummaryVars(summary)})
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	matched, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expr: %q yielded %s, want bool", p.source, val.Type().TypeName())
	}
	return matched, nil
}

func (p *Predicate) Source() string { return p.source }

// SummaryVars exposes a summary under its wire field names.
func SummaryVars(summary beatmap.Summary) map[string]any {
	return map[string]any{
		"id":                summary.ID,
		"difficulty_rating": summary.DifficultyRating,
		"bpm":               summary.BPM,
		"max_combo":         int64(summary.MaxCombo),
		"accuracy":          summary.Accuracy,
		"ar":                summary.AR,
		"cs":                summary.CS,
		"drain":             summary.Drain,
		"mode":              summary.Mode,
	}
}
