package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Environment is the CEL environment beatmap predicates compile in. A single
// variable, beatmap, carries the summary under its wire field names.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("beatmap", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// compilePredicate type-checks expression and rejects anything that cannot
// yield a bool. Field access on beatmap is dynamic, so dyn results pass and
// are checked again at evaluation.
func (e *Environment) compilePredicate(expression string) (cel.Program, string, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return nil, "", fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, source, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, source, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, source, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return program, source, nil
}
