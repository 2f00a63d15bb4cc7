package celengine

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Vars declares the variables an expression may reference and their CEL types.
type Vars map[string]*cel.Type

func NewEnv(vars Vars) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for name, typ := range vars {
		opts = append(opts, cel.Variable(name, typ))
	}
	return cel.NewEnv(opts...)
}

// Predicate is a compiled boolean expression that can be evaluated many times.
type Predicate struct {
	expr string
	prg  cel.Program
}

func (p *Predicate) String() string {
	return p.expr
}

// Compile type-checks expr and rejects anything that does not yield a bool.
func Compile(env *cel.Env, expr string) (*Predicate, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression %q must return bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Predicate{expr: expr, prg: prg}, nil
}

func ValidateExpression(env *cel.Env, expr string) error {
	_, err := Compile(env, expr)
	return err
}

func (p *Predicate) Evaluate(attrs map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}

// Evaluate compiles and runs expr once.
func Evaluate(env *cel.Env, expr string, attrs map[string]any) (bool, error) {
	p, err := Compile(env, expr)
	if err != nil {
		return false, err
	}
	return p.Evaluate(attrs)
}
