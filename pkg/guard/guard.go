// Package guard implements execution guards as CEL expressions.
//
// Each rule is a boolean expression over the execution being attempted:
//
//	value         int     transferred value (must fit in int64)
//	target        string  destination
//	approvals     int     current approval count
//	threshold     int     required approvals
//	owners        int     number of owners
//	payload_size  int     payload length in bytes
//	executed_by   string  caller
//
// Every rule must evaluate to true for the execution to proceed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/quorum/pkg/engine"
)

// DefaultCostLimit bounds the runtime cost of one rule evaluation.
const DefaultCostLimit = 10_000

var (
	// ErrInvalidRule is returned when a rule fails to compile.
	ErrInvalidRule = errors.New("invalid guard rule")
	// ErrDenied is returned when a rule evaluates to false.
	ErrDenied = errors.New("denied by guard rule")
)

// Rule is a named boolean expression.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

type compiled struct {
	rule Rule
	prog cel.Program
}

// CEL is an engine.Guard evaluating a fixed rule list.
type CEL struct {
	rules  []compiled
	logger *slog.Logger
}

// New compiles rules. A rule that does not type-check to bool is rejected.
func New(rules []Rule, costLimit uint64) (*CEL, error) {
	if costLimit == 0 {
		costLimit = DefaultCostLimit
	}
	env, err := cel.NewEnv(
		cel.Variable("value", cel.IntType),
		cel.Variable("target", cel.StringType),
		cel.Variable("approvals", cel.IntType),
		cel.Variable("threshold", cel.IntType),
		cel.Variable("owners", cel.IntType),
		cel.Variable("payload_size", cel.IntType),
		cel.Variable("executed_by", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	g := &CEL{logger: slog.Default().With("component", "guard")}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues.Err() != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidRule, r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w %q: result is %s, want bool", ErrInvalidRule, r.Name, ast.OutputType())
		}
		prog, err := env.Program(ast,
			cel.CostLimit(costLimit),
			cel.InterruptCheckFrequency(100),
		)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidRule, r.Name, err)
		}
		g.rules = append(g.rules, compiled{rule: r, prog: prog})
	}
	return g, nil
}

// Len returns the number of rules.
func (g *CEL) Len() int { return len(g.rules) }

// Allow implements engine.Guard.
func (g *CEL) Allow(ctx context.Context, c engine.Check) error {
	if len(g.rules) == 0 {
		return nil
	}
	if c.Action.Value == nil || !c.Action.Value.IsInt64() {
		return fmt.Errorf("%w: value %v outside guard range", ErrDenied, c.Action.Value)
	}
	vars := map[string]any{
		"value":        c.Action.Value.Int64(),
		"target":       c.Action.Target,
		"approvals":    int64(c.Approvals),
		"threshold":    int64(c.Threshold),
		"owners":       int64(c.Owners),
		"payload_size": int64(len(c.Action.Payload)),
		"executed_by":  c.Action.ExecutedBy.String(),
	}

	for _, r := range g.rules {
		out, _, err := r.prog.ContextEval(ctx, vars)
		if err != nil {
			return fmt.Errorf("%w %q: evaluation failed: %w", ErrDenied, r.rule.Name, err)
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			g.logger.InfoContext(ctx, "guard denied execution",
				"rule", r.rule.Name, "wallet_id", c.Action.WalletID, "index", c.Action.Index)
			return fmt.Errorf("%w %q", ErrDenied, r.rule.Name)
		}
	}
	return nil
}
