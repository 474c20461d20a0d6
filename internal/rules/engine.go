// Package rules provides the case rule evaluator and the CEL-Go based
// screening engine for analyst-defined red flags.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxRuleCost bounds the CEL runtime cost of a single screening rule.
const MaxRuleCost = 10000

// screeningEnv declares the case aggregates visible to screening rules.
// A cel.Env is safe for concurrent use, so every engine shares one.
var screeningEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("total_amount", cel.DoubleType),
		cel.Variable("max_amount", cel.DoubleType),
		cel.Variable("txn_count", cel.IntType),
		cel.Variable("cash_count", cel.IntType),
		cel.Variable("cash_near_ctr_count", cel.IntType),
		cel.Variable("account_count", cel.IntType),
		cel.Variable("subject_identified", cel.BoolType),
		cel.Variable("has_narrative", cel.BoolType),
		cel.Variable("narrative_length", cel.IntType),
	)
})

// Engine screens cases against a set of compiled rules. The active set is an
// immutable snapshot ordered by rule ID, swapped atomically on reload.
type Engine struct {
	env   *cel.Env
	rules atomic.Pointer[[]*CompiledRule]
	mu    sync.Mutex // serializes writers
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.ScreeningRule
	Program cel.Program
}

// NewEngine creates an engine with no rules loaded.
func NewEngine() (*Engine, error) {
	env, err := screeningEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Engine{env: env}
	e.rules.Store(&[]*CompiledRule{})
	return e, nil
}

// Compile checks that a rule has an ID and a bool expression over the
// screening variables, and builds its program.
func (e *Engine) Compile(cfg *domain.ScreeningRule) (*CompiledRule, error) {
	if cfg == nil {
		return nil, errors.New("rule config is required")
	}
	if cfg.ID == "" {
		return nil, errors.New("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast,
		cel.CostLimit(MaxRuleCost),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}
	return &CompiledRule{Config: cfg, Program: program}, nil
}

// LoadRule adds or replaces a single rule.
func (e *Engine) LoadRule(cfg *domain.ScreeningRule) error {
	compiled, err := e.Compile(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(*e.rules.Load()), func(r *CompiledRule) bool {
		return r.Config.ID == cfg.ID
	})
	e.store(append(next, compiled))
	return nil
}

// ReloadRules replaces the whole rule set. Disabled rules are skipped.
// On a compile error the previous rule set stays active.
func (e *Engine) ReloadRules(configs []*domain.ScreeningRule) error {
	next := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.Compile(cfg)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store(next)
	return nil
}

func (e *Engine) store(rules []*CompiledRule) {
	slices.SortFunc(rules, func(a, b *CompiledRule) int {
		return strings.Compare(a.Config.ID, b.Config.ID)
	})
	e.rules.Store(&rules)
}

// Screen evaluates every loaded rule against the case and returns the hits,
// ordered by rule ID. A rule whose evaluation fails is skipped.
func (e *Engine) Screen(ctx context.Context, in domain.CaseInput) []domain.ScreeningHit {
	activation := Activation(in)
	hits := []domain.ScreeningHit{}

	for _, rule := range *e.rules.Load() {
		if ctx.Err() != nil {
			break
		}
		out, _, err := rule.Program.ContextEval(ctx, activation)
		if err != nil {
			slog.Debug("screening rule evaluation failed", "rule_id", rule.Config.ID, "error", err)
			continue
		}
		if matched, ok := out.(types.Bool); ok && bool(matched) {
			hits = append(hits, domain.ScreeningHit{
				RuleID: rule.Config.ID,
				Name:   rule.Config.Name,
				Reason: rule.Config.Reason,
			})
		}
	}
	return hits
}

// Activation derives the CEL variables for a case.
func Activation(in domain.CaseInput) map[string]any {
	var maxAmount float64
	var cashCount, nearCTR int64
	for _, tx := range in.Transactions {
		if tx.Amount > maxAmount {
			maxAmount = tx.Amount
		}
		if tx.Type == "cash" {
			cashCount++
			if tx.Amount >= StructuringLowerBound && tx.Amount <= StructuringUpperBound {
				nearCTR++
			}
		}
	}

	return map[string]any{
		"total_amount":        in.TotalAmount,
		"max_amount":          maxAmount,
		"txn_count":           int64(len(in.Transactions)),
		"cash_count":          cashCount,
		"cash_near_ctr_count": nearCTR,
		"account_count":       int64(len(in.Accounts)),
		"subject_identified":  in.SubjectIdentified,
		"has_narrative":       in.Narrative != "",
		"narrative_length":    int64(utf8.RuneCountInString(in.Narrative)),
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(*e.rules.Load())
}

// Rules returns the loaded rule configurations, ordered by ID.
func (e *Engine) Rules() []*domain.ScreeningRule {
	loaded := *e.rules.Load()
	out := make([]*domain.ScreeningRule, len(loaded))
	for i, r := range loaded {
		out[i] = r.Config
	}
	return out
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules.Store(&[]*CompiledRule{})
	return nil
}
