// Package rules provides the CEL-Go based profile constraint engine.
package rules

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Engine evaluates CEL constraints against a profile.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.ConstraintRule
	Program cel.Program
}

// NewEngine creates a constraint engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	env, err := cel.NewEnv(
		cel.Variable("profile", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("options", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
		cel.Variable("region_name", cel.StringType),
		cel.Variable("age", cel.IntType),
		cel.Variable("ethnie", cel.StringType),
		cel.Variable("profession", cel.StringType),
		cel.Variable("ville", cel.StringType),
		cel.Variable("crime_type", cel.StringType),
		cel.Variable("platform", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.ConstraintRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.ConstraintRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads the enabled rules.
func (e *Engine) LoadRules(configs []*domain.ConstraintRule) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces all loaded rules atomically.
func (e *Engine) ReloadRules(configs []*domain.ConstraintRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}
	e.compiledRules = newRules
	return nil
}

// EvaluateInput is the profile under validation plus the allowed labels
// per field.
type EvaluateInput struct {
	Profile domain.Profile
	Options map[string][]string
}

// Result is the outcome of one constraint.
type Result struct {
	RuleID string
	Field  string
	Passed bool
	Err    error

	Message string
}

// Evaluate runs every loaded constraint whose field is present in the
// profile. Results are ordered by field, then rule ID.
func (e *Engine) Evaluate(ctx context.Context, input *EvaluateInput) []Result {
	present := presentFields(input.Profile)

	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		if present[rule.Config.Field] {
			rules = append(rules, rule)
		}
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sortRules(rules)

	activation := buildActivation(input)

	results := make([]Result, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = e.evaluateRule(ctx, r, activation, input.Profile)
		}(i, rule)
	}
	wg.Wait()

	return results
}

// Violations returns only the failed constraints of Evaluate. Rules that
// fail to evaluate are reported separately.
func (e *Engine) Violations(ctx context.Context, input *EvaluateInput) ([]domain.Violation, []error) {
	var violations []domain.Violation
	var errs []error
	for _, r := range e.Evaluate(ctx, input) {
		switch {
		case r.Err != nil:
			errs = append(errs, r.Err)
		case !r.Passed:
			violations = append(violations, domain.Violation{RuleID: r.RuleID, Field: r.Field, Message: r.Message})
		}
	}
	return violations, errs
}

func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any, p domain.Profile) Result {
	result := Result{
		RuleID: rule.Config.ID,
		Field:  rule.Config.Field,
	}

	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Err = fmt.Errorf("rule %s: evaluation error: %w", rule.Config.ID, err)
		return result
	}

	passed, ok := out.(types.Bool)
	if !ok {
		result.Err = fmt.Errorf("rule %s: expected bool, got %v", rule.Config.ID, out.Type())
		return result
	}
	result.Passed = bool(passed)
	if !result.Passed {
		result.Message = strings.ReplaceAll(rule.Config.Message, "{value}", fieldValue(p, rule.Config.Field))
	}
	return result
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.ConstraintRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ConstraintRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close drops all loaded rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.ConstraintRule) (*CompiledRule, error) {
	if !slices.Contains(domain.ProfileFields, cfg.Field) {
		return nil, fmt.Errorf("rule %s: unknown field %q", cfg.ID, cfg.Field)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func buildActivation(input *EvaluateInput) map[string]any {
	p := input.Profile
	options := input.Options
	if options == nil {
		options = map[string][]string{}
	}
	return map[string]any{
		"profile": map[string]any{
			domain.FieldRegion:     p.RegionName,
			domain.FieldAge:        int64(p.Age),
			domain.FieldEthnicity:  p.Ethnicity,
			domain.FieldProfession: p.Profession,
			domain.FieldCity:       p.City,
			domain.FieldCrimeType:  p.InitialCrimeType,
			domain.FieldPlatform:   p.PrimaryPlatform,
		},
		"options":     options,
		"region_name": p.RegionName,
		"age":         int64(p.Age),
		"ethnie":      p.Ethnicity,
		"profession":  p.Profession,
		"ville":       p.City,
		"crime_type":  p.InitialCrimeType,
		"platform":    p.PrimaryPlatform,
	}
}

func presentFields(p domain.Profile) map[string]bool {
	present := make(map[string]bool, len(domain.ProfileFields))
	for _, f := range domain.ProfileFields {
		present[f] = fieldValue(p, f) != ""
	}
	return present
}

func fieldValue(p domain.Profile, field string) string {
	switch field {
	case domain.FieldRegion:
		return p.RegionName
	case domain.FieldAge:
		if p.Age == 0 {
			return ""
		}
		return strconv.Itoa(p.Age)
	case domain.FieldEthnicity:
		return p.Ethnicity
	case domain.FieldProfession:
		return p.Profession
	case domain.FieldCity:
		return p.City
	case domain.FieldCrimeType:
		return p.InitialCrimeType
	case domain.FieldPlatform:
		return p.PrimaryPlatform
	}
	return ""
}

func sortRules(rules []*CompiledRule) {
	sort.Slice(rules, func(i, j int) bool {
		fi := slices.Index(domain.ProfileFields, rules[i].Config.Field)
		fj := slices.Index(domain.ProfileFields, rules[j].Config.Field)
		if fi != fj {
			return fi < fj
		}
		return rules[i].Config.ID < rules[j].Config.ID
	})
}
