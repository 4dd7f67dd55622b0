// Package pattern provides a rule-based [safety.Monitor] that matches caller
// and assistant text against curated regular expressions.
//
// It needs no network access and answers in microseconds, so it is the
// default monitor and a sensible last-resort fallback behind a model-based
// classifier.
//
// Example:
//
//	m := pattern.New()
//	c, _ := m.Classify(ctx, "I think I'm having a heart attack", safety.RoleCaller)
//	// c.Level == safety.LevelEmergency, c.Category == safety.CategoryEmergencyMedical
package pattern

import (
	"context"
	"fmt"
	"regexp"

	"github.com/MrWong99/carecall/pkg/provider/safety"
)

// Rule maps a set of expressions onto a category and level.
type Rule struct {
	Category safety.Category
	Level    safety.Level
	Action   string

	// Roles restricts the rule to text from these roles. Empty means all.
	Roles []safety.Role

	// Patterns are matched case-insensitively; any match triggers the rule.
	Patterns []string

	// Unless suppresses the rule when it matches the same text.
	Unless string
}

type compiledRule struct {
	Rule
	res    []*regexp.Regexp
	unless *regexp.Regexp
}

func (r compiledRule) appliesTo(role safety.Role) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, want := range r.Roles {
		if want == role {
			return true
		}
	}
	return false
}

func (r compiledRule) match(text string) bool {
	if r.unless != nil && r.unless.MatchString(text) {
		return false
	}
	for _, re := range r.res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Monitor implements [safety.Monitor] with an ordered rule list.
type Monitor struct {
	rules []compiledRule
}

var _ safety.Monitor = (*Monitor)(nil)

// Option is a functional option for [Monitor].
type Option func(*[]Rule)

// WithRules appends extra rules after the defaults.
func WithRules(rules ...Rule) Option {
	return func(rs *[]Rule) { *rs = append(*rs, rules...) }
}

// WithoutDefaults drops the built-in rule set.
func WithoutDefaults() Option {
	return func(rs *[]Rule) { *rs = (*rs)[:0] }
}

// New returns a monitor with the built-in rules. It panics if a built-in rule
// fails to compile; use [Compile] for caller-supplied rules.
func New(opts ...Option) *Monitor {
	m, err := Compile(opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// Compile returns a monitor or the first rule compilation error.
func Compile(opts ...Option) (*Monitor, error) {
	rules := DefaultRules()
	for _, o := range opts {
		o(&rules)
	}

	m := &Monitor{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("pattern: compile %s rule: %w", r.Category, err)
			}
			cr.res = append(cr.res, re)
		}
		if r.Unless != "" {
			re, err := regexp.Compile(`(?i)` + r.Unless)
			if err != nil {
				return nil, fmt.Errorf("pattern: compile %s exception: %w", r.Category, err)
			}
			cr.unless = re
		}
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

// Classify implements [safety.Monitor]. The reported Level is the highest level
// of any matching rule; Category and Action come from the first rule that
// reached it.
func (m *Monitor) Classify(ctx context.Context, text string, role safety.Role) (safety.Classification, error) {
	if err := ctx.Err(); err != nil {
		return safety.Classification{}, err
	}

	var out safety.Classification
	for _, r := range m.rules {
		if !r.appliesTo(role) || !r.match(text) {
			continue
		}
		out.Categories = append(out.Categories, r.Category)
		if r.Level > out.Level {
			out.Level = r.Level
			out.Category = r.Category
			out.Action = r.Action
		}
	}
	return out, nil
}
