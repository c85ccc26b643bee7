// Package checkpoint decides which agent operations need a human
// checkpoint before they run, keeps the per-session rule sets, and
// stores checkpoints through their pending/responded lifecycle.
package checkpoint

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/goi/goi"
)

// Trigger selects which operations a rule applies to.
type Trigger string

const (
	TriggerAlways            Trigger = "always"
	TriggerResourceSelection Trigger = "resource_selection"
	TriggerCostThreshold     Trigger = "cost_threshold"
	TriggerStepModeConfirm   Trigger = "step_mode_all_confirm"
	TriggerAutoModePass      Trigger = "auto_mode_auto_pass"
	TriggerHighRisk          Trigger = "high_risk"
	TriggerIrreversible      Trigger = "irreversible"
)

// Action is what a matching rule decides.
type Action string

const (
	ActionRequire Action = "require"
	ActionSkip    Action = "skip"
	ActionSmart   Action = "smart"
)

// IsValid returns true if the action is known.
func (a Action) IsValid() bool {
	return a == ActionRequire || a == ActionSkip || a == ActionSmart
}

// Rule is one checkpoint rule. Rules are plain data; the matching logic
// lives in the per-trigger functions below.
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     Trigger  `json:"trigger" yaml:"trigger"`
	Action      Action   `json:"action" yaml:"action"`
	Threshold   float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Patterns    []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled returns true unless the rule was explicitly disabled.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Validate checks the required fields and trigger-specific parameters.
func (r Rule) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.Name) == "" {
		missing = append(missing, "name")
	}
	if r.Trigger == "" {
		missing = append(missing, "trigger")
	}
	if r.Action == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		return goi.NewValidationError(goi.CodeInvalidState, "rule %q is missing %s", r.ID, strings.Join(missing, ", "))
	}
	if _, ok := matchers[r.Trigger]; !ok {
		return goi.NewValidationError(goi.CodeInvalidState, "rule %q has unknown trigger %q", r.ID, r.Trigger)
	}
	if !r.Action.IsValid() {
		return goi.NewValidationError(goi.CodeInvalidState, "rule %q has unknown action %q", r.ID, r.Action)
	}
	if r.Trigger == TriggerCostThreshold && r.Threshold <= 0 {
		return goi.NewValidationError(goi.CodeInvalidState, "rule %q: cost_threshold requires a positive threshold", r.ID)
	}
	for _, p := range r.Patterns {
		if !doublestar.ValidatePattern(p) {
			return goi.NewValidationError(goi.CodeInvalidState, "rule %q has invalid pattern %q", r.ID, p)
		}
	}
	return nil
}

// ValidateRules validates every rule and rejects duplicate IDs.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return goi.NewValidationError(goi.CodeInvalidState, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// Matches reports whether the rule applies to op. Disabled rules never
// match.
func (r Rule) Matches(op goi.Operation) bool {
	if !r.IsEnabled() {
		return false
	}
	m, ok := matchers[r.Trigger]
	if !ok {
		return false
	}
	return m(r, op)
}

type matchFunc func(r Rule, op goi.Operation) bool

var matchers = map[Trigger]matchFunc{
	TriggerAlways:            matchAny,
	TriggerStepModeConfirm:   matchAny,
	TriggerAutoModePass:      matchAny,
	TriggerResourceSelection: matchResourceSelection,
	TriggerCostThreshold:     matchCostThreshold,
	TriggerHighRisk:          matchHighRisk,
	TriggerIrreversible:      matchIrreversible,
}

func matchAny(Rule, goi.Operation) bool {
	return true
}

func matchResourceSelection(r Rule, op goi.Operation) bool {
	if op.Kind != goi.OperationResourceSelection {
		return false
	}
	if len(r.Patterns) == 0 {
		return true
	}
	for _, p := range r.Patterns {
		if ok, err := doublestar.Match(p, op.Resource); err == nil && ok {
			return true
		}
	}
	return false
}

func matchCostThreshold(r Rule, op goi.Operation) bool {
	return r.Threshold > 0 && op.EstimatedCost >= r.Threshold
}

func matchHighRisk(_ Rule, op goi.Operation) bool {
	return op.Risk.Rank() >= goi.RiskHigh.Rank()
}

func matchIrreversible(_ Rule, op goi.Operation) bool {
	return op.Irreversible
}

// Triggers lists every known trigger.
func Triggers() []Trigger {
	return []Trigger{
		TriggerAlways, TriggerResourceSelection, TriggerCostThreshold,
		TriggerStepModeConfirm, TriggerAutoModePass, TriggerHighRisk, TriggerIrreversible,
	}
}

func (r Rule) String() string {
	return fmt.Sprintf("%s(%s→%s)", r.ID, r.Trigger, r.Action)
}

func cloneRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		c := r
		if r.Patterns != nil {
			c.Patterns = append([]string(nil), r.Patterns...)
		}
		if r.Enabled != nil {
			v := *r.Enabled
			c.Enabled = &v
		}
		out[i] = c
	}
	return out
}
