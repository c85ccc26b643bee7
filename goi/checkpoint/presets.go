package checkpoint

import (
	"github.com/c360studio/goi/goi"
)

// Mode names a rule preset a session can switch to.
type Mode string

const (
	ModeStep  Mode = "step"
	ModeAuto  Mode = "auto"
	ModeSmart Mode = "smart"
)

// IsValid returns true for step, auto and smart.
func (m Mode) IsValid() bool {
	return m == ModeStep || m == ModeAuto || m == ModeSmart
}

// DefaultCostThreshold is the estimated cost above which the default
// rules require confirmation.
const DefaultCostThreshold = 5.0

// DefaultRules is the baseline layer every session carries.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "default-resource-selection", Name: "Confirm resource selection",
			Trigger: TriggerResourceSelection, Action: ActionRequire,
		},
		{
			ID: "default-cost-threshold", Name: "Confirm expensive operations",
			Trigger: TriggerCostThreshold, Action: ActionRequire, Threshold: DefaultCostThreshold,
		},
		{
			ID: "default-high-risk", Name: "Confirm high risk operations",
			Trigger: TriggerHighRisk, Action: ActionRequire,
		},
		{
			ID: "default-irreversible", Name: "Confirm irreversible operations",
			Trigger: TriggerIrreversible, Action: ActionRequire,
		},
	}
}

// StepModeRules requires a checkpoint before every step.
func StepModeRules() []Rule {
	return []Rule{
		{
			ID: "step-all-confirm", Name: "Confirm every step",
			Trigger: TriggerStepModeConfirm, Action: ActionRequire,
		},
	}
}

// AutoModeRules passes every step without a checkpoint.
func AutoModeRules() []Rule {
	return []Rule{
		{
			ID: "auto-pass", Name: "Run every step automatically",
			Trigger: TriggerAutoModePass, Action: ActionSkip,
		},
	}
}

// SmartModeRules scores resource selections and expensive operations.
// Everything else falls through to the default layer.
func SmartModeRules() []Rule {
	return []Rule{
		{
			ID: "smart-resource-selection", Name: "Score resource selection",
			Trigger: TriggerResourceSelection, Action: ActionSmart,
		},
		{
			ID: "smart-cost-threshold", Name: "Score expensive operations",
			Trigger: TriggerCostThreshold, Action: ActionSmart, Threshold: DefaultCostThreshold,
		},
	}
}

// PresetRules returns the preset of a mode.
func PresetRules(m Mode) ([]Rule, error) {
	switch m {
	case ModeStep:
		return StepModeRules(), nil
	case ModeAuto:
		return AutoModeRules(), nil
	case ModeSmart:
		return SmartModeRules(), nil
	default:
		return nil, goi.NewValidationError(goi.CodeInvalidParam, "invalid checkpoint mode %q", m)
	}
}
