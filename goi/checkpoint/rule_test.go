package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/goi/goi"
)

func boolPtr(b bool) *bool { return &b }

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid", Rule{ID: "r1", Name: "n", Trigger: TriggerAlways, Action: ActionRequire}, false},
		{"missing id", Rule{Name: "n", Trigger: TriggerAlways, Action: ActionRequire}, true},
		{"missing name", Rule{ID: "r1", Trigger: TriggerAlways, Action: ActionRequire}, true},
		{"missing trigger", Rule{ID: "r1", Name: "n", Action: ActionRequire}, true},
		{"missing action", Rule{ID: "r1", Name: "n", Trigger: TriggerAlways}, true},
		{"unknown trigger", Rule{ID: "r1", Name: "n", Trigger: "sometimes", Action: ActionRequire}, true},
		{"unknown action", Rule{ID: "r1", Name: "n", Trigger: TriggerAlways, Action: "maybe"}, true},
		{"cost without threshold", Rule{ID: "r1", Name: "n", Trigger: TriggerCostThreshold, Action: ActionRequire}, true},
		{"cost with threshold", Rule{ID: "r1", Name: "n", Trigger: TriggerCostThreshold, Action: ActionSmart, Threshold: 2}, false},
		{"bad pattern", Rule{ID: "r1", Name: "n", Trigger: TriggerResourceSelection, Action: ActionRequire, Patterns: []string{"[a-"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, goi.CodeInvalidState, goi.Code(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateRules_Duplicates(t *testing.T) {
	r := Rule{ID: "r1", Name: "n", Trigger: TriggerAlways, Action: ActionRequire}
	assert.Error(t, ValidateRules([]Rule{r, r}))
}

func TestRule_Matches(t *testing.T) {
	selectQA := goi.Operation{Kind: goi.OperationResourceSelection, Resource: "datasets/qa/v2"}
	tests := []struct {
		name string
		rule Rule
		op   goi.Operation
		want bool
	}{
		{"always", Rule{Trigger: TriggerAlways}, goi.Operation{}, true},
		{"step confirm", Rule{Trigger: TriggerStepModeConfirm}, goi.Operation{}, true},
		{"auto pass", Rule{Trigger: TriggerAutoModePass}, goi.Operation{}, true},
		{"disabled", Rule{Trigger: TriggerAlways, Enabled: boolPtr(false)}, goi.Operation{}, false},
		{"selection no patterns", Rule{Trigger: TriggerResourceSelection}, selectQA, true},
		{"selection other kind", Rule{Trigger: TriggerResourceSelection}, goi.Operation{Kind: goi.OperationCreate}, false},
		{"selection pattern hit", Rule{Trigger: TriggerResourceSelection, Patterns: []string{"prompts/**", "datasets/**"}}, selectQA, true},
		{"selection pattern miss", Rule{Trigger: TriggerResourceSelection, Patterns: []string{"datasets/*"}}, selectQA, false},
		{"cost at threshold", Rule{Trigger: TriggerCostThreshold, Threshold: 5}, goi.Operation{EstimatedCost: 5}, true},
		{"cost below threshold", Rule{Trigger: TriggerCostThreshold, Threshold: 5}, goi.Operation{EstimatedCost: 4.9}, false},
		{"high risk high", Rule{Trigger: TriggerHighRisk}, goi.Operation{Risk: goi.RiskHigh}, true},
		{"high risk critical", Rule{Trigger: TriggerHighRisk}, goi.Operation{Risk: goi.RiskCritical}, true},
		{"high risk medium", Rule{Trigger: TriggerHighRisk}, goi.Operation{Risk: goi.RiskMedium}, false},
		{"irreversible", Rule{Trigger: TriggerIrreversible}, goi.Operation{Irreversible: true}, true},
		{"reversible", Rule{Trigger: TriggerIrreversible}, goi.Operation{}, false},
		{"unknown trigger", Rule{Trigger: "nope"}, goi.Operation{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(tt.op))
		})
	}
}

func TestEveryTriggerHasMatcher(t *testing.T) {
	for _, tr := range Triggers() {
		_, ok := matchers[tr]
		assert.True(t, ok, "trigger %s has no matcher", tr)
	}
}
