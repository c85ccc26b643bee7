package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/goi/goi"
)

func ruleIDs(rules []Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}

func TestRuleSet_SwitchModeInstallsPresetExactly(t *testing.T) {
	rs, err := NewRuleSet(ModeSmart)
	require.NoError(t, err)
	require.NoError(t, rs.AddUserRules([]Rule{{ID: "mine", Name: "m", Trigger: TriggerIrreversible, Action: ActionRequire}}))

	require.NoError(t, rs.SwitchMode(ModeStep))
	assert.Equal(t, ModeStep, rs.Mode)
	assert.ElementsMatch(t, StepModeRules(), rs.Preset)
	assert.Equal(t, ruleIDs(DefaultRules()), ruleIDs(rs.Defaults), "defaults survive a mode switch")
	assert.Equal(t, []string{"mine"}, ruleIDs(rs.Custom), "custom rules survive a mode switch")

	active := ruleIDs(rs.Active())
	assert.Equal(t, []string{"mine", "step-all-confirm", "default-resource-selection", "default-cost-threshold", "default-high-risk", "default-irreversible"}, active)
}

func TestRuleSet_SwitchModeInvalid(t *testing.T) {
	rs, _ := NewRuleSet(ModeSmart)
	err := rs.SwitchMode("turbo")
	assert.Equal(t, goi.CodeInvalidParam, goi.Code(err))
	assert.Equal(t, ModeSmart, rs.Mode)

	_, err = NewRuleSet("turbo")
	assert.Error(t, err)
}

func TestRuleSet_AddUserRulesUpserts(t *testing.T) {
	rs, _ := NewRuleSet(ModeAuto)
	require.NoError(t, rs.AddUserRules([]Rule{
		{ID: "a", Name: "a", Trigger: TriggerAlways, Action: ActionRequire},
		{ID: "b", Name: "b", Trigger: TriggerHighRisk, Action: ActionRequire},
	}))
	require.NoError(t, rs.AddUserRules([]Rule{{ID: "a", Name: "a2", Trigger: TriggerAlways, Action: ActionSkip}}))

	require.Len(t, rs.Custom, 2)
	assert.Equal(t, "a2", rs.Custom[0].Name)
	assert.Equal(t, ActionSkip, rs.Custom[0].Action)
}

func TestRuleSet_AddUserRulesIsAtomic(t *testing.T) {
	rs, _ := NewRuleSet(ModeAuto)
	err := rs.AddUserRules([]Rule{
		{ID: "ok", Name: "ok", Trigger: TriggerAlways, Action: ActionRequire},
		{ID: "bad", Trigger: TriggerAlways, Action: ActionRequire},
	})
	assert.True(t, goi.IsValidation(err))
	assert.Empty(t, rs.Custom)
}

func TestRuleSet_CloneIsDeep(t *testing.T) {
	rs, _ := NewRuleSet(ModeSmart)
	c := rs.Clone()
	c.Preset[0].Name = "changed"
	assert.NotEqual(t, "changed", rs.Preset[0].Name)
}
