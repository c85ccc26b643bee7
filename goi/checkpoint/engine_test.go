package checkpoint

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/metrics"
)

func TestSmartScore(t *testing.T) {
	tests := []struct {
		risk       goi.RiskClass
		deviations int
		want       int
	}{
		{goi.RiskLow, 0, 0},
		{goi.RiskMedium, 0, 2},
		{goi.RiskHigh, 0, 4},
		{goi.RiskCritical, 0, 6},
		{goi.RiskMedium, 1, 4},
		{goi.RiskLow, 3, 6},
		{goi.RiskLow, 10, 6},
		{goi.RiskLow, -2, 0},
		{"", 1, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SmartScore(tt.risk, tt.deviations), "risk=%s deviations=%d", tt.risk, tt.deviations)
	}
}

func TestEngine_FirstMatchWins(t *testing.T) {
	e := NewEngine(nil)
	rules := []Rule{
		{ID: "skip-selection", Name: "s", Trigger: TriggerResourceSelection, Action: ActionSkip},
		{ID: "require-all", Name: "a", Trigger: TriggerAlways, Action: ActionRequire},
	}

	d := e.Evaluate(goi.Operation{Kind: goi.OperationResourceSelection}, rules, 0)
	assert.Equal(t, ActionSkip, d.Decision)
	assert.False(t, d.Required)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, "skip-selection", d.MatchedRule.ID)

	d = e.Evaluate(goi.Operation{Kind: goi.OperationCreate}, rules, 0)
	assert.True(t, d.Required)
	assert.Equal(t, "require-all", d.MatchedRule.ID)
}

func TestEngine_NoMatchSkips(t *testing.T) {
	d := NewEngine(nil).Evaluate(goi.Operation{Kind: goi.OperationCreate}, DefaultRules(), 0)
	assert.Equal(t, ActionSkip, d.Decision)
	assert.False(t, d.Required)
	assert.Nil(t, d.MatchedRule)
}

func TestEngine_DisabledRuleIsIgnored(t *testing.T) {
	rules := []Rule{
		{ID: "off", Name: "off", Trigger: TriggerAlways, Action: ActionSkip, Enabled: boolPtr(false)},
		{ID: "on", Name: "on", Trigger: TriggerAlways, Action: ActionRequire},
	}
	d := NewEngine(nil).Evaluate(goi.Operation{}, rules, 0)
	assert.Equal(t, "on", d.MatchedRule.ID)
}

func TestEngine_Smart(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := NewEngine(m)
	rules := SmartModeRules()
	sel := goi.Operation{Kind: goi.OperationResourceSelection, Risk: goi.RiskMedium}

	d := e.Evaluate(sel, rules, 0)
	assert.Equal(t, ActionSmart, d.Decision)
	assert.Equal(t, 2, d.Score)
	assert.False(t, d.Required)

	d = e.Evaluate(sel, rules, 1)
	assert.Equal(t, 4, d.Score)
	assert.True(t, d.Required)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointDecisions.WithLabelValues("require")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointDecisions.WithLabelValues("skip")))
}

func TestEngine_Presets(t *testing.T) {
	e := NewEngine(nil)
	op := goi.Operation{Kind: goi.OperationCreate, Risk: goi.RiskLow}
	risky := goi.Operation{Kind: goi.OperationDelete, Risk: goi.RiskHigh, Irreversible: true}

	step, _ := NewRuleSet(ModeStep)
	assert.True(t, e.Evaluate(op, step.Active(), 0).Required)

	auto, _ := NewRuleSet(ModeAuto)
	assert.False(t, e.Evaluate(risky, auto.Active(), 0).Required)

	smart, _ := NewRuleSet(ModeSmart)
	assert.False(t, e.Evaluate(op, smart.Active(), 0).Required)
	d := e.Evaluate(risky, smart.Active(), 0)
	assert.True(t, d.Required)
	assert.Equal(t, "default-high-risk", d.MatchedRule.ID)
}
