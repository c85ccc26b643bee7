package checkpoint

import (
	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/metrics"
)

// SmartRequireScore is the score at or above which a smart rule requires
// a checkpoint.
const SmartRequireScore = 4

// maxCountedDeviations caps the deviation term of the smart score.
const maxCountedDeviations = 3

var riskWeights = map[goi.RiskClass]int{
	goi.RiskLow:      0,
	goi.RiskMedium:   2,
	goi.RiskHigh:     4,
	goi.RiskCritical: 6,
}

// SmartScore grades an operation for smart rules:
// riskWeight(risk) + 2*min(recentDeviations, 3).
func SmartScore(risk goi.RiskClass, recentDeviations int) int {
	if recentDeviations < 0 {
		recentDeviations = 0
	}
	if recentDeviations > maxCountedDeviations {
		recentDeviations = maxCountedDeviations
	}
	return riskWeights[risk] + 2*recentDeviations
}

// Decision is the outcome of evaluating an operation.
type Decision struct {
	Decision    Action `json:"decision"`
	Required    bool   `json:"required"`
	MatchedRule *Rule  `json:"matchedRule,omitempty"`
	Score       int    `json:"score"`
}

// Engine evaluates operations against rule lists.
type Engine struct {
	metrics *metrics.Metrics
}

// NewEngine creates an engine. m may be nil.
func NewEngine(m *metrics.Metrics) *Engine {
	return &Engine{metrics: m}
}

// Evaluate applies the first enabled matching rule in list order. When no
// rule matches the operation is skipped.
func (e *Engine) Evaluate(op goi.Operation, rules []Rule, recentDeviations int) Decision {
	d := Decision{Decision: ActionSkip}
	for i := range rules {
		if !rules[i].Matches(op) {
			continue
		}
		rule := rules[i]
		d.MatchedRule = &rule
		d.Decision = rule.Action
		switch rule.Action {
		case ActionRequire:
			d.Required = true
		case ActionSmart:
			d.Score = SmartScore(op.Risk, recentDeviations)
			d.Required = d.Score >= SmartRequireScore
		}
		break
	}

	if d.Required {
		e.metrics.CheckpointDecision(string(ActionRequire))
	} else {
		e.metrics.CheckpointDecision(string(ActionSkip))
	}
	return d
}
