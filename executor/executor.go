// Package executor defines the contracts of the opaque step executor and
// planner the GOI session manager drives, plus an OpenAI-compatible
// adapter and a token based cost estimator.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/goi/goi"
)

// StepRequest is the unit of work handed to a StepExecutor.
type StepRequest struct {
	SessionID string
	UserID    string
	Goal      string
	Item      goi.TodoItem
	StepCount int
}

// StepResult is what a StepExecutor returns for a successful step.
type StepResult struct {
	Output  string         `json:"output,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Tokens  int            `json:"tokens,omitempty"`
	Elapsed int64          `json:"elapsedMs,omitempty"`
}

// StepExecutor executes one todo item. Implementations classify failures
// with the Transient/Fatal/Input wrappers.
type StepExecutor interface {
	Execute(ctx context.Context, req StepRequest) (*StepResult, error)
}

// PlannedItem is one step proposed by a Planner.
type PlannedItem struct {
	Content   string         `json:"content"`
	Required  bool           `json:"required,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Operation *goi.Operation `json:"operation,omitempty"`
}

// Planner turns a goal into an ordered list of steps. done carries the
// items already finished when replanning from the middle of a plan.
type Planner interface {
	Plan(ctx context.Context, goal string, done []goi.TodoItem) ([]PlannedItem, error)
}

// OperationClassifier fills in the operation hint of an item that was
// planned without one, so checkpoint rules can be evaluated against it.
type OperationClassifier interface {
	Classify(item goi.TodoItem) goi.Operation
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, req StepRequest) (*StepResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req StepRequest) (*StepResult, error) {
	return f(ctx, req)
}

// StaticPlanner returns a single step that restates the goal. It is the
// planner used when no LLM endpoint is configured.
type StaticPlanner struct{}

// Plan implements Planner.
func (StaticPlanner) Plan(_ context.Context, goal string, _ []goi.TodoItem) ([]PlannedItem, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, NewFatalError(fmt.Errorf("goal is empty"))
	}
	return []PlannedItem{{Content: goal, Required: true}}, nil
}

// EchoExecutor completes every step by echoing its content and input.
// It is the executor used when no LLM endpoint is configured.
type EchoExecutor struct{}

// Execute implements StepExecutor.
func (EchoExecutor) Execute(ctx context.Context, req StepRequest) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StepResult{Output: req.Item.Content, Data: req.Item.Input}, nil
}

// KeywordClassifier derives an operation hint from the item input and
// content. Explicit input keys win over keywords.
type KeywordClassifier struct {
	Estimator *CostEstimator
}

var kindKeywords = []struct {
	kind     goi.OperationKind
	risk     goi.RiskClass
	keywords []string
}{
	{goi.OperationDelete, goi.RiskHigh, []string{"delete", "remove", "drop", "删除"}},
	{goi.OperationResourceSelection, goi.RiskMedium, []string{"select", "choose", "pick", "选择"}},
	{goi.OperationCreate, goi.RiskLow, []string{"create", "add", "new", "创建"}},
	{goi.OperationUpdate, goi.RiskMedium, []string{"update", "edit", "modify", "修改"}},
	{goi.OperationExecute, goi.RiskMedium, []string{"run", "execute", "start", "执行"}},
}

// Classify implements OperationClassifier.
func (c KeywordClassifier) Classify(item goi.TodoItem) goi.Operation {
	op := goi.Operation{Kind: goi.OperationGeneric, Risk: goi.RiskLow, Input: item.Input}

	content := strings.ToLower(item.Content)
	for _, k := range kindKeywords {
		if containsAny(content, k.keywords) {
			op.Kind = k.kind
			op.Risk = k.risk
			break
		}
	}
	if op.Kind == goi.OperationDelete {
		op.Irreversible = true
	}

	if v, ok := item.Input["resource"].(string); ok {
		op.Resource = v
	}
	if v, ok := item.Input["kind"].(string); ok && v != "" {
		op.Kind = goi.OperationKind(v)
	}
	if v, ok := item.Input["risk"].(string); ok && v != "" {
		op.Risk = goi.RiskClass(v)
	}
	if v, ok := item.Input["irreversible"].(bool); ok {
		op.Irreversible = v
	}
	if v, ok := numeric(item.Input["estimatedCost"]); ok {
		op.EstimatedCost = v
	} else if c.Estimator != nil {
		op.EstimatedCost = c.Estimator.EstimateItem(item)
	}
	return op
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
