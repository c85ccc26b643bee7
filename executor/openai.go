package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/c360studio/goi/goi"
)

// OpenAIConfig configures the OpenAI-compatible executor and planner.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// OpenAIClient executes steps and generates plans through any
// OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}
	config.HTTPClient = httpClient

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
	}
}

const stepSystemPrompt = `You are an agent executing one step of a plan on behalf of a user.
Perform the step described by the user message and reply with a JSON object:
{"output": "<short summary of what was done>", "data": {<structured results>}}`

const planSystemPrompt = `You are a planner. Break the user's goal into a short ordered list of steps.
Reply with a JSON array only. Each element is an object:
{"content": "<step>", "required": true|false, "input": {<parameters>},
 "operation": {"kind": "generic|resource_selection|create|update|delete|execute", "resource": "<name>", "risk": "low|medium|high|critical", "irreversible": false}}`

// Execute implements StepExecutor.
func (c *OpenAIClient) Execute(ctx context.Context, req StepRequest) (*StepResult, error) {
	input, err := json.Marshal(req.Item.Input)
	if err != nil {
		return nil, NewInputError(fmt.Errorf("marshal step input: %w", err))
	}
	prompt := fmt.Sprintf("Goal: %s\nStep %d: %s\nInput: %s", req.Goal, req.StepCount+1, req.Item.Content, input)

	start := time.Now()
	content, tokens, err := c.complete(ctx, stepSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	result := &StepResult{Output: content, Tokens: tokens, Elapsed: time.Since(start).Milliseconds()}
	if raw := firstJSONObject(content); raw != "" {
		var parsed struct {
			Output string         `json:"output"`
			Data   map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			if parsed.Output != "" {
				result.Output = parsed.Output
			}
			result.Data = parsed.Data
		}
	}
	return result, nil
}

// Plan implements Planner.
func (c *OpenAIClient) Plan(ctx context.Context, goal string, done []goi.TodoItem) ([]PlannedItem, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if len(done) > 0 {
		b.WriteString("Already finished (do not repeat):\n")
		for _, item := range done {
			fmt.Fprintf(&b, "- %s\n", item.Content)
		}
	}

	content, _, err := c.complete(ctx, planSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}
	return parsePlan(content)
}

func parsePlan(content string) ([]PlannedItem, error) {
	raw := firstJSONArray(content)
	if raw == "" {
		return nil, NewTransientError(fmt.Errorf("no JSON array in planner reply"))
	}
	var items []PlannedItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, NewTransientError(fmt.Errorf("parse planner reply: %w", err))
	}
	out := items[:0]
	for _, item := range items {
		if strings.TrimSpace(item.Content) != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil, NewTransientError(fmt.Errorf("planner returned no steps"))
	}
	return out, nil
}

func (c *OpenAIClient) complete(ctx context.Context, system, user string) (string, int, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", 0, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, NewTransientError(fmt.Errorf("empty completion"))
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

func classifyAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return NewTransientError(fmt.Errorf("chat completion: %w", err))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewInputError(fmt.Errorf("chat completion: %w", err))
	case status >= 400:
		return NewFatalError(fmt.Errorf("chat completion: %w", err))
	default:
		return NewTransientError(fmt.Errorf("chat completion: %w", err))
	}
}
