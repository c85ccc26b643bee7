package executor

import (
	"encoding/json"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/c360studio/goi/goi"
)

// CostEstimator converts the prompt size of a todo item into an estimated
// cost, which cost_threshold checkpoint rules compare against.
type CostEstimator struct {
	encoder        *tiktoken.Tiktoken
	encoding       string
	pricePerKToken float64
}

// NewCostEstimator creates an estimator for the given encoding. When the
// BPE tables cannot be loaded (offline hosts) it falls back to a character
// heuristic.
func NewCostEstimator(encoding string, pricePerKToken float64) *CostEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	e := &CostEstimator{encoding: encoding, pricePerKToken: pricePerKToken}
	if enc, err := tiktoken.GetEncoding(encoding); err == nil {
		e.encoder = enc
	}
	return e
}

// EncodingForModel maps a model name to its tiktoken encoding.
func EncodingForModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "chatgpt-4o"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

// Precise reports whether tiktoken is in use.
func (e *CostEstimator) Precise() bool {
	return e.encoder != nil
}

// CountTokens counts the tokens of text.
func (e *CostEstimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if e.encoder == nil {
		return approxTokens(text)
	}
	return len(e.encoder.Encode(text, nil, nil))
}

// EstimateItem returns the estimated cost of executing item.
func (e *CostEstimator) EstimateItem(item goi.TodoItem) float64 {
	tokens := e.CountTokens(item.Content)
	if len(item.Input) > 0 {
		if raw, err := json.Marshal(item.Input); err == nil {
			tokens += e.CountTokens(string(raw))
		}
	}
	return float64(tokens) / 1000 * e.pricePerKToken
}

// approxTokens estimates ~1.5 tokens per CJK rune and ~4 ASCII chars per token.
func approxTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int(float64(cjk)*1.5 + float64(other)*0.25)
	if n < 1 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
