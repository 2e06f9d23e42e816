package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arenahq/crucible/internal/pricing"
)

// APIInvoker performs single-shot calls through the Anthropic API. The trial
// pipeline uses it for planning, evaluation planning and verdict synthesis,
// which are pure prompt-in/text-out steps with no tool access.
type APIInvoker struct {
	client  anthropic.Client
	pricing *pricing.Table
}

// NewAPIInvoker creates an API-backed invoker. The pricing table may be nil,
// in which case results carry zero cost.
func NewAPIInvoker(apiKey string, table *pricing.Table) (*APIInvoker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return &APIInvoker{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		pricing: table,
	}, nil
}

func (a *APIInvoker) Invoke(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	emit(Event{Type: EventInit})

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(8192),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result := failedResult(fmt.Sprintf("api call: %v", err))
		emit(Event{Type: EventResult, Result: result})
		return result, nil
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	emit(Event{Type: EventAssistant, Text: text})

	inTok := int(resp.Usage.InputTokens)
	outTok := int(resp.Usage.OutputTokens)
	result := &Result{
		Success:      true,
		Output:       text,
		Turns:        1,
		InputTokens:  inTok,
		OutputTokens: outTok,
		CostUSD:      a.pricing.Cost("anthropic", req.Model, inTok, outTok),
	}
	emit(Event{Type: EventResult, Result: result})
	return result, nil
}

// StripJSONFences removes the markdown code fences models sometimes wrap
// around JSON answers.
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
