package aiprovider

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/partstream/backend/internal/fault"
)

const anthropicDefaultModel = "claude-3-5-haiku-latest"

const anthropicSystemPrompt = `You are an electronics component data assistant.
Given a part number, manufacturer, and known parameters, respond with exactly
one JSON object of the form {"description": "...", "category": "...",
"confidence": 0.0} and nothing else. The description is a terse catalog line
(max 120 chars). The category is a standard distributor category. Confidence
is your certainty in [0,1]. Never invent electrical values not implied by the
input.`

// AnthropicProvider asks Claude for a catalog-style description when the
// suppliers returned too little to describe the part.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = anthropicDefaultModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// NewAnthropicFromEnv returns nil when ANTHROPIC_API_KEY is unset.
func NewAnthropicFromEnv() *AnthropicProvider {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil
	}
	return NewAnthropicProvider(key, os.Getenv("ANTHROPIC_MODEL"))
}

func (a *AnthropicProvider) Name() string  { return "anthropic" }
func (a *AnthropicProvider) Priority() int { return 10 }

func (a *AnthropicProvider) Describe(ctx context.Context, req Request) (*Suggestion, error) {
	prompt, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "aiprovider.anthropic", err)
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: anthropicSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(prompt))),
		},
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "aiprovider.anthropic", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}
	return parseSuggestion(text.String())
}

// parseSuggestion extracts the JSON object from a model reply, tolerating
// prose or code fences around it.
func parseSuggestion(reply string) (*Suggestion, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fault.New(fault.KindPermanent, "aiprovider.anthropic", "no JSON object in model reply")
	}

	var sug Suggestion
	if err := json.Unmarshal([]byte(reply[start:end+1]), &sug); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "aiprovider.anthropic", err)
	}
	if sug.Confidence == 0 {
		sug.Confidence = 0.5
	}
	return &sug, nil
}
