package reasoner

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider is the concrete default Reasoner provider (spec §9
// treats the provider as opaque; this is the one the service wires by
// default). Per-model pricing is approximate and only used to populate
// Usage.CostUSD for the surfaced cost_accum (SPEC_FULL "Supplemented
// features").
type AnthropicProvider struct {
	client       anthropic.Client
	model        anthropic.Model
	maxTokens    int64
	inputPerMTok float64
	outputPerMTok float64
}

// NewAnthropicProvider constructs a Provider backed by the Anthropic API.
func NewAnthropicProvider(apiKey string, model anthropic.Model, maxTokens int64) *AnthropicProvider {
	return &AnthropicProvider{
		client:        anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:         model,
		maxTokens:     maxTokens,
		inputPerMTok:  3.0,
		outputPerMTok: 15.0,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic completion: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", Usage{}, fmt.Errorf("anthropic response had no text content")
	}

	usage := Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD: float64(resp.Usage.InputTokens)/1_000_000*p.inputPerMTok +
			float64(resp.Usage.OutputTokens)/1_000_000*p.outputPerMTok,
	}
	return text, usage, nil
}
