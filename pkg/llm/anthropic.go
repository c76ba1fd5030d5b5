package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kaya-dev/kaya/pkg/ratelimit"
)

// Vendor name used for rate limiting.
const vendorAnthropic = "anthropic"

// Anthropic is the Client implementation for the Anthropic Messages API.
type Anthropic struct {
	client  anthropic.Client
	limiter *ratelimit.Limiter
	pricing Pricing
}

// NewAnthropic creates a client with the given API key. limiter may be nil.
func NewAnthropic(apiKey string, limiter *ratelimit.Limiter, pricing Pricing) *Anthropic {
	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		limiter: limiter,
		pricing: pricing,
	}
}

// Complete runs one completion, blocking on the vendor rate limit first.
func (a *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, vendorAnthropic); err != nil {
			return Response{}, err
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return Response{
		Text:         sb.String(),
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      a.pricing.Cost(req.Model, in, out),
	}, nil
}
