// Package llm wraps the model vendors behind one completion interface. The
// orchestrator and workers only see Client; vendor envelopes stay here.
package llm

import (
	"context"

	"github.com/kaya-dev/kaya/pkg/config"
)

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response carries the completion plus the usage needed for cost tracking.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Client is the completion contract all workers use.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Pricing computes call cost from a per-model price table.
type Pricing struct {
	prices map[string]config.ModelPrice
}

// NewPricing builds a pricing table from configuration.
func NewPricing(models config.ModelsConfig) Pricing {
	return Pricing{prices: models.Prices}
}

// Cost returns the USD cost of a call. Unknown models cost zero — the
// budget layer treats that as "unpriced", not free lunch, and the ledger
// still records token counts.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p.prices[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*price.InputPerMTokUSD +
		float64(outputTokens)/1e6*price.OutputPerMTokUSD
}
