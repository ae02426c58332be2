// Package metering holds the per-model pricing table backing product
// lookups and cost estimation.
package metering

import "sync"

// CostEngine calculates request costs based on token usage and pricing.
type CostEngine struct {
	mu      sync.RWMutex
	pricing map[string]ModelPrice
}

// ModelPrice holds per-model pricing.
type ModelPrice struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	InputPer1M  float64 `json:"input_per_1m"`  // USD per 1M input tokens
	OutputPer1M float64 `json:"output_per_1m"` // USD per 1M output tokens
	Free        bool    `json:"free"`
}

// NewCostEngine creates a cost engine with default pricing.
func NewCostEngine() *CostEngine {
	return &CostEngine{
		pricing: defaultPricing(),
	}
}

// Calculate computes the USD cost for a completed request.
func (ce *CostEngine) Calculate(provider, model string, inputTokens, outputTokens int) float64 {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	key := provider + "/" + model
	if p, ok := ce.pricing[key]; ok {
		if p.Free {
			return 0
		}
		return float64(inputTokens)/1_000_000*p.InputPer1M + float64(outputTokens)/1_000_000*p.OutputPer1M
	}

	if p, ok := ce.pricing[model]; ok {
		if p.Free {
			return 0
		}
		return float64(inputTokens)/1_000_000*p.InputPer1M + float64(outputTokens)/1_000_000*p.OutputPer1M
	}

	return 0
}

// IsFree returns true if the model is free to use.
func (ce *CostEngine) IsFree(model string) bool {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	if p, ok := ce.pricing[model]; ok {
		return p.Free
	}
	return false
}

// HasPricing reports whether the model has a configured pricing entry,
// either under "provider/model" or bare "model"; with an empty provider,
// an entry for model under any provider also counts.
func (ce *CostEngine) HasPricing(provider, model string) bool {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	if _, ok := ce.pricing[provider+"/"+model]; ok {
		return true
	}
	if provider == "" {
		for _, p := range ce.pricing {
			if p.Model == model {
				return true
			}
		}
	}
	_, ok := ce.pricing[model]
	return ok
}

// UpdatePricing updates the pricing for a specific model.
func (ce *CostEngine) UpdatePricing(provider, model string, price ModelPrice) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.pricing[provider+"/"+model] = price
}

func defaultPricing() map[string]ModelPrice {
	return map[string]ModelPrice{
		"openai/gpt-4o":               {Provider: "openai", Model: "gpt-4o", InputPer1M: 2.50, OutputPer1M: 10.00},
		"openai/gpt-4o-mini":          {Provider: "openai", Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.60},
		"openai/gpt-4-turbo":          {Provider: "openai", Model: "gpt-4-turbo", InputPer1M: 10.00, OutputPer1M: 30.00},
		"openai/gpt-3.5-turbo":        {Provider: "openai", Model: "gpt-3.5-turbo", InputPer1M: 0.50, OutputPer1M: 1.50},
		"openai/o1":                   {Provider: "openai", Model: "o1", InputPer1M: 15.00, OutputPer1M: 60.00},
		"openai/o1-mini":              {Provider: "openai", Model: "o1-mini", InputPer1M: 3.00, OutputPer1M: 12.00},
		"anthropic/claude-3-opus":     {Provider: "anthropic", Model: "claude-3-opus", InputPer1M: 15.00, OutputPer1M: 75.00},
		"anthropic/claude-3-sonnet":   {Provider: "anthropic", Model: "claude-3-sonnet", InputPer1M: 3.00, OutputPer1M: 15.00},
		"anthropic/claude-3-haiku":    {Provider: "anthropic", Model: "claude-3-haiku", InputPer1M: 0.25, OutputPer1M: 1.25},
		"anthropic/claude-3.5-sonnet": {Provider: "anthropic", Model: "claude-3.5-sonnet", InputPer1M: 3.00, OutputPer1M: 15.00},
		"google/gemini-1.5-pro":       {Provider: "google", Model: "gemini-1.5-pro", InputPer1M: 1.25, OutputPer1M: 5.00},
		"google/gemini-1.5-flash":     {Provider: "google", Model: "gemini-1.5-flash", InputPer1M: 0.075, OutputPer1M: 0.30},
		"google/gemini-2.0-flash":     {Provider: "google", Model: "gemini-2.0-flash", InputPer1M: 0.10, OutputPer1M: 0.40},
		"groq/llama-3.1-70b":          {Provider: "groq", Model: "llama-3.1-70b", Free: true},
		"groq/llama-3.1-8b":           {Provider: "groq", Model: "llama-3.1-8b", Free: true},
		"groq/mixtral-8x7b":           {Provider: "groq", Model: "mixtral-8x7b", Free: true},
	}
}
