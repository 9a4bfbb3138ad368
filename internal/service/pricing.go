package service

import "github.com/anthropics/anthropic-sdk-go"

// Usage is the token consumption reported for one model completion.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// PricingPolicy converts usage into the number of tokens to debit.
type PricingPolicy func(Usage) int64

// CompletionMultiplier charges k ledger tokens per completion token; prompt tokens are free.
func CompletionMultiplier(k int64) PricingPolicy {
	return func(u Usage) int64 {
		if u.CompletionTokens <= 0 {
			return 0
		}
		return u.CompletionTokens * k
	}
}

// UsageFromAnthropic maps the usage block of a Messages API response.
// Cache reads and writes count as prompt tokens.
func UsageFromAnthropic(u anthropic.Usage) Usage {
	return Usage{
		PromptTokens:     u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
		CompletionTokens: u.OutputTokens,
	}
}
