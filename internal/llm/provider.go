// Package llm talks to the language model: provider adapters, the retry
// policy and the gateway that persists every exchange.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/throw-if-null/prime/internal/api"
)

// Provider sends one chat request and returns the assistant's reply text.
type Provider interface {
	Name() string
	Chat(ctx context.Context, msgs []api.Message) (string, error)
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

type Options struct {
	Provider       string
	BaseURL        string
	Model          string
	APIKey         string
	MaxTokens      int
	RequestTimeout time.Duration
}

// NewProvider returns the adapter for opts.Provider. "ollama" talks to a
// local Ollama server directly; every other name is handed to gollm.
func NewProvider(opts Options) (Provider, error) {
	switch opts.Provider {
	case "", "ollama":
		return NewOllama(opts.BaseURL, opts.Model, opts.RequestTimeout), nil
	default:
		p, err := NewGollm(opts.Provider, opts.Model, opts.APIKey, opts.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", opts.Provider, err)
		}
		return p, nil
	}
}
