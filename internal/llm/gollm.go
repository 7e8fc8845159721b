package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"

	"github.com/throw-if-null/prime/internal/api"
)

// Gollm adapts the hosted providers supported by gollm (openai, anthropic,
// groq, mistral, ...). gollm takes a single prompt, so the conversation is
// flattened: system messages become the system prompt and earlier turns are
// inlined in order.
type Gollm struct {
	provider string
	generate func(ctx context.Context, p *gollm.Prompt) (string, error)
}

func NewGollm(provider, model, apiKey string, maxTokens int) (*Gollm, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(0.7),
		gollm.SetMaxRetries(0), // the gateway retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}
	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, err
	}
	return &Gollm{
		provider: provider,
		generate: func(ctx context.Context, p *gollm.Prompt) (string, error) {
			return llm.Generate(ctx, p)
		},
	}, nil
}

func (g *Gollm) Name() string { return g.provider }

func (g *Gollm) Chat(ctx context.Context, msgs []api.Message) (string, error) {
	system, text := flatten(msgs)
	var popts []gollm.PromptOption
	if system != "" {
		popts = append(popts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	out, err := g.generate(ctx, gollm.NewPrompt(text, popts...))
	if err != nil {
		return "", g.translateError(ctx, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyReply
	}
	return out, nil
}

func flatten(msgs []api.Message) (system, text string) {
	var sys []string
	var parts []string
	for _, m := range msgs {
		switch m.Role {
		case api.RoleSystem:
			sys = append(sys, m.Content)
		case api.RoleAssistant:
			if m.Content != "" {
				parts = append(parts, "[Assistant]: "+m.Content)
			}
		default:
			parts = append(parts, m.Content)
		}
	}
	return strings.TrimSpace(strings.Join(sys, "\n")), strings.Join(parts, "\n")
}

// translateError classifies a gollm error by its message, since gollm does
// not expose status codes.
func (g *Gollm) translateError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := strings.ToLower(err.Error())
	te := &TransportError{Provider: g.provider, Cause: err, Retryable: true}
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key"):
		te.StatusCode, te.Retryable = 401, false
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		te.StatusCode, te.Retryable = 403, false
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		te.StatusCode, te.Retryable = 404, false
	case strings.Contains(msg, "context length") || strings.Contains(msg, "too many tokens"):
		te.StatusCode, te.Retryable = 413, false
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		te.StatusCode = 429
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal server"):
		te.StatusCode = 500
	}
	return fmt.Errorf("gollm generate: %w", te)
}
