package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/throw-if-null/prime/internal/api"
)

const maxErrorBody = 4 << 10

// Ollama is a provider for the Ollama chat API.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []api.Message `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

func (o *Ollama) Chat(ctx context.Context, msgs []api.Message) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{Model: o.model, Messages: msgs})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", &TransportError{Provider: o.Name(), Retryable: ctx.Err() == nil, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", statusError(o.Name(), resp.StatusCode, string(b))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama reply: %w", err)
	}
	if out.Error != "" {
		return "", &TransportError{Provider: o.Name(), Retryable: true, Cause: fmt.Errorf("%s", out.Error)}
	}
	text := strings.TrimSpace(out.Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// Models lists the models installed on the server.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: o.Name(), Retryable: true, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(o.Name(), resp.StatusCode, string(b))
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}
