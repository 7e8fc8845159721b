package llm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/audit"
	"github.com/throw-if-null/prime/internal/prompt"
)

// TurnStore persists the conversation of a task.
type TurnStore interface {
	AppendTurn(ctx context.Context, taskID int64, role api.Role, content string) error
}

type Auditor interface {
	Record(ctx context.Context, taskID int64, kind audit.Kind, content string)
}

// Gateway sends a task's conversation to the provider with retries and
// records both sides of every exchange. It never fails: when every attempt
// is exhausted it answers with a fallback script that reports the error.
type Gateway struct {
	provider Provider
	turns    TurnStore
	audit    Auditor
	policy   RetryPolicy
	logger   *zap.Logger
}

func NewGateway(p Provider, turns TurnStore, a Auditor, policy RetryPolicy, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{provider: p, turns: turns, audit: a, policy: policy, logger: logger}
}

func (g *Gateway) Provider() Provider { return g.provider }

// Ask sends msgs (history plus the new prompt as the last element) and
// returns the reply. The prompt is persisted before the call, the reply only
// on success.
func (g *Gateway) Ask(ctx context.Context, taskID int64, msgs []api.Message) string {
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if err := g.turns.AppendTurn(ctx, taskID, api.RoleUser, last.Content); err != nil {
			g.logger.Warn("persist prompt", zap.Int64("task_id", taskID), zap.Error(err))
		}
		g.audit.Record(ctx, taskID, audit.SystemToLLM, last.Content)
	}

	req := make([]api.Message, 0, len(msgs)+1)
	req = append(req, api.Message{Role: api.RoleSystem, Content: prompt.SystemInstruction})
	req = append(req, msgs...)

	policy := g.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		g.logger.Warn("llm request failed, retrying",
			zap.Int64("task_id", taskID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		trace.SpanFromContext(ctx).AddEvent("llm.retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))
		if g.policy.OnRetry != nil {
			g.policy.OnRetry(err, attempt, delay)
		}
	}

	reply, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return g.provider.Chat(ctx, req)
	})
	if err != nil {
		g.logger.Error("llm request failed", zap.Int64("task_id", taskID), zap.String("provider", g.provider.Name()), zap.Error(err))
		g.audit.Record(ctx, taskID, audit.SystemError, fmt.Sprintf("Failed to communicate with the LLM: %v", err))
		return Fallback(err)
	}

	if err := g.turns.AppendTurn(ctx, taskID, api.RoleAssistant, reply); err != nil {
		g.logger.Warn("persist reply", zap.Int64("task_id", taskID), zap.Error(err))
	}
	g.audit.Record(ctx, taskID, audit.LLMToSystem, reply)
	return reply
}

// Fallback is the reply substituted when the model cannot be reached. It is
// a script directive so the failure surfaces as ordinary step output.
func Fallback(err error) string {
	return "#PY\nprint(\"ERROR: Failed to communicate with the LLM. Please check the model server.\")\nprint(" +
		strconv.Quote(err.Error()) + ")"
}
