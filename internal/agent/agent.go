package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/observability"
)

// StoppedOutput is returned as the answer when the step budget runs out.
const StoppedOutput = "Agent stopped due to iteration limit or time limit."

// ErrEmptyAnswer is reported when the model finishes without any answer text.
var ErrEmptyAnswer = errors.New("reasoning service returned an empty answer")

// ErrNotConfigured means the agent cannot be built yet because the credential
// or the dataset is missing.
var ErrNotConfigured = errors.New("agent is not configured")

type completer interface {
	Complete(ctx context.Context, conv *llm.Conversation, tools []llm.Tool) (llm.Reply, error)
}

// InvocationError wraps any failure of the reasoning service for a single
// question.
type InvocationError struct {
	Reason string
	Err    error
}

func (e *InvocationError) Error() string {
	return e.Reason
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

type Step struct {
	Tool        string        `json:"tool"`
	Input       string        `json:"input"`
	Observation string        `json:"observation"`
	Failed      bool          `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

type Result struct {
	Output   string        `json:"output"`
	SQL      string        `json:"sql,omitempty"`
	Steps    []Step        `json:"steps"`
	Stopped  bool          `json:"stopped"`
	Duration time.Duration `json:"duration"`
}

// Settings is the immutable configuration of a built agent.
type Settings struct {
	Model    string
	Dialect  string
	TopK     int
	MaxSteps int
	Policy   Policy
}

type Agent struct {
	client       completer
	toolkit      *Toolkit
	settings     Settings
	instructions string
	logger       *slog.Logger
}

func New(client completer, toolkit *Toolkit, settings Settings, logger *slog.Logger) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("completion client is required")
	}
	if toolkit == nil {
		return nil, fmt.Errorf("toolkit is required")
	}
	if settings.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	instructions, err := renderInstructions(settings.Dialect, settings.TopK, toolkit.promptTools())
	if err != nil {
		return nil, err
	}
	return &Agent{
		client:       client,
		toolkit:      toolkit,
		settings:     settings,
		instructions: instructions,
		logger:       logger,
	}, nil
}

func (a *Agent) Settings() Settings {
	return a.settings
}

func (a *Agent) Instructions() string {
	return a.instructions
}

// Run answers one question. The returned Output is the model's final text
// without any rewriting.
func (a *Agent) Run(ctx context.Context, question string) (Result, error) {
	start := time.Now()
	result := Result{Steps: []Step{}}
	conv := llm.NewConversation(a.instructions, question)
	tools := a.toolkit.Tools()

	for turn := 0; turn < a.settings.MaxSteps; turn++ {
		if err := ctx.Err(); err != nil {
			return result, a.fail(ctx, &result, start, err)
		}
		reply, err := a.client.Complete(ctx, conv, tools)
		if err != nil {
			return result, a.fail(ctx, &result, start, err)
		}

		if len(reply.ToolCalls) == 0 {
			output := finalAnswer(reply.Content)
			if strings.TrimSpace(output) == "" {
				return result, a.fail(ctx, &result, start, ErrEmptyAnswer)
			}
			result.Output = output
			result.Duration = time.Since(start)
			observability.ObserveAgentInvocation("answered", len(result.Steps), result.Duration)
			a.logger.InfoContext(ctx, "agent answered",
				append(observability.RequestAttrs(ctx),
					slog.Int("steps", len(result.Steps)),
					slog.Int64("duration_ms", result.Duration.Milliseconds()),
				)...,
			)
			return result, nil
		}

		for _, call := range reply.ToolCalls {
			stepStart := time.Now()
			outcome := a.toolkit.call(ctx, call.Name, call.Arguments)
			observability.IncrementAgentToolCall(call.Name, outcome.failed)
			if outcome.sql != "" {
				result.SQL = outcome.sql
			}
			result.Steps = append(result.Steps, Step{
				Tool:        call.Name,
				Input:       call.Arguments,
				Observation: outcome.observation,
				Failed:      outcome.failed,
				Duration:    time.Since(stepStart),
			})
			a.logger.DebugContext(ctx, "agent tool call",
				append(observability.RequestAttrs(ctx),
					slog.String("tool", call.Name),
					slog.Bool("failed", outcome.failed),
				)...,
			)
			conv.AddToolResult(call.ID, outcome.observation)
		}
	}

	result.Output = StoppedOutput
	result.Stopped = true
	result.Duration = time.Since(start)
	observability.ObserveAgentInvocation("stopped", len(result.Steps), result.Duration)
	a.logger.WarnContext(ctx, "agent hit step limit",
		append(observability.RequestAttrs(ctx), slog.Int("max_steps", a.settings.MaxSteps))...,
	)
	return result, nil
}

func (a *Agent) fail(ctx context.Context, result *Result, start time.Time, err error) error {
	result.Duration = time.Since(start)
	observability.ObserveAgentInvocation("error", len(result.Steps), result.Duration)
	a.logger.ErrorContext(ctx, "agent invocation failed",
		append(observability.RequestAttrs(ctx),
			slog.Int("steps", len(result.Steps)),
			slog.String("error", err.Error()),
		)...,
	)
	return &InvocationError{Reason: invocationReason(ctx, err), Err: err}
}

// finalAnswer keeps only the text after a "Final Answer:" label, which some
// models copy from the worked example along with their reasoning. Replies
// without the label are returned as written.
func finalAnswer(content string) string {
	const label = "Final Answer:"
	if idx := strings.LastIndex(content, label); idx >= 0 {
		return strings.TrimSpace(content[idx+len(label):])
	}
	return content
}

func invocationReason(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "request timed out: " + err.Error()
	}
	return err.Error()
}
