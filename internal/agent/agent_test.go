package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duckmesh/sqlagent/internal/llm"
)

const answer42 = "There were 42 matches.\n\nExplanation:\nI counted rows with `Base_Salary > 100000`.\n\n```sql\nSELECT COUNT(*) FROM salaries_2023 WHERE Base_Salary > 100000\n```"

func newTestAgent(t *testing.T, client completer, engine *fakeEngine, settings Settings) *Agent {
	t.Helper()
	if settings.MaxSteps == 0 {
		settings.MaxSteps = 15
	}
	if settings.TopK == 0 {
		settings.TopK = 30
	}
	if settings.Dialect == "" {
		settings.Dialect = "DuckDB"
	}
	a, err := New(client, NewToolkit(engine, client, settings.Dialect, settings.TopK, settings.Policy), settings, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestRunReturnsFinalAnswerVerbatim(t *testing.T) {
	client := &scriptedCompleter{replies: []llm.Reply{
		toolCall("call_1", ToolQuery, `{"query":"SELECT COUNT(*) FROM salaries_2023 WHERE Base_Salary > 100000"}`),
		{Content: answer42},
	}}
	a := newTestAgent(t, client, salaryEngine(), Settings{})

	result, err := a.Run(context.Background(), "How many employees earn more than $100,000?")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Output != answer42 {
		t.Fatalf("Output = %q, want verbatim answer", result.Output)
	}
	if result.SQL != "SELECT COUNT(*) FROM salaries_2023 WHERE Base_Salary > 100000" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if len(result.Steps) != 1 || result.Steps[0].Observation != "[(42,)]" {
		t.Fatalf("Steps = %#v", result.Steps)
	}
	// The fake does not append the assistant turn, so only the tool result
	// is added between calls.
	if client.convLen[0] != 2 || client.convLen[1] != 3 {
		t.Fatalf("conversation lengths = %v", client.convLen)
	}
}

func TestRunStopsAtStepLimit(t *testing.T) {
	client := &scriptedCompleter{replies: []llm.Reply{toolCall("call", ToolListTables, `{}`)}}
	a := newTestAgent(t, client, salaryEngine(), Settings{MaxSteps: 3})

	result, err := a.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Stopped || result.Output != StoppedOutput {
		t.Fatalf("result = %+v", result)
	}
	if client.callCount() != 3 {
		t.Fatalf("completion calls = %d, want 3", client.callCount())
	}
	if len(result.Steps) != 3 {
		t.Fatalf("steps = %d", len(result.Steps))
	}
}

func TestRunWrapsServiceFailure(t *testing.T) {
	client := &scriptedCompleter{errs: []error{errors.New("401 invalid api key")}}
	a := newTestAgent(t, client, salaryEngine(), Settings{})

	_, err := a.Run(context.Background(), "anything")
	var invocationErr *InvocationError
	if !errors.As(err, &invocationErr) {
		t.Fatalf("error = %T %v, want *InvocationError", err, err)
	}
	if !strings.Contains(invocationErr.Reason, "invalid api key") {
		t.Fatalf("Reason = %q", invocationErr.Reason)
	}
}

func TestRunFeedsQueryErrorsBackToModel(t *testing.T) {
	engine := salaryEngine()
	engine.execErr = errors.New(`Binder Error: column "salary" not found`)
	client := &scriptedCompleter{replies: []llm.Reply{
		toolCall("call_1", ToolQuery, `{"query":"SELECT salary FROM salaries_2023"}`),
		{Content: "I don't know"},
	}}
	a := newTestAgent(t, client, engine, Settings{})

	result, err := a.Run(context.Background(), "what is the salary?")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	step := result.Steps[0]
	if !step.Failed || !strings.HasPrefix(step.Observation, "Error: Binder Error") {
		t.Fatalf("step = %#v", step)
	}
	if result.Output != "I don't know" {
		t.Fatalf("Output = %q", result.Output)
	}
}

func TestRunRecoversAfterTimeout(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"There were 42 matches."}}]}`))
	}))
	defer server.Close()

	client, err := llm.New(llm.Config{BaseURL: server.URL, APIKey: "gsk", Model: "m", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("llm.New() error = %v", err)
	}
	a := newTestAgent(t, client, salaryEngine(), Settings{})

	_, err = a.Run(context.Background(), "first")
	var invocationErr *InvocationError
	if !errors.As(err, &invocationErr) || invocationErr.Reason == "" {
		t.Fatalf("first Run() error = %v, want InvocationError with reason", err)
	}

	result, err := a.Run(context.Background(), "second")
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if result.Output != "There were 42 matches." {
		t.Fatalf("Output = %q", result.Output)
	}
}

func TestFinalAnswerStripsLabel(t *testing.T) {
	got := finalAnswer("Thought: I now know the final answer\nFinal Answer: There were 7.\n\nExplanation: counted")
	if got != "There were 7.\n\nExplanation: counted" {
		t.Fatalf("finalAnswer() = %q", got)
	}
	if got := finalAnswer("plain"); got != "plain" {
		t.Fatalf("finalAnswer() = %q", got)
	}
}

func TestInstructionsCarryDialectAndTopK(t *testing.T) {
	a := newTestAgent(t, &scriptedCompleter{}, salaryEngine(), Settings{Dialect: "DuckDB", TopK: 30})
	instructions := a.Instructions()
	for _, want := range []string{"syntactically correct DuckDB query", "at most 30 results", "Explanation:", ToolQueryChecker} {
		if !strings.Contains(instructions, want) {
			t.Fatalf("instructions missing %q", want)
		}
	}
}

func TestRunReportsEmptyAnswer(t *testing.T) {
	for _, content := range []string{"", "  \n", "Thought: done\nFinal Answer:"} {
		client := &scriptedCompleter{replies: []llm.Reply{{Content: content}}}
		a := newTestAgent(t, client, salaryEngine(), Settings{})

		result, err := a.Run(context.Background(), "how many?")
		var invocationErr *InvocationError
		if !errors.As(err, &invocationErr) {
			t.Fatalf("content %q: error = %v, want *InvocationError", content, err)
		}
		if !errors.Is(err, ErrEmptyAnswer) || invocationErr.Reason != ErrEmptyAnswer.Error() {
			t.Fatalf("content %q: error = %v", content, err)
		}
		if result.Output != "" {
			t.Fatalf("content %q: Output = %q", content, result.Output)
		}
	}
}

func TestRunStopsWhenDeadlinePasses(t *testing.T) {
	client := &scriptedCompleter{replies: []llm.Reply{toolCall("call", ToolListTables, `{}`)}}
	a := newTestAgent(t, client, salaryEngine(), Settings{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err := a.Run(ctx, "anything")
	var invocationErr *InvocationError
	if !errors.As(err, &invocationErr) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if !strings.HasPrefix(invocationErr.Reason, "request timed out: ") {
		t.Fatalf("Reason = %q", invocationErr.Reason)
	}
	if client.callCount() != 0 {
		t.Fatalf("completion calls = %d, want 0", client.callCount())
	}
}
