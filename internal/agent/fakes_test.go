package agent

import (
	"context"
	"sync"

	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/query"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []llm.Reply
	errs    []error
	calls   int
	convLen []int
}

func (s *scriptedCompleter) Complete(_ context.Context, conv *llm.Conversation, _ []llm.Tool) (llm.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.convLen = append(s.convLen, conv.Len())
	if idx < len(s.errs) && s.errs[idx] != nil {
		return llm.Reply{}, s.errs[idx]
	}
	if len(s.replies) == 0 {
		return llm.Reply{}, nil
	}
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return s.replies[idx], nil
}

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeEngine struct {
	mu       sync.Mutex
	tables   map[string]query.Table
	results  map[string]query.Result
	execErr  error
	requests []query.Request
}

func (f *fakeEngine) Execute(_ context.Context, request query.Request) (query.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if f.execErr != nil {
		return query.Result{}, f.execErr
	}
	return f.results[request.SQL], nil
}

func (f *fakeEngine) ListTables(context.Context) ([]string, error) {
	names := make([]string, 0, len(f.tables))
	for name := range f.tables {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeEngine) DescribeTable(_ context.Context, name string) (query.Table, error) {
	table, ok := f.tables[name]
	if !ok {
		return query.Table{}, query.ErrTableNotFound
	}
	return table, nil
}

func salaryEngine() *fakeEngine {
	return &fakeEngine{
		tables: map[string]query.Table{
			"salaries_2023": {
				Name: "salaries_2023",
				Columns: []query.Column{
					{Name: "Department", Type: "VARCHAR", Nullable: true},
					{Name: "Base_Salary", Type: "DOUBLE", Nullable: true},
				},
			},
		},
		results: map[string]query.Result{
			`SELECT COUNT(*) FROM salaries_2023 WHERE Base_Salary > 100000`: {
				Columns: []string{"count_star()"},
				Rows:    [][]any{{int64(42)}},
			},
			`SELECT * FROM "salaries_2023" LIMIT 3`: {
				Columns: []string{"Department", "Base_Salary"},
				Rows:    [][]any{{"ABS", 175873.0}, {"BOA", 96000.0}, {"POL", 84000.0}},
			},
		},
	}
}

func toolCall(id, name, args string) llm.Reply {
	return llm.Reply{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

type staticCredentials struct {
	key string
}

func (s *staticCredentials) APIKey() (string, bool) {
	return s.key, s.key != ""
}
