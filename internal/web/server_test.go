package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duckmesh/sqlagent/internal/agent"
	"github.com/duckmesh/sqlagent/internal/credential"
	"github.com/duckmesh/sqlagent/internal/dataset"
	"github.com/duckmesh/sqlagent/internal/history"
	"github.com/duckmesh/sqlagent/internal/query"
)

const answer42 = "There were 42 matches.\n\nExplanation: I counted rows with `SELECT COUNT(*)`."

func TestAskWithoutCredentialMakesNoCall(t *testing.T) {
	env := newTestEnv(t, "")
	b := env.browser()

	rr := b.post("/ask", url.Values{"question": {"How many employees?"}})
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rr.Code)
	}
	if env.asker.count() != 0 || env.agentBuilds != 0 {
		t.Fatalf("agent called without credential: runs=%d builds=%d", env.asker.count(), env.agentBuilds)
	}

	page := b.get("/").Body.String()
	if !strings.Contains(page, msgNeedCredential) {
		t.Fatal("page does not ask for the credential")
	}
	if !strings.Contains(page, `data-phase="no_credential"`) {
		t.Fatal("phase is not no_credential")
	}
	if !strings.Contains(page, `class="primary" disabled`) {
		t.Fatal("Run Query button should be disabled")
	}
}

func TestCredentialEntryEnablesQueries(t *testing.T) {
	env := newTestEnv(t, "")
	b := env.browser()

	b.post("/credential", url.Values{"api_key": {"gsk-typed"}})
	page := b.get("/").Body.String()
	if !strings.Contains(page, msgCredentialSaved) {
		t.Fatal("missing confirmation notice")
	}
	if !strings.Contains(page, `data-phase="ready"`) {
		t.Fatalf("phase not ready:\n%s", page)
	}
	if key, ok := env.creds.APIKey(); !ok || key != "gsk-typed" {
		t.Fatalf("APIKey() = %q, %v", key, ok)
	}

	b.post("/credential", url.Values{"api_key": {"another"}})
	if !strings.Contains(b.get("/").Body.String(), msgCredentialSet) {
		t.Fatal("second credential entry should warn")
	}
}

func TestMissingDatasetDisablesQueries(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.status = dataset.Status{Message: "CSV file not found at ./data/salaries_2023.csv"}
	b := env.browser()

	b.post("/ask", url.Values{"question": {"anything"}})
	b.post("/preview", nil)
	if env.asker.count() != 0 || env.preview.count() != 0 {
		t.Fatal("query actions ran without data")
	}
	page := b.get("/").Body.String()
	if !strings.Contains(page, `data-phase="no_data"`) {
		t.Fatal("phase is not no_data")
	}
	if !strings.Contains(page, "CSV file not found at ./data/salaries_2023.csv") {
		t.Fatal("dataset message not shown")
	}
}

func TestEmptyQuestionWarns(t *testing.T) {
	env := newTestEnv(t, "gsk")
	b := env.browser()

	b.post("/ask", url.Values{"question": {"   "}})
	if env.asker.count() != 0 {
		t.Fatal("agent called for empty question")
	}
	if !strings.Contains(b.get("/").Body.String(), msgEnterQuestion) {
		t.Fatal("missing empty question warning")
	}
}

func TestAnswerRenderedVerbatim(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.asker.results = []askResult{{result: agent.Result{Output: answer42, SQL: "SELECT COUNT(*) FROM salaries_2023"}}}
	b := env.browser()

	b.post("/ask", url.Values{"question": {"How many matches?"}})
	page := b.get("/").Body.String()
	if !strings.Contains(page, `data-phase="answered"`) {
		t.Fatal("phase is not answered")
	}
	if !strings.Contains(page, "<pre class=\"copy\">There were 42 matches.\n\nExplanation: I counted rows with `SELECT COUNT(*)`.</pre>") {
		t.Fatalf("copy block does not hold the verbatim answer:\n%s", page)
	}
	if !strings.Contains(page, "<p>There were 42 matches.</p>") {
		t.Fatal("markdown answer not rendered")
	}
	if len(env.recorder.entries) != 1 || env.recorder.entries[0].Answer != answer42 {
		t.Fatalf("history = %+v", env.recorder.entries)
	}
}

func TestSampleQuestionMatchesTypedQuestion(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.asker.results = []askResult{{result: agent.Result{Output: "ok"}}}
	b := env.browser()

	b.post("/sample", url.Values{"index": {"1"}})
	b.post("/ask", url.Values{"question": {SampleQuestions[1]}})

	questions := env.asker.seen()
	if len(questions) != 2 {
		t.Fatalf("questions = %v", questions)
	}
	if questions[0] != questions[1] || questions[0] != "How many employees earn more than $100,000?" {
		t.Fatalf("questions differ: %q vs %q", questions[0], questions[1])
	}
}

func TestUnknownSampleIndex(t *testing.T) {
	env := newTestEnv(t, "gsk")
	b := env.browser()
	b.post("/sample", url.Values{"index": {"99"}})
	if env.asker.count() != 0 {
		t.Fatal("agent called for unknown sample")
	}
	if !strings.Contains(b.get("/").Body.String(), msgUnknownSample) {
		t.Fatal("missing unknown sample warning")
	}
}

func TestFailureThenSuccessRecovers(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.asker.results = []askResult{
		{err: &agent.InvocationError{Reason: "request timed out: context deadline exceeded"}},
		{result: agent.Result{Output: "There were 42 matches."}},
	}
	b := env.browser()

	b.post("/ask", url.Values{"question": {"first"}})
	page := b.get("/").Body.String()
	if !strings.Contains(page, "An error occurred: request timed out: context deadline exceeded") {
		t.Fatal("failure reason not shown")
	}
	if !strings.Contains(page, "Verify your Groq API key is valid") {
		t.Fatal("troubleshooting list not shown")
	}

	b.post("/ask", url.Values{"question": {"second"}})
	page = b.get("/").Body.String()
	if strings.Contains(page, "An error occurred") {
		t.Fatal("stale failure still shown")
	}
	if !strings.Contains(page, "There were 42 matches.") {
		t.Fatal("second answer not shown")
	}
	if len(env.recorder.entries) != 2 || env.recorder.entries[0].Error == "" {
		t.Fatalf("history = %+v", env.recorder.entries)
	}
}

func TestOverlappingSubmissionIsRejected(t *testing.T) {
	env := newTestEnv(t, "gsk")
	b := env.browser()
	b.get("/")

	sess, ok := env.server.sessions.get(b.sessionID())
	if !ok {
		t.Fatal("session not found")
	}
	sess.busy.Lock()
	b.post("/ask", url.Values{"question": {"second tab"}})
	page := b.get("/").Body.String()
	sess.busy.Unlock()

	if env.asker.count() != 0 {
		t.Fatal("overlapping submission reached the agent")
	}
	if !strings.Contains(page, msgBusy) {
		t.Fatal("missing busy warning")
	}
	if !strings.Contains(page, `data-phase="processing"`) {
		t.Fatal("phase is not processing")
	}
}

func TestPreviewShowsRowsAndErrors(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.preview.result = query.Result{
		Columns: []string{"Department", "Base_Salary"},
		Rows:    [][]any{{"ABS", 175873.0}},
	}
	b := env.browser()

	b.post("/preview", nil)
	page := b.get("/").Body.String()
	if !strings.Contains(page, "<th>Department</th>") || !strings.Contains(page, "<td>175873</td>") {
		t.Fatalf("preview table missing:\n%s", page)
	}
	if env.preview.requests[0].SQL != `SELECT * FROM "salaries_2023" LIMIT 5` {
		t.Fatalf("preview SQL = %q", env.preview.requests[0].SQL)
	}

	env.preview.err = errors.New("database is locked")
	b.post("/preview", nil)
	if !strings.Contains(b.get("/").Body.String(), "Error loading sample data: database is locked") {
		t.Fatal("preview error not shown")
	}
}

func TestClearResetsSession(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.asker.results = []askResult{{result: agent.Result{Output: "There were 42 matches."}}}
	b := env.browser()

	b.post("/ask", url.Values{"question": {"q"}})
	b.post("/clear", nil)
	page := b.get("/").Body.String()
	if strings.Contains(page, "There were 42 matches.") {
		t.Fatal("answer still shown after clear")
	}
	if !strings.Contains(page, `data-phase="ready"`) {
		t.Fatal("phase is not ready after clear")
	}
}

func TestNotConfiguredAgentWarns(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.agentErr = agent.ErrNotConfigured
	b := env.browser()
	b.post("/ask", url.Values{"question": {"q"}})
	if env.asker.count() != 0 {
		t.Fatal("agent ran while not configured")
	}
}

func TestEmptyAnswerIsShownAsFailure(t *testing.T) {
	env := newTestEnv(t, "gsk")
	env.asker.results = []askResult{
		{result: agent.Result{Output: "There were 42 matches."}},
		{result: agent.Result{Output: "  "}},
	}
	b := env.browser()

	b.post("/ask", url.Values{"question": {"first"}})
	b.post("/ask", url.Values{"question": {"second"}})
	page := b.get("/").Body.String()
	if !strings.Contains(page, `data-phase="failed"`) {
		t.Fatalf("phase is not failed:\n%s", page)
	}
	if !strings.Contains(page, "An error occurred: "+agent.ErrEmptyAnswer.Error()) {
		t.Fatal("empty answer not reported")
	}
	if strings.Contains(page, "There were 42 matches.") {
		t.Fatal("previous answer still shown")
	}
	if len(env.recorder.entries) != 2 || env.recorder.entries[1].Error == "" {
		t.Fatalf("history = %+v", env.recorder.entries)
	}
}

func TestSlowRunEndsInFailedPage(t *testing.T) {
	env := newTestEnvWithOptions(t, "gsk", Options{AnswerTimeout: 50 * time.Millisecond})
	env.asker.release = make(chan struct{})
	b := env.browser()

	start := time.Now()
	rr := b.post("/ask", url.Values{"question": {"slow"}})
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rr.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("POST /ask took %s", elapsed)
	}
	if deadlines := env.asker.deadlines(); len(deadlines) != 1 || !deadlines[0] {
		t.Fatalf("run context deadlines = %v", deadlines)
	}

	page := b.get("/").Body.String()
	if !strings.Contains(page, "An error occurred: request timed out: context deadline exceeded") {
		t.Fatalf("timeout not reported:\n%s", page)
	}

	// The abandoned run still owns the session until it returns.
	b.post("/ask", url.Values{"question": {"again"}})
	if !strings.Contains(b.get("/").Body.String(), msgBusy) {
		t.Fatal("second submission was not refused while the first run is still going")
	}
	close(env.asker.release)
	if env.asker.count() != 1 {
		t.Fatalf("asker calls = %d, want 1", env.asker.count())
	}
}

func TestSessionIDOnlyNamesLiveSessions(t *testing.T) {
	env := newTestEnv(t, "gsk")
	b := env.browser()
	b.get("/")

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: b.sessionID()})
	if id, ok := env.server.SessionID(req); !ok || id != b.sessionID() {
		t.Fatalf("SessionID() = %q, %v", id, ok)
	}

	forged := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	forged.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "not-a-session"})
	if _, ok := env.server.SessionID(forged); ok {
		t.Fatal("SessionID() accepted an unknown session")
	}
	if _, ok := env.server.SessionID(httptest.NewRequest(http.MethodGet, "/", nil)); ok {
		t.Fatal("SessionID() accepted a request without a cookie")
	}
}

type testEnv struct {
	t           *testing.T
	server      *Server
	handler     http.Handler
	creds       *credential.Store
	status      dataset.Status
	asker       *fakeAsker
	agentErr    error
	agentBuilds int
	preview     *fakePreviewer
	recorder    *memoryRecorder
}

func newTestEnv(t *testing.T, key string) *testEnv {
	t.Helper()
	return newTestEnvWithOptions(t, key, Options{})
}

func newTestEnvWithOptions(t *testing.T, key string, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		t:        t,
		creds:    credential.NewStore(key),
		status:   dataset.Status{OK: true, Records: 4, Message: "Database created successfully! Loaded 4 records."},
		asker:    &fakeAsker{},
		preview:  &fakePreviewer{},
		recorder: &memoryRecorder{},
	}
	opts.Model = "llama3-70b-8192"
	opts.Table = "salaries_2023"
	opts.DatasetPath = "./data/salaries_2023.csv"
	opts.PreviewRows = 5
	opts.RecentLimit = 5
	server, err := New(opts, Dependencies{
		Credentials: env.creds,
		Dataset:     func() dataset.Status { return env.status },
		Agents: func(context.Context) (Asker, error) {
			if env.agentErr != nil {
				return nil, env.agentErr
			}
			env.agentBuilds++
			return env.asker, nil
		},
		Preview: env.preview,
		History: env.recorder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.server = server
	env.handler = server.Handler()
	return env
}

func (e *testEnv) browser() *browser {
	return &browser{t: e.t, handler: e.handler}
}

type browser struct {
	t       *testing.T
	handler http.Handler
	cookies []*http.Cookie
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (b *browser) post(target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	b.t.Helper()
	for _, cookie := range b.cookies {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	b.handler.ServeHTTP(rr, req)
	if set := rr.Result().Cookies(); len(set) > 0 {
		b.cookies = set
	}
	return rr
}

func (b *browser) sessionID() string {
	for _, cookie := range b.cookies {
		if cookie.Name == sessionCookieName {
			return cookie.Value
		}
	}
	return ""
}

type askResult struct {
	result agent.Result
	err    error
}

type fakeAsker struct {
	mu          sync.Mutex
	results     []askResult
	questions   []string
	hadDeadline []bool
	// release, when set, holds every run until it is closed, ignoring ctx.
	release chan struct{}
}

func (f *fakeAsker) Run(ctx context.Context, question string) (agent.Result, error) {
	f.mu.Lock()
	idx := len(f.questions)
	f.questions = append(f.questions, question)
	_, ok := ctx.Deadline()
	f.hadDeadline = append(f.hadDeadline, ok)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return agent.Result{Output: "ok"}, nil
	}
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx].result, f.results[idx].err
}

func (f *fakeAsker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.questions)
}

func (f *fakeAsker) deadlines() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.hadDeadline...)
}

func (f *fakeAsker) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

type fakePreviewer struct {
	result   query.Result
	err      error
	requests []query.Request
}

func (f *fakePreviewer) Execute(_ context.Context, request query.Request) (query.Result, error) {
	f.requests = append(f.requests, request)
	if f.err != nil {
		return query.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakePreviewer) count() int {
	return len(f.requests)
}

type memoryRecorder struct {
	entries []history.Entry
}

func (m *memoryRecorder) Record(_ context.Context, entry history.Entry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryRecorder) Recent(_ context.Context, sessionID string, limit int) ([]history.Entry, error) {
	out := make([]history.Entry, 0)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].SessionID == sessionID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}
