package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/sqlagent/internal/agent"
	"github.com/duckmesh/sqlagent/internal/credential"
	"github.com/duckmesh/sqlagent/internal/dataset"
	"github.com/duckmesh/sqlagent/internal/history"
	"github.com/duckmesh/sqlagent/internal/observability"
	"github.com/duckmesh/sqlagent/internal/query"
	"github.com/duckmesh/sqlagent/internal/query/duckdb"
)

//go:embed templates/*.html
var templateFS embed.FS

// Asker answers one natural-language question.
type Asker interface {
	Run(ctx context.Context, question string) (agent.Result, error)
}

type Credentials interface {
	APIKey() (string, bool)
	Set(key string) error
	Source() string
}

type Previewer interface {
	Execute(ctx context.Context, request query.Request) (query.Result, error)
}

type Options struct {
	Model       string
	Table       string
	DatasetPath string
	PreviewRows int
	SessionTTL  time.Duration
	RecentLimit int

	// AnswerTimeout bounds one agent run, including every tool call.
	AnswerTimeout time.Duration
}

type Dependencies struct {
	Logger      *slog.Logger
	Credentials Credentials
	Dataset     func() dataset.Status
	Agents      func(ctx context.Context) (Asker, error)
	Preview     Previewer
	History     history.Recorder
	Static      http.Handler
}

type Server struct {
	opts     Options
	deps     Dependencies
	sessions *sessionStore
	page     *template.Template
}

func New(opts Options, deps Dependencies) (*Server, error) {
	if deps.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if deps.Dataset == nil {
		return nil, fmt.Errorf("dataset status is required")
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("agent source is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.History == nil {
		deps.History = history.Noop{}
	}
	if opts.PreviewRows <= 0 {
		opts.PreviewRows = 5
	}
	page, err := template.New("page.html").Funcs(template.FuncMap{
		"markdown": renderMarkdown,
		"inc":      func(i int) int { return i + 1 },
	}).ParseFS(templateFS, "templates/page.html")
	if err != nil {
		return nil, fmt.Errorf("parse page template: %w", err)
	}
	return &Server{
		opts:     opts,
		deps:     deps,
		sessions: newSessionStore(opts.SessionTTL),
		page:     page,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /credential", s.handleCredential)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("POST /sample", s.handleSample)
	mux.HandleFunc("POST /clear", s.handleClear)
	mux.HandleFunc("POST /preview", s.handlePreview)
	if s.deps.Static != nil {
		mux.Handle("GET /static/", http.StripPrefix("/static", s.deps.Static))
	}
	return mux
}

// SessionID reports the live UI session named by the request's cookie.
func (s *Server) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	sess, ok := s.sessions.get(cookie.Value)
	if !ok {
		return "", false
	}
	return sess.id, true
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	view := s.buildView(r.Context(), sess)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.page.Execute(w, view); err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "render page failed",
			append(observability.RequestAttrs(r.Context()), slog.String("error", err.Error()))...,
		)
	}
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	err := s.deps.Credentials.Set(r.PostFormValue("api_key"))
	switch {
	case err == nil:
		sess.notice(msgCredentialSaved)
		s.deps.Logger.InfoContext(r.Context(), "credential entered", observability.RequestAttrs(r.Context())...)
	case errors.Is(err, credential.ErrEmpty):
		sess.warn(msgCredentialEmpty)
	case errors.Is(err, credential.ErrAlreadySet):
		sess.warn(msgCredentialSet)
	default:
		sess.warn(err.Error())
	}
	redirectHome(w, r)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	question := strings.TrimSpace(r.PostFormValue("question"))
	sess.setQuestion(question)
	if question == "" {
		sess.warn(msgEnterQuestion)
		redirectHome(w, r)
		return
	}
	s.answer(r, sess, question, "")
	redirectHome(w, r)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	index, err := strconv.Atoi(r.PostFormValue("index"))
	if err != nil || index < 0 || index >= len(SampleQuestions) {
		sess.warn(msgUnknownSample)
		redirectHome(w, r)
		return
	}
	question := SampleQuestions[index]
	sess.setQuestion(question)
	s.answer(r, sess, question, question)
	redirectHome(w, r)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	sess.clear()
	redirectHome(w, r)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	if !s.queriesAllowed() {
		sess.warn(s.blockedMessage())
		redirectHome(w, r)
		return
	}
	if s.deps.Preview == nil {
		sess.setPreview(nil, "Error loading sample data: preview is not configured")
		redirectHome(w, r)
		return
	}

	result, err := s.deps.Preview.Execute(r.Context(), query.Request{
		SQL: fmt.Sprintf("SELECT * FROM %s LIMIT %d", duckdb.QuoteIdent(s.opts.Table), s.opts.PreviewRows),
	})
	if err != nil {
		sess.setPreview(nil, "Error loading sample data: "+err.Error())
		s.deps.Logger.WarnContext(r.Context(), "preview failed",
			append(observability.RequestAttrs(r.Context()), slog.String("error", err.Error()))...,
		)
	} else {
		sess.setPreview(&result, "")
	}
	redirectHome(w, r)
}

// answer runs one question through the agent. It never queues: a second
// submission while the session is busy is refused with a warning. sample is
// set when the question came from the catalog. The page is rendered once
// AnswerTimeout passes even if the run has not returned; the session stays
// busy until it does.
func (s *Server) answer(r *http.Request, sess *session, question, sample string) {
	ctx := observability.ContextWithSessionID(r.Context(), sess.id)
	if !s.queriesAllowed() {
		sess.warn(s.blockedMessage())
		return
	}
	if !sess.busy.TryLock() {
		sess.warn(msgBusy)
		return
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.AnswerTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.opts.AnswerTimeout)
	}
	defer cancel()

	asker, err := s.deps.Agents(runCtx)
	if err != nil {
		sess.busy.Unlock()
		if errors.Is(err, agent.ErrNotConfigured) {
			sess.warn(s.blockedMessage())
			return
		}
		sess.setFailure(err.Error())
		s.record(ctx, sess, question, agent.Result{}, err)
		return
	}

	done := make(chan runOutcome, 1)
	go func() {
		result, err := asker.Run(runCtx, question)
		sess.busy.Unlock()
		done <- runOutcome{result: result, err: err}
	}()

	var outcome runOutcome
	select {
	case outcome = <-done:
	case <-runCtx.Done():
		reason := "request timed out: " + runCtx.Err().Error()
		outcome.err = &agent.InvocationError{Reason: reason, Err: runCtx.Err()}
		s.deps.Logger.WarnContext(ctx, "agent run abandoned",
			append(observability.RequestAttrs(ctx), slog.Duration("timeout", s.opts.AnswerTimeout))...,
		)
	}
	if outcome.err == nil && strings.TrimSpace(outcome.result.Output) == "" {
		outcome.err = &agent.InvocationError{Reason: agent.ErrEmptyAnswer.Error(), Err: agent.ErrEmptyAnswer}
	}

	if outcome.err != nil {
		sess.setFailure(outcome.err.Error())
	} else {
		sess.setAnswer(sample, outcome.result.Output, outcome.result.SQL, len(outcome.result.Steps))
	}
	s.record(ctx, sess, question, outcome.result, outcome.err)
}

type runOutcome struct {
	result agent.Result
	err    error
}

func (s *Server) record(ctx context.Context, sess *session, question string, result agent.Result, runErr error) {
	entry := history.Entry{
		SessionID:  sess.id,
		Question:   question,
		Answer:     result.Output,
		SQL:        result.SQL,
		Steps:      len(result.Steps),
		Model:      s.opts.Model,
		DurationMS: result.Duration.Milliseconds(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := s.deps.History.Record(ctx, entry); err != nil {
		s.deps.Logger.WarnContext(ctx, "record question failed",
			append(observability.RequestAttrs(ctx), slog.String("error", err.Error()))...,
		)
	}
}

func (s *Server) queriesAllowed() bool {
	if _, ok := s.deps.Credentials.APIKey(); !ok {
		return false
	}
	return s.deps.Dataset().OK
}

func (s *Server) blockedMessage() string {
	if _, ok := s.deps.Credentials.APIKey(); !ok {
		return msgNeedCredential
	}
	return s.datasetUnavailableMessage()
}

func (s *Server) datasetUnavailableMessage() string {
	return fmt.Sprintf("Database not available. Please ensure your CSV file is located at `%s`", s.opts.DatasetPath)
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
