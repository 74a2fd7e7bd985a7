package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/duckmesh/sqlagent/internal/query"
)

const sessionCookieName = "sqlagent_session"

// session is the per-browser UI state. busy is held for the whole agent call
// so overlapping submissions from the same browser are refused.
type session struct {
	id   string
	busy sync.Mutex

	mu           sync.Mutex
	question     string
	sample       string
	answer       string
	answerSQL    string
	steps        int
	failure      string
	preview      *query.Result
	previewError string
	warnings     []string
	notices      []string
}

type sessionSnapshot struct {
	Question     string
	Sample       string
	Answer       string
	AnswerSQL    string
	Steps        int
	Failure      string
	Preview      *query.Result
	PreviewError string
	Warnings     []string
	Notices      []string
	Busy         bool
}

func (s *session) warn(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, message)
}

func (s *session) notice(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, message)
}

func (s *session) setQuestion(question string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.question = question
}

func (s *session) setAnswer(sample, answer, sqlText string, steps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = sample
	s.answer = answer
	s.answerSQL = sqlText
	s.steps = steps
	s.failure = ""
}

func (s *session) setFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = reason
	s.sample = ""
	s.answer = ""
	s.answerSQL = ""
	s.steps = 0
}

func (s *session) setPreview(result *query.Result, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview = result
	s.previewError = errText
}

func (s *session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.question = ""
	s.sample = ""
	s.answer = ""
	s.answerSQL = ""
	s.steps = 0
	s.failure = ""
	s.preview = nil
	s.previewError = ""
}

// snapshot copies the state for rendering and drops one-shot messages.
func (s *session) snapshot() sessionSnapshot {
	busy := !s.busy.TryLock()
	if !busy {
		s.busy.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := sessionSnapshot{
		Question:     s.question,
		Sample:       s.sample,
		Answer:       s.answer,
		AnswerSQL:    s.answerSQL,
		Steps:        s.steps,
		Failure:      s.failure,
		Preview:      s.preview,
		PreviewError: s.previewError,
		Warnings:     s.warnings,
		Notices:      s.notices,
		Busy:         busy,
	}
	s.warnings = nil
	s.notices = nil
	return snap
}

type sessionStore struct {
	items *cache.Cache
	ttl   time.Duration
	mu    sync.Mutex
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &sessionStore{items: cache.New(ttl, 2*ttl), ttl: ttl}
}

// resolve returns the session named by the request cookie, starting a new
// one and setting the cookie when it is missing or expired.
func (st *sessionStore) resolve(w http.ResponseWriter, r *http.Request) *session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if item, ok := st.items.Get(cookie.Value); ok {
			s := item.(*session)
			st.items.Set(s.id, s, st.ttl)
			return s
		}
	}

	s := &session{id: uuid.NewString()}
	st.items.Set(s.id, s, st.ttl)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    s.id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

func (st *sessionStore) get(id string) (*session, bool) {
	item, ok := st.items.Get(id)
	if !ok {
		return nil, false
	}
	return item.(*session), true
}
