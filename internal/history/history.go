package history

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by the no-op recorder when asked for entries.
var ErrDisabled = errors.New("question log is disabled")

// Entry is one asked question and how it went.
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer,omitempty"`
	Error      string    `json:"error,omitempty"`
	SQL        string    `json:"sql,omitempty"`
	Steps      int       `json:"steps"`
	Model      string    `json:"model,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

type Noop struct{}

func (Noop) Record(context.Context, Entry) error {
	return nil
}

func (Noop) Recent(context.Context, string, int) ([]Entry, error) {
	return nil, ErrDisabled
}
