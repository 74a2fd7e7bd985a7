package query

import (
	"context"
	"errors"
	"time"
)

// ErrTableNotFound is returned by DescribeTable for unknown tables.
var ErrTableNotFound = errors.New("table not found")

type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

type Column struct {
	Name     string
	Type     string
	Nullable bool
}

type Table struct {
	Name    string
	Columns []Column
}

// Engine is the read-only gateway to the relational store. Implementations
// acquire a connection per call and release it before returning.
type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, name string) (Table, error)
}
