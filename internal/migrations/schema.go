// Package migrations versions the question log schema in Postgres.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

// versionTable records one row per applied schema step.
const versionTable = "question_log_schema"

// ErrSchemaBehind is returned by Verify when the database has not been
// upgraded to the schema this binary writes.
var ErrSchemaBehind = errors.New("question log schema is behind")

type step struct {
	version int64
	name    string
	up      string
	down    string
}

// Schema is the ordered list of question log schema steps.
type Schema struct {
	steps []step
}

// QuestionLog returns the schema embedded in the binary.
func QuestionLog() (*Schema, error) {
	return Load(embeddedFS)
}

// Load reads NNNNNN_name.up.sql / NNNNNN_name.down.sql pairs from the sql
// directory of fsys. Every up step needs its down step.
func Load(fsys fs.FS) (*Schema, error) {
	ups, err := fs.Glob(fsys, "sql/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list schema steps: %w", err)
	}

	schema := &Schema{}
	seen := make(map[int64]string, len(ups))
	for _, upPath := range ups {
		base := strings.TrimSuffix(path.Base(upPath), ".up.sql")
		prefix, name, ok := strings.Cut(base, "_")
		if !ok || name == "" {
			return nil, fmt.Errorf("schema step %q: want NNNNNN_name.up.sql", path.Base(upPath))
		}
		version, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("schema step %q: invalid version %q", path.Base(upPath), prefix)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("schema version %d used by %q and %q", version, other, base)
		}
		seen[version] = base

		up, err := readScript(fsys, upPath)
		if err != nil {
			return nil, err
		}
		down, err := readScript(fsys, path.Join(path.Dir(upPath), base+".down.sql"))
		if err != nil {
			return nil, err
		}
		// Glob returns names sorted, and zero-padded prefixes keep versions in order.
		if n := len(schema.steps); n > 0 && schema.steps[n-1].version > version {
			return nil, fmt.Errorf("schema step %q is out of order", base)
		}
		schema.steps = append(schema.steps, step{version: version, name: name, up: up, down: down})
	}
	return schema, nil
}

func readScript(fsys fs.FS, name string) (string, error) {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", fmt.Errorf("read schema step: %w", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return "", fmt.Errorf("schema step %q is empty", path.Base(name))
	}
	return string(body), nil
}

// Latest is the version this binary expects the database to be at.
func (s *Schema) Latest() int64 {
	if len(s.steps) == 0 {
		return 0
	}
	return s.steps[len(s.steps)-1].version
}

// Current reports the highest applied version, 0 for an empty database.
func (s *Schema) Current(ctx context.Context, db *sql.DB) (int64, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}
	var version int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM `+versionTable).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Verify fails unless the database is at Latest.
func (s *Schema) Verify(ctx context.Context, db *sql.DB) error {
	current, err := s.Current(ctx, db)
	if err != nil {
		return err
	}
	if current < s.Latest() {
		return fmt.Errorf("%w: at version %d, want %d", ErrSchemaBehind, current, s.Latest())
	}
	return nil
}

// Upgrade applies up to limit pending steps (all of them when limit <= 0)
// and returns how many ran.
func (s *Schema) Upgrade(ctx context.Context, db *sql.DB, limit int) (int, error) {
	current, err := s.Current(ctx, db)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, st := range s.steps {
		if st.version <= current {
			continue
		}
		if limit > 0 && ran >= limit {
			break
		}
		record := `INSERT INTO ` + versionTable + ` (version, name) VALUES ($1, $2)`
		if err := runStep(ctx, db, st.up, record, st.version, st.name); err != nil {
			return ran, fmt.Errorf("upgrade to %d (%s): %w", st.version, st.name, err)
		}
		ran++
	}
	return ran, nil
}

// Downgrade rolls back up to limit applied steps, newest first. limit <= 0
// means one step.
func (s *Schema) Downgrade(ctx context.Context, db *sql.DB, limit int) (int, error) {
	if limit <= 0 {
		limit = 1
	}
	current, err := s.Current(ctx, db)
	if err != nil {
		return 0, err
	}
	ran := 0
	for i := len(s.steps) - 1; i >= 0 && ran < limit; i-- {
		st := s.steps[i]
		if st.version > current {
			continue
		}
		record := `DELETE FROM ` + versionTable + ` WHERE version = $1`
		if err := runStep(ctx, db, st.down, record, st.version); err != nil {
			return ran, fmt.Errorf("downgrade from %d (%s): %w", st.version, st.name, err)
		}
		ran++
	}
	return ran, nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+versionTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", versionTable, err)
	}
	return nil
}

// runStep executes a schema script and its bookkeeping statement atomically.
func runStep(ctx context.Context, db *sql.DB, script, record string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
