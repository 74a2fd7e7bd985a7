package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/duckmesh/sqlagent/internal/query/duckdb"
	"github.com/duckmesh/sqlagent/internal/storage"
)

// ErrSourceNotFound is returned when neither the local file nor the
// configured object exists.
var ErrSourceNotFound = errors.New("dataset source not found")

// csvTypeCandidates limits type inference to the shapes a spreadsheet export
// actually carries; dates and times stay VARCHAR.
const csvTypeCandidates = `['BOOLEAN', 'BIGINT', 'DOUBLE', 'VARCHAR']`

type Source struct {
	Path      string
	DBPath    string
	Table     string
	ObjectKey string
}

func (s Source) validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("dataset path is required")
	}
	if strings.TrimSpace(s.DBPath) == "" {
		return fmt.Errorf("database path is required")
	}
	if strings.TrimSpace(s.Table) == "" {
		return fmt.Errorf("table name is required")
	}
	return nil
}

type Status struct {
	OK       bool          `json:"ok"`
	Records  int64         `json:"records"`
	Message  string        `json:"message"`
	Table    string        `json:"table"`
	Path     string        `json:"path"`
	LoadedAt time.Time     `json:"loaded_at"`
	Duration time.Duration `json:"duration"`
}

// Importer materializes a delimited or Parquet file into a DuckDB table,
// replacing any table of the same name.
type Importer struct {
	Objects storage.ObjectReader
	Logger  *slog.Logger
}

func (i *Importer) Import(ctx context.Context, src Source) (Status, error) {
	start := time.Now()
	status := Status{Table: src.Table, Path: src.Path}
	if err := src.validate(); err != nil {
		status.Message = err.Error()
		return status, err
	}

	// The store directory exists even when the source does not.
	dir := filepath.Dir(src.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		status.Message = fmt.Sprintf("Cannot create database directory %s: %v", dir, err)
		return status, fmt.Errorf("create database directory: %w", err)
	}

	if src.ObjectKey != "" && i.Objects != nil {
		info, err := storage.FetchToFile(ctx, i.Objects, src.ObjectKey, src.Path)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				status.Message = fmt.Sprintf("CSV object not found at %s", src.ObjectKey)
				return status, fmt.Errorf("%w: object %q", ErrSourceNotFound, src.ObjectKey)
			}
			status.Message = fmt.Sprintf("Failed to download %s: %v", src.ObjectKey, err)
			return status, fmt.Errorf("download dataset object: %w", err)
		}
		i.logger().InfoContext(ctx, "dataset object downloaded",
			slog.String("key", src.ObjectKey),
			slog.String("path", src.Path),
			slog.Int64("bytes", info.Size),
		)
	}

	if _, err := os.Stat(src.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			status.Message = fmt.Sprintf("CSV file not found at %s", src.Path)
			return status, fmt.Errorf("%w: %s", ErrSourceNotFound, src.Path)
		}
		status.Message = fmt.Sprintf("Cannot read %s: %v", src.Path, err)
		return status, fmt.Errorf("stat dataset: %w", err)
	}

	records, err := i.replaceTable(ctx, src)
	if err != nil {
		status.Message = fmt.Sprintf("Failed to load %s: %v", src.Path, err)
		return status, err
	}

	status.OK = true
	status.Records = records
	status.LoadedAt = time.Now().UTC()
	status.Duration = time.Since(start)
	status.Message = fmt.Sprintf("Database created successfully! Loaded %d records.", records)
	return status, nil
}

func (i *Importer) replaceTable(ctx context.Context, src Source) (int64, error) {
	db, err := duckdb.Open(ctx, src.DBPath, duckdb.ReadWrite)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	reader := readerExpr(src.Path)
	columns, err := sniffColumns(ctx, db, reader)
	if err != nil {
		return 0, err
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("no columns detected in %s", src.Path)
	}

	selectList := make([]string, 0, len(columns))
	for _, column := range columns {
		selectList = append(selectList, fillExpr(column.name, column.typ))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	table := duckdb.QuoteIdent(src.Table)
	createSQL := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT %s FROM %s", table, strings.Join(selectList, ", "), reader)
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("create table %q: %w", src.Table, err)
	}

	var records int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&records); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return records, nil
}

func (i *Importer) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

type sniffedColumn struct {
	name string
	typ  string
}

func sniffColumns(ctx context.Context, db *sql.DB, reader string) ([]sniffedColumn, error) {
	rows, err := db.QueryContext(ctx, "DESCRIBE SELECT * FROM "+reader)
	if err != nil {
		return nil, fmt.Errorf("detect columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("detect columns: %w", err)
	}

	columns := make([]sniffedColumn, 0)
	for rows.Next() {
		values := make([]any, len(names))
		targets := make([]any, len(names))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan column description: %w", err)
		}
		if len(values) < 2 {
			return nil, fmt.Errorf("unexpected column description shape: %v", names)
		}
		columns = append(columns, sniffedColumn{
			name: fmt.Sprint(values[0]),
			typ:  strings.ToUpper(fmt.Sprint(values[1])),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column descriptions: %w", err)
	}
	return columns, nil
}

func readerExpr(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return fmt.Sprintf("read_parquet(%s)", duckdb.QuoteString(path))
	}
	return fmt.Sprintf("read_csv_auto(%s, header = true, auto_type_candidates = %s)", duckdb.QuoteString(path), csvTypeCandidates)
}

// fillExpr replaces missing cells with the zero value of the column's type.
// Types without a natural zero are stored as text.
func fillExpr(name, typ string) string {
	ident := duckdb.QuoteIdent(name)
	switch {
	case typ == "BOOLEAN":
		return fmt.Sprintf("COALESCE(%s, false) AS %s", ident, ident)
	case isNumericType(typ):
		return fmt.Sprintf("COALESCE(%s, 0) AS %s", ident, ident)
	case typ == "VARCHAR":
		return fmt.Sprintf("COALESCE(%s, '0') AS %s", ident, ident)
	default:
		return fmt.Sprintf("COALESCE(CAST(%s AS VARCHAR), '0') AS %s", ident, ident)
	}
}

func isNumericType(typ string) bool {
	if strings.HasPrefix(typ, "DECIMAL") {
		return true
	}
	switch typ {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT",
		"FLOAT", "REAL", "DOUBLE":
		return true
	default:
		return false
	}
}
