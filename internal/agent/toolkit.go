package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/query"
	"github.com/duckmesh/sqlagent/internal/query/duckdb"
)

const (
	ToolListTables   = "sql_db_list_tables"
	ToolSchema       = "sql_db_schema"
	ToolQuery        = "sql_db_query"
	ToolQueryChecker = "sql_db_query_checker"

	sampleRowsInTableInfo = 3
	maxSampleValueLen     = 100
)

// Policy holds optional local checks on model-generated SQL. The zero value
// leaves enforcement to the instructions alone.
type Policy struct {
	EnforceReadOnly bool
	EnforceRowLimit bool
}

// Toolkit exposes the database to the model. Each call goes through the
// engine, which opens and releases its own read-only connection.
type Toolkit struct {
	engine  query.Engine
	checker completer
	dialect string
	topK    int
	policy  Policy
}

type toolOutcome struct {
	observation string
	sql         string
	failed      bool
}

func NewToolkit(engine query.Engine, checker completer, dialect string, topK int, policy Policy) *Toolkit {
	return &Toolkit{engine: engine, checker: checker, dialect: dialect, topK: topK, policy: policy}
}

func (t *Toolkit) Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolQuery,
			Description: "Input to this tool is a detailed and correct SQL query, output is a result from the database. If the query is not correct, an error message will be returned. If an error is returned, rewrite the query, check the query, and try again. If you encounter an issue with Unknown column 'xxxx' in 'field list', use " + ToolSchema + " to query the correct table fields.",
			Parameters:  stringParam("query", "A detailed and correct SQL query."),
		},
		{
			Name:        ToolSchema,
			Description: "Input to this tool is a comma-separated list of tables, output is the schema and sample rows for those tables. Be sure that the tables actually exist by calling " + ToolListTables + " first! Example Input: table1, table2, table3",
			Parameters:  stringParam("table_names", "A comma-separated list of the table names for which to return the schema."),
		},
		{
			Name:        ToolListTables,
			Description: "Input is an empty string, output is a comma-separated list of tables in the database.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        ToolQueryChecker,
			Description: "Use this tool to double check if your query is correct before executing it. Always use this tool before executing a query with " + ToolQuery + "!",
			Parameters:  stringParam("query", "A detailed and SQL query to be checked."),
		},
	}
}

func (t *Toolkit) promptTools() []promptTool {
	tools := t.Tools()
	out := make([]promptTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, promptTool{Name: tool.Name, Description: tool.Description})
	}
	return out
}

func (t *Toolkit) call(ctx context.Context, name, rawArgs string) toolOutcome {
	args, err := decodeArgs(rawArgs)
	if err != nil {
		return toolOutcome{observation: "Error: " + err.Error(), failed: true}
	}
	switch name {
	case ToolListTables:
		return t.listTables(ctx)
	case ToolSchema:
		return t.schema(ctx, firstArg(args, "table_names", "tables", "table_name"))
	case ToolQuery:
		return t.query(ctx, firstArg(args, "query", "sql"))
	case ToolQueryChecker:
		return t.checkQuery(ctx, firstArg(args, "query", "sql"))
	default:
		return toolOutcome{
			observation: fmt.Sprintf("%s is not a valid tool, try one of [%s].", name, strings.Join(t.toolNames(), ", ")),
			failed:      true,
		}
	}
}

func (t *Toolkit) toolNames() []string {
	tools := t.Tools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

func (t *Toolkit) listTables(ctx context.Context) toolOutcome {
	tables, err := t.engine.ListTables(ctx)
	if err != nil {
		return toolOutcome{observation: "Error: " + err.Error(), failed: true}
	}
	sort.Strings(tables)
	return toolOutcome{observation: strings.Join(tables, ", ")}
}

func (t *Toolkit) schema(ctx context.Context, tableNames string) toolOutcome {
	requested := splitTableNames(tableNames)
	if len(requested) == 0 {
		return toolOutcome{observation: "Error: no table names given", failed: true}
	}

	sections := make([]string, 0, len(requested))
	missing := make([]string, 0)
	for _, name := range requested {
		table, err := t.engine.DescribeTable(ctx, name)
		if errors.Is(err, query.ErrTableNotFound) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return toolOutcome{observation: "Error: " + err.Error(), failed: true}
		}
		sections = append(sections, t.tableInfo(ctx, table))
	}
	if len(missing) > 0 {
		return toolOutcome{
			observation: fmt.Sprintf("Error: table_names {%s} not found in database", strings.Join(missing, ", ")),
			failed:      true,
		}
	}
	return toolOutcome{observation: strings.Join(sections, "\n\n")}
}

func (t *Toolkit) tableInfo(ctx context.Context, table query.Table) string {
	var b strings.Builder
	b.WriteString("\nCREATE TABLE ")
	b.WriteString(duckdb.QuoteIdent(table.Name))
	b.WriteString(" (\n")
	for i, column := range table.Columns {
		b.WriteString("\t")
		b.WriteString(duckdb.QuoteIdent(column.Name))
		b.WriteString(" ")
		b.WriteString(column.Type)
		if !column.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(table.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")\n\n/*\n")

	result, err := t.engine.Execute(ctx, query.Request{
		SQL: fmt.Sprintf("SELECT * FROM %s LIMIT %d", duckdb.QuoteIdent(table.Name), sampleRowsInTableInfo),
	})
	if err != nil {
		b.WriteString("Error fetching sample rows: ")
		b.WriteString(err.Error())
		b.WriteString("\n*/")
		return b.String()
	}

	fmt.Fprintf(&b, "%d rows from %s table:\n", sampleRowsInTableInfo, table.Name)
	b.WriteString(strings.Join(result.Columns, "\t"))
	b.WriteString("\n")
	for _, row := range result.Rows {
		cells := make([]string, 0, len(row))
		for _, value := range row {
			cell := fmt.Sprint(value)
			if len(cell) > maxSampleValueLen {
				cell = cell[:maxSampleValueLen]
			}
			cells = append(cells, cell)
		}
		b.WriteString(strings.Join(cells, "\t"))
		b.WriteString("\n")
	}
	b.WriteString("*/")
	return b.String()
}

func (t *Toolkit) query(ctx context.Context, sqlText string) toolOutcome {
	sqlText = stripMarkdownSQL(sqlText)
	if sqlText == "" {
		return toolOutcome{observation: "Error: query is empty", failed: true}
	}
	if t.policy.EnforceReadOnly && !duckdb.IsReadOnlySQL(sqlText) {
		return toolOutcome{
			observation: "Error: only SELECT or WITH statements may be executed",
			sql:         sqlText,
			failed:      true,
		}
	}

	request := query.Request{SQL: sqlText}
	if t.policy.EnforceRowLimit {
		request.RowLimit = t.topK
	}
	result, err := t.engine.Execute(ctx, request)
	if err != nil {
		return toolOutcome{observation: "Error: " + err.Error(), sql: sqlText, failed: true}
	}
	return toolOutcome{observation: formatRows(result.Rows), sql: sqlText}
}

func (t *Toolkit) checkQuery(ctx context.Context, sqlText string) toolOutcome {
	sqlText = stripMarkdownSQL(sqlText)
	if sqlText == "" {
		return toolOutcome{observation: "Error: query is empty", failed: true}
	}
	if t.checker == nil {
		return toolOutcome{observation: sqlText}
	}
	prompt, err := renderChecker(t.dialect, sqlText)
	if err != nil {
		return toolOutcome{observation: "Error: " + err.Error(), failed: true}
	}
	reply, err := t.checker.Complete(ctx, llm.NewConversation("", prompt), nil)
	if err != nil {
		return toolOutcome{observation: "Error: " + err.Error(), failed: true}
	}
	return toolOutcome{observation: stripMarkdownSQL(reply.Content)}
}

// formatRows renders rows as a list of tuples, the shape the instructions'
// worked example shows. No rows renders as an empty string.
func formatRows(rows [][]any) string {
	if len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[")
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, value := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatValue(value))
		}
		if len(row) == 1 {
			b.WriteString(",")
		}
		b.WriteString(")")
	}
	b.WriteString("]")
	return b.String()
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "None"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%.1f", v)
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

func splitTableNames(raw string) []string {
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.Trim(strings.TrimSpace(part), "\"`'")
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func stringParam(name, description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			name: map[string]any{"type": "string", "description": description},
		},
		"required": []string{name},
	}
}

// decodeArgs accepts the JSON object the model sends. Some models send a bare
// string instead, which is kept under the empty key.
func decodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}
	var single string
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		return map[string]any{"": single}, nil
	}
	return nil, fmt.Errorf("invalid tool arguments %q", raw)
}

func firstArg(args map[string]any, keys ...string) string {
	for _, key := range append(keys, "") {
		if value, ok := args[key]; ok {
			if s, ok := value.(string); ok {
				return s
			}
		}
	}
	return ""
}
