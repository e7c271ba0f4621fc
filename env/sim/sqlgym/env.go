package sqlgym

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wricardo/mcp-training/envserver/env/catalog"
	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// Kind is the registry name of this simulator.
const Kind = "sqlgym"

// maxResultChars bounds the rendered query result in an observation.
const maxResultChars = 100

// Task is one question over one SQLite database.
type Task struct {
	DBID string `json:"db_id"`
	// DBPath is relative to the kind directory of the catalog unless absolute.
	DBPath   string `json:"db_path"`
	Question string `json:"question"`
	Evidence string `json:"evidence,omitempty"`
	GoldSQL  string `json:"gold_sql"`
}

// Env is an in-process text-to-SQL episode. Each episode is a single
// submission: the first step executes the query, scores it against the gold
// query and ends the episode.
type Env struct {
	catalog *catalog.Manager

	db     *sql.DB
	dbPath string
	task   *Task
	index  int
	schema []string
}

// NewEnv creates an env with no task loaded.
func NewEnv(cat *catalog.Manager) *Env {
	return &Env{catalog: cat}
}

// Reset loads the task at target.Index. A nil index is invalid.
func (e *Env) Reset(ctx context.Context, target sim.Target) (sim.Snapshot, error) {
	if target.Index == nil {
		return sim.Snapshot{}, fmt.Errorf("%w: an item index is required", sim.ErrInvalidTarget)
	}
	if e.catalog == nil {
		return sim.Snapshot{}, fmt.Errorf("%w: no catalog configured", sim.ErrInvalidTarget)
	}

	var task Task
	if err := e.catalog.LoadInto(Kind, *target.Index, &task); err != nil {
		if errors.Is(err, catalog.ErrTaskNotFound) || errors.Is(err, catalog.ErrInvalidTask) {
			return sim.Snapshot{}, fmt.Errorf("%w: item %d: %v", sim.ErrInvalidTarget, *target.Index, err)
		}
		return sim.Snapshot{}, err
	}
	if task.DBPath == "" || task.GoldSQL == "" {
		return sim.Snapshot{}, fmt.Errorf("%w: item %d needs db_path and gold_sql", sim.ErrInvalidTarget, *target.Index)
	}

	path := task.DBPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.catalog.Dir(), Kind, path)
	}
	if path != e.dbPath {
		if err := e.open(ctx, path); err != nil {
			return sim.Snapshot{}, err
		}
	}

	e.task = &task
	e.index = *target.Index
	return sim.Snapshot{
		Observation: e.prompt(),
		Info: map[string]any{
			"db_id":    task.DBID,
			"question": task.Question,
		},
	}, nil
}

// open switches to the database at path, closing the previous one.
func (e *Env) open(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: database %s: %v", sim.ErrInvalidTarget, path, err)
	}

	dsn, err := readOnlyDSN(path)
	if err != nil {
		return fmt.Errorf("%w: database %s: %v", sim.ErrInvalidTarget, path, err)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	schema, err := loadSchema(ctx, db)
	if err != nil {
		db.Close()
		return err
	}

	if e.db != nil {
		e.db.Close()
	}
	e.db = db
	e.dbPath = path
	e.schema = schema
	return nil
}

func loadSchema(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND sql IS NOT NULL AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	defer rows.Close()

	var schema []string
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		schema = append(schema, stmt)
	}
	return schema, rows.Err()
}

func (e *Env) prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n", e.task.DBID)
	b.WriteString("Schema:\n")
	for _, stmt := range e.schema {
		b.WriteString(stmt)
		b.WriteString(";\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", e.task.Question)
	if e.task.Evidence != "" {
		fmt.Fprintf(&b, "Evidence: %s\n", e.task.Evidence)
	}
	b.WriteString("Answer with a single SQL query.")
	return b.String()
}

// Step executes action as SQL. Execution errors are part of the observation,
// not failures of the simulator.
func (e *Env) Step(ctx context.Context, action string) (sim.Snapshot, error) {
	if e.task == nil {
		return sim.Snapshot{}, fmt.Errorf("no task loaded")
	}
	query := strings.TrimSpace(action)

	info := map[string]any{"db_id": e.task.DBID, "correct": false}
	predicted, err := runQuery(ctx, e.db, query)
	if err != nil {
		info["error"] = err.Error()
		return sim.Snapshot{Observation: truncate("Error: " + err.Error()), Done: true, Info: info}, nil
	}

	gold, err := runQuery(ctx, e.db, e.task.GoldSQL)
	if err != nil {
		return sim.Snapshot{}, fmt.Errorf("gold query for item %d failed: %w", e.index, err)
	}

	reward := 0.0
	if sameRows(predicted, gold) {
		reward = 1
		info["correct"] = true
	}
	info["rows"] = len(predicted)
	return sim.Snapshot{
		Observation: truncate(renderRows(predicted)),
		Reward:      reward,
		Done:        true,
		Info:        info,
	}, nil
}

func runQuery(ctx context.Context, db *sql.DB, query string) ([][]any, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// sameRows compares result sets as sets, ignoring row order and duplicates.
func sameRows(a, b [][]any) bool {
	set := func(rows [][]any) []string {
		seen := make(map[string]bool)
		var keys []string
		for _, r := range rows {
			k := renderRow(r)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return keys
	}
	ka, kb := set(a), set(b)
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return "'" + x + "'"
	default:
		return fmt.Sprint(x)
	}
}

func renderRow(r []any) string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = renderValue(v)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func renderRows(rows [][]any) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = renderRow(r)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// readOnlyDSN builds a read-only SQLite URI for path. The path is escaped so
// '?', '#' and '%' in directory names reach SQLite unchanged.
func readOnlyDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}
	return u.String(), nil
}

// truncate cuts s to maxResultChars characters.
func truncate(s string) string {
	if r := []rune(s); len(r) > maxResultChars {
		return string(r[:maxResultChars]) + "..."
	}
	return s
}

// Metadata describes the loaded task.
func (e *Env) Metadata(context.Context) (map[string]any, error) {
	if e.task == nil {
		return map[string]any{}, nil
	}
	return map[string]any{
		"index":    e.index,
		"db_id":    e.task.DBID,
		"question": e.task.Question,
		"tables":   len(e.schema),
	}, nil
}

// Page returns the schema of the open database.
func (e *Env) Page(context.Context) (map[string]any, error) {
	return map[string]any{"schema": e.schema}, nil
}

func (e *Env) Close(context.Context) error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	e.dbPath = ""
	return err
}

// Factory creates sqlgym envs. They start uninitialized and need a reset with
// an item index before the first step.
type Factory struct {
	Catalog *catalog.Manager
}

func (f *Factory) Kind() string { return Kind }

func (f *Factory) New(context.Context, sim.Params) (sim.Env, *sim.Snapshot, error) {
	return NewEnv(f.Catalog), nil, nil
}
