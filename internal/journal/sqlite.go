package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/mcpsentinel/proxy/internal/mcpevent"
)

// migrations holds the journal's table layout: raw_events, rpc_events,
// engine_results, mcpl, custom_rules. One migration per feature slice,
// applied in order at Open time.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS raw_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ts         INTEGER NOT NULL,
    producer   TEXT NOT NULL,
    pid        INTEGER NOT NULL DEFAULT 0,
    pname      TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    mcp_tag    TEXT NOT NULL,
    data_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_events_mcp_tag ON raw_events(mcp_tag);
CREATE INDEX IF NOT EXISTS idx_raw_events_ts ON raw_events(ts);

CREATE TABLE IF NOT EXISTS rpc_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    raw_event_id  INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
    ts            INTEGER NOT NULL,
    mcptype       TEXT NOT NULL,
    mcptag        TEXT NOT NULL,
    direction     TEXT NOT NULL,
    method        TEXT NOT NULL DEFAULT '',
    message_id    TEXT NOT NULL DEFAULT '',
    params_json   TEXT NOT NULL DEFAULT '',
    result_json   TEXT NOT NULL DEFAULT '',
    error_json    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_rpc_events_raw_event ON rpc_events(raw_event_id);
CREATE INDEX IF NOT EXISTS idx_rpc_events_message_id ON rpc_events(mcptag, message_id);

CREATE TABLE IF NOT EXISTS engine_results (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    raw_event_id  INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
    engine_name   TEXT NOT NULL,
    producer      TEXT NOT NULL DEFAULT '',
    server_name   TEXT NOT NULL DEFAULT '',
    severity      TEXT NOT NULL,
    score         INTEGER NOT NULL DEFAULT 0,
    detail_json   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_engine_results_raw_event ON engine_results(raw_event_id);

CREATE TABLE IF NOT EXISTS mcpl (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    mcp_tag           TEXT NOT NULL,
    producer          TEXT NOT NULL DEFAULT '',
    tool              TEXT NOT NULL,
    tool_title        TEXT NOT NULL DEFAULT '',
    tool_description  TEXT NOT NULL DEFAULT '',
    tool_parameter    TEXT NOT NULL DEFAULT '',
    annotations       TEXT NOT NULL DEFAULT '',
    safety            TEXT NOT NULL DEFAULT 'safe',
    safety_checked_at DATETIME,
    UNIQUE(mcp_tag, tool)
);

CREATE TABLE IF NOT EXISTS custom_rules (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    engine_name   TEXT NOT NULL,
    rule_name     TEXT NOT NULL,
    rule_content  TEXT NOT NULL,
    category      TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    enabled       INTEGER NOT NULL DEFAULT 1,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(engine_name, rule_name)
);
`,
	},
}

// Store is a sqlite-backed Journal. One writer at a time; the bus's
// detector workers serialize writes through the *sql.DB connection pool,
// which modernc.org/sqlite itself serializes for a single on-disk file.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) a sqlite database at path and applies any
// migrations not yet recorded in schema_versions.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer per database file

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("journal: bootstrap schema_versions: %w", err)
	}
	for _, m := range migrations {
		var applied int
		row := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("journal: check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("journal: apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("journal: record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// WriteEvent persists e as a raw_events row plus its rpc_events projection,
// back-filling a response's method from the matching request when absent
//) and returns the assigned raw_events id.
func (s *Store) WriteEvent(ctx context.Context, e *mcpevent.MCPEvent) (int64, error) {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal event data: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_events (ts, producer, pid, pname, event_type, mcp_tag, data_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TimestampMS, string(e.Producer), e.PID, e.ProcessName, string(e.EventType), e.MCPTag, string(dataJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: insert raw_events: %w", err)
	}
	rawID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: raw_events id: %w", err)
	}

	method := e.Data.Message.Method
	if method == "" && e.Data.Task == mcpevent.TaskRecv {
		method = s.backfillMethod(ctx, e.MCPTag, e.Data.Message.IDString())
	}

	var paramsJSON, resultJSON, errJSON string
	if len(e.Data.Message.Params) > 0 {
		paramsJSON = string(e.Data.Message.Params)
	}
	if len(e.Data.Message.Result) > 0 {
		resultJSON = string(e.Data.Message.Result)
	}
	if e.Data.Message.Error != nil {
		if b, err := json.Marshal(e.Data.Message.Error); err == nil {
			errJSON = string(b)
		}
	}

	direction := "Request"
	if e.Data.Message.IsResponse() {
		direction = "Response"
	} else if e.Data.Message.IsNotification() {
		direction = "Notification"
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO rpc_events (raw_event_id, ts, mcptype, mcptag, direction, method, message_id, params_json, result_json, error_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rawID, e.TimestampMS, string(e.EventType), e.MCPTag, direction, method, e.Data.Message.IDString(),
		paramsJSON, resultJSON, errJSON,
	); err != nil {
		return rawID, fmt.Errorf("journal: insert rpc_events: %w", err)
	}

	return rawID, nil
}

func (s *Store) backfillMethod(ctx context.Context, mcpTag, messageID string) string {
	if messageID == "" {
		return ""
	}
	var method string
	row := s.db.QueryRowContext(ctx,
		`SELECT method FROM rpc_events WHERE mcptag = ? AND message_id = ? AND direction = 'Request' ORDER BY id DESC LIMIT 1`,
		mcpTag, messageID,
	)
	_ = row.Scan(&method) // best-effort: absence just leaves method empty
	return method
}

// WriteFinding persists f as an engine_results row.
func (s *Store) WriteFinding(ctx context.Context, f mcpevent.Finding) error {
	detail, err := json.Marshal(f.SubFindings)
	if err != nil {
		detail = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engine_results (raw_event_id, engine_name, severity, score, detail_json) VALUES (?, ?, ?, ?, ?)`,
		f.RawEventID, f.Detector, string(f.Severity), f.Score, string(detail),
	)
	if err != nil {
		return fmt.Errorf("journal: insert engine_results: %w", err)
	}
	return nil
}

// CustomRules returns the enabled custom rules for engineName.
func (s *Store) CustomRules(ctx context.Context, engineName string) (map[string]CustomRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_name, rule_content, category FROM custom_rules WHERE engine_name = ? AND enabled = 1`,
		engineName,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query custom_rules: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CustomRule)
	for rows.Next() {
		var r CustomRule
		r.EngineName = engineName
		r.Enabled = true
		if err := rows.Scan(&r.RuleName, &r.RuleBody, &r.Category); err != nil {
			return nil, fmt.Errorf("journal: scan custom_rules row: %w", err)
		}
		out[r.RuleName] = r
	}
	return out, rows.Err()
}

// UpsertCustomRule records or updates one custom_rules row, keyed on the
// (engine_name, rule_name) uniqueness constraint.
func (s *Store) UpsertCustomRule(ctx context.Context, r CustomRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_rules (engine_name, rule_name, rule_content, category, enabled, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(engine_name, rule_name) DO UPDATE SET
		   rule_content=excluded.rule_content, category=excluded.category, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		r.EngineName, r.RuleName, r.RuleBody, r.Category, r.Enabled, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("journal: upsert custom_rules: %w", err)
	}
	return nil
}

// DangerousTools returns tool -> safety tier for every tool known for mcpTag.
func (s *Store) DangerousTools(ctx context.Context, mcpTag string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool, safety FROM mcpl WHERE mcp_tag = ?`, mcpTag)
	if err != nil {
		return nil, fmt.Errorf("journal: query mcpl: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var tool, safety string
		if err := rows.Scan(&tool, &safety); err != nil {
			return nil, fmt.Errorf("journal: scan mcpl row: %w", err)
		}
		out[tool] = safety
	}
	return out, rows.Err()
}

// UpsertToolSafety records a tool's latest safety tier in the mcpl table,
// keyed on the (mcp_tag, tool) uniqueness constraint.
func (s *Store) UpsertToolSafety(ctx context.Context, mcpTag, producer, tool, title, description string, parameter, annotations json.RawMessage, safety string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mcpl (mcp_tag, producer, tool, tool_title, tool_description, tool_parameter, annotations, safety, safety_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mcp_tag, tool) DO UPDATE SET
		   producer=excluded.producer, tool_title=excluded.tool_title, tool_description=excluded.tool_description,
		   tool_parameter=excluded.tool_parameter, annotations=excluded.annotations, safety=excluded.safety,
		   safety_checked_at=excluded.safety_checked_at`,
		mcpTag, producer, tool, title, description, string(parameter), string(annotations), safety, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("journal: upsert mcpl: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
