package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// sqlStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound to $N for Postgres.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	agent               TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	project_root        TEXT NOT NULL DEFAULT '',
	total_input_tokens  BIGINT NOT NULL DEFAULT 0,
	total_output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tool_time_ms  BIGINT NOT NULL DEFAULT 0,
	tool_counts         TEXT NOT NULL DEFAULT '{}',
	last_active_at      TIMESTAMP NOT NULL,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	role          TEXT NOT NULL,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	agent         TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS message_parts (
	id               TEXT PRIMARY KEY,
	message_id       TEXT NOT NULL,
	idx              INTEGER NOT NULL,
	step_index       INTEGER NOT NULL DEFAULT 0,
	type             TEXT NOT NULL,
	content          TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMP NOT NULL,
	completed_at     TIMESTAMP,
	tool_name        TEXT NOT NULL DEFAULT '',
	tool_call_id     TEXT NOT NULL DEFAULT '',
	tool_duration_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_parts_message ON message_parts (message_id, idx);
`

func newSQLStore(db *sql.DB, postgres bool) (*sqlStore, error) {
	s := &sqlStore{db: db, postgres: postgres}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return s, nil
}

// rebind converts ? placeholders to $N for Postgres.
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func marshalToolCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "{}"
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (s *sqlStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, agent, title, project_root, total_input_tokens, total_output_tokens,
			total_tool_time_ms, tool_counts, last_active_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Agent, session.Title, session.ProjectRoot,
		session.TotalInputTokens, session.TotalOutputTokens, session.TotalToolTimeMs,
		marshalToolCounts(session.ToolCounts),
		session.LastActiveAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *sqlStore) scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var session models.Session
	var toolCounts string
	err := row.Scan(
		&session.ID, &session.Agent, &session.Title, &session.ProjectRoot,
		&session.TotalInputTokens, &session.TotalOutputTokens, &session.TotalToolTimeMs,
		&toolCounts, &session.LastActiveAt, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if toolCounts != "" && toolCounts != "{}" {
		counts := make(map[string]int64)
		if err := json.Unmarshal([]byte(toolCounts), &counts); err == nil {
			session.ToolCounts = counts
		}
	}
	return &session, nil
}

const sessionColumns = `id, agent, title, project_root, total_input_tokens, total_output_tokens,
	total_tool_time_ms, tool_counts, last_active_at, created_at, updated_at`

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return s.scanSession(row)
}

func (s *sqlStore) UpdateSession(ctx context.Context, session *models.Session) error {
	result, err := s.exec(ctx, `
		UPDATE sessions SET agent = ?, title = ?, project_root = ?, total_input_tokens = ?,
			total_output_tokens = ?, total_tool_time_ms = ?, tool_counts = ?,
			last_active_at = ?, updated_at = ?
		WHERE id = ?`,
		session.Agent, session.Title, session.ProjectRoot,
		session.TotalInputTokens, session.TotalOutputTokens, session.TotalToolTimeMs,
		marshalToolCounts(session.ToolCounts),
		session.LastActiveAt, session.UpdatedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(result)
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		session, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

const messageColumns = `id, session_id, role, status, error, agent, provider, model,
	input_tokens, output_tokens, cost_usd, latency_ms, created_at, completed_at`

func (s *sqlStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	var input, output int
	if msg.Usage != nil {
		input, output = msg.Usage.InputTokens, msg.Usage.OutputTokens
	}
	_, err := s.exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), string(msg.Status), msg.Error,
		msg.Agent, msg.Provider, msg.Model, input, output, msg.CostUSD, msg.LatencyMs,
		msg.CreatedAt, nullTime(msg.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *sqlStore) scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var msg models.Message
	var role, status string
	var input, output int
	var completedAt sql.NullTime
	err := row.Scan(
		&msg.ID, &msg.SessionID, &role, &status, &msg.Error,
		&msg.Agent, &msg.Provider, &msg.Model, &input, &output,
		&msg.CostUSD, &msg.LatencyMs, &msg.CreatedAt, &completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Status = models.MessageStatus(status)
	if input != 0 || output != 0 {
		msg.Usage = &models.TokenUsage{InputTokens: input, OutputTokens: output}
	}
	if completedAt.Valid {
		t := completedAt.Time
		msg.CompletedAt = &t
	}
	return &msg, nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return s.scanMessage(row)
}

func (s *sqlStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *sqlStore) SetMessageStatus(ctx context.Context, id string, status models.MessageStatus, errMsg string) error {
	result, err := s.exec(ctx, `UPDATE messages SET status = ?, error = ? WHERE id = ?`,
		string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("set message status: %w", err)
	}
	return requireRow(result)
}

func (s *sqlStore) FinishMessage(ctx context.Context, msg *models.Message) error {
	var input, output int
	if msg.Usage != nil {
		input, output = msg.Usage.InputTokens, msg.Usage.OutputTokens
	}
	result, err := s.exec(ctx, `
		UPDATE messages SET status = ?, error = ?, input_tokens = ?, output_tokens = ?,
			cost_usd = ?, latency_ms = ?, completed_at = ?
		WHERE id = ?`,
		string(msg.Status), msg.Error, input, output, msg.CostUSD, msg.LatencyMs,
		nullTime(msg.CompletedAt), msg.ID,
	)
	if err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return requireRow(result)
}

const partColumns = `id, message_id, idx, step_index, type, content, started_at, completed_at,
	tool_name, tool_call_id, tool_duration_ms`

func (s *sqlStore) CreatePart(ctx context.Context, part *models.MessagePart) error {
	_, err := s.exec(ctx, `
		INSERT INTO message_parts (`+partColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		part.ID, part.MessageID, part.Index, part.StepIndex, string(part.Type), part.Content,
		part.StartedAt, nullTime(part.CompletedAt), part.ToolName, part.ToolCallID, part.ToolDurationMs,
	)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	return nil
}

func (s *sqlStore) scanPart(row interface{ Scan(...any) error }) (*models.MessagePart, error) {
	var part models.MessagePart
	var partType string
	var completedAt sql.NullTime
	err := row.Scan(
		&part.ID, &part.MessageID, &part.Index, &part.StepIndex, &partType, &part.Content,
		&part.StartedAt, &completedAt, &part.ToolName, &part.ToolCallID, &part.ToolDurationMs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	part.Type = models.PartType(partType)
	if completedAt.Valid {
		t := completedAt.Time
		part.CompletedAt = &t
	}
	return &part, nil
}

func (s *sqlStore) GetPart(ctx context.Context, id string) (*models.MessagePart, error) {
	row := s.queryRow(ctx, `SELECT `+partColumns+` FROM message_parts WHERE id = ?`, id)
	return s.scanPart(row)
}

func (s *sqlStore) ListParts(ctx context.Context, messageID string) ([]*models.MessagePart, error) {
	rows, err := s.query(ctx, `
		SELECT `+partColumns+` FROM message_parts
		WHERE message_id = ? ORDER BY idx`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var result []*models.MessagePart
	for rows.Next() {
		part, err := s.scanPart(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, part)
	}
	return result, rows.Err()
}

func (s *sqlStore) MaxPartIndex(ctx context.Context, messageID string) (int, error) {
	var max sql.NullInt64
	row := s.queryRow(ctx, `SELECT MAX(idx) FROM message_parts WHERE message_id = ?`, messageID)
	if err := row.Scan(&max); err != nil {
		return -1, fmt.Errorf("max part index: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

func (s *sqlStore) UpdatePartContent(ctx context.Context, id, content string) error {
	result, err := s.exec(ctx, `UPDATE message_parts SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("update part content: %w", err)
	}
	return requireRow(result)
}

func (s *sqlStore) FinishPart(ctx context.Context, id string, completedAt time.Time) error {
	result, err := s.exec(ctx, `UPDATE message_parts SET completed_at = ? WHERE id = ?`, completedAt, id)
	if err != nil {
		return fmt.Errorf("finish part: %w", err)
	}
	return requireRow(result)
}

func (s *sqlStore) DeletePart(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM message_parts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete part: %w", err)
	}
	return requireRow(result)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
