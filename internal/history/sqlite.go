// Package history provides durable conversation storage: an append-only
// per-session turn log, session records with their context blob, and the
// analytics event log. SQLite is the only backend; the agent core sees
// this package's methods, not the schema.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Turn roles. The set is closed: the store rejects anything else.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
	// RoleSummary marks a synthetic turn produced by compaction. It stands
	// in for a contiguous prefix of older turns in the outbound context.
	RoleSummary = "summary"
)

// Session statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Session is a conversation session record.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    string    `json:"status"`
	Context   string    `json:"context,omitempty"` // session.Context JSON blob
}

// Turn is one immutable entry in a session's conversation log.
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"` // monotonic per session, assigned on append
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCalls  string    `json:"tool_calls,omitempty"`   // JSON array (assistant turns)
	ToolCallID string    `json:"tool_call_id,omitempty"` // correlation id (tool_result turns)
	TokenCount int       `json:"token_count"`
	Compacted  bool      `json:"compacted"`
	CreatedAt  time.Time `json:"created_at"`

	// Summary turns only: how many turns this block replaced and the
	// seq range it covers.
	ReplacedCount   int64 `json:"replaced_count,omitempty"`
	ReplacedFromSeq int64 `json:"replaced_from_seq,omitempty"`
	ReplacedToSeq   int64 `json:"replaced_to_seq,omitempty"`
}

// Store is the SQLite-backed history store.
type Store struct {
	db *sql.DB

	// Per-session append locks enforce the single-writer-per-session
	// discipline: concurrent appends for one session serialize, sessions
	// never block each other.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		status     TEXT NOT NULL DEFAULT 'active',
		context    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

	-- Turns: append-only; content never updated, only the compacted flag flips
	CREATE TABLE IF NOT EXISTS turns (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL REFERENCES sessions(id),
		seq               INTEGER NOT NULL,
		role              TEXT NOT NULL,
		content           TEXT NOT NULL,
		tool_calls        TEXT,
		tool_call_id      TEXT,
		token_count       INTEGER NOT NULL DEFAULT 0,
		compacted         BOOLEAN NOT NULL DEFAULT FALSE,
		replaced_count    INTEGER,
		replaced_from_seq INTEGER,
		replaced_to_seq   INTEGER,
		created_at        TIMESTAMP NOT NULL,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_turns_active ON turns(session_id, compacted);

	-- Analytics events: written by the loop, never read by the core
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		event_type TEXT NOT NULL,
		event_data TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// sessionLock returns the append lock for a session, creating it on
// first use.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// --- Sessions ---

// CreateSession creates a new active session and returns it.
func (s *Store) CreateSession() (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, created_at, updated_at, status, context)
		VALUES (?, ?, ?, ?, '')
	`, id.String(), now, now, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Session{ID: id.String(), CreatedAt: now, UpdatedAt: now, Status: StatusActive}, nil
}

// GetSession fetches a session by ID. Returns (nil, nil) if not found.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, updated_at, status, context
		FROM sessions WHERE id = ?
	`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &sess.Status, &sess.Context)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns active sessions, most recently updated first.
func (s *Store) ListSessions(limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, status, context
		FROM sessions WHERE status = ?
		ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`, StatusActive, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &sess.Status, &sess.Context); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// EndSession marks a session as ended. Turn history is untouched —
// sessions are never deleted.
func (s *Store) EndSession(id string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`, StatusEnded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// UpdateContext persists the session's context blob.
func (s *Store) UpdateContext(sessionID, contextBlob string) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET context = ?, updated_at = ? WHERE id = ?
	`, contextBlob, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	return nil
}

// --- Turns ---

// AppendTurn appends a turn to a session's log and returns the stored
// turn with its assigned seq. Appends for the same session serialize on
// the session lock so seq assignment and insertion are atomic with
// respect to other appenders.
func (s *Store) AppendTurn(sessionID string, turn Turn) (*Turn, error) {
	switch turn.Role {
	case RoleUser, RoleAssistant, RoleToolResult, RoleSummary:
	default:
		return nil, fmt.Errorf("invalid turn role: %q", turn.Role)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate turn id: %w", err)
	}

	now := time.Now().UTC()
	turn.ID = id.String()
	turn.SessionID = sessionID
	turn.CreatedAt = now
	if turn.TokenCount == 0 {
		turn.TokenCount = estimateTokens(turn.Content)
	}

	var seq int64
	err = s.db.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?
	`, sessionID).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}
	turn.Seq = seq

	_, err = s.db.Exec(`
		INSERT INTO turns (id, session_id, seq, role, content, tool_calls, tool_call_id,
			token_count, compacted, replaced_count, replaced_from_seq, replaced_to_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?, ?, ?, ?)
	`, turn.ID, sessionID, turn.Seq, turn.Role, turn.Content,
		nullable(turn.ToolCalls), nullable(turn.ToolCallID), turn.TokenCount,
		nullableInt(turn.ReplacedCount), nullableInt(turn.ReplacedFromSeq), nullableInt(turn.ReplacedToSeq), now)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}

	_, err = s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	return &turn, nil
}

// ActiveTurns returns the turns that form the outbound model context:
// everything not yet compacted away, with a summary turn ordered at the
// position of the range it replaced (so the block precedes the verbatim
// window it summarizes).
func (s *Store) ActiveTurns(sessionID string) ([]Turn, error) {
	return s.queryTurns(`
		SELECT id, session_id, seq, role, content, tool_calls, tool_call_id,
			token_count, compacted, replaced_count, replaced_from_seq, replaced_to_seq, created_at
		FROM turns
		WHERE session_id = ? AND compacted = FALSE
		ORDER BY COALESCE(replaced_from_seq, seq), seq
	`, sessionID)
}

// AllTurns returns the full durable log in seq order, including turns
// that compaction has hidden from the outbound context. Used by the
// session detail API and audits.
func (s *Store) AllTurns(sessionID string) ([]Turn, error) {
	return s.queryTurns(`
		SELECT id, session_id, seq, role, content, tool_calls, tool_call_id,
			token_count, compacted, replaced_count, replaced_from_seq, replaced_to_seq, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
}

func (s *Store) queryTurns(query, sessionID string) ([]Turn, error) {
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var toolCalls, toolCallID sql.NullString
		var rc, rf, rt sql.NullInt64
		err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Role, &t.Content,
			&toolCalls, &toolCallID, &t.TokenCount, &t.Compacted, &rc, &rf, &rt, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ToolCalls = toolCalls.String
		t.ToolCallID = toolCallID.String
		t.ReplacedCount = rc.Int64
		t.ReplacedFromSeq = rf.Int64
		t.ReplacedToSeq = rt.Int64
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// markCompacted hides the given turns from the outbound context. The
// rows themselves are never deleted or rewritten.
func (s *Store) markCompacted(sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE turns SET compacted = TRUE WHERE session_id = ? AND id = ?
		`, sessionID, id); err != nil {
			return fmt.Errorf("mark compacted: %w", err)
		}
	}
	return tx.Commit()
}

// --- Events ---

// LogEvent records an analytics event (tool_call, cart_created, ...).
// Event write failures are reported but are not fatal to the caller's
// request; analytics must never take down a conversation.
func (s *Store) LogEvent(sessionID, eventType string, data map[string]any) error {
	var blob any
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		blob = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO events (session_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, eventType, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// Stats returns storage statistics.
func (s *Store) Stats() map[string]any {
	var sessions, turns, events int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessions)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&turns)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&events)

	return map[string]any{
		"sessions": sessions,
		"turns":    turns,
		"events":   events,
		"storage":  "sqlite",
	}
}

// estimateTokens provides a rough token count estimate.
/// Rule of thumb: ~4 characters per token for English.
func estimateTokens(text string) int {
	return len(text) / 4
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
