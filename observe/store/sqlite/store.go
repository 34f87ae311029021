package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/course-builder-go/observe"
	observestore "github.com/PipeOpsHQ/course-builder-go/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite interaction log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create interaction log dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open interaction log db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize interaction log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveEvent appends one interaction. Attributes are kept as the event's
// payload; the domain event type gets its own column so session history
// can be read without decoding it.
func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	payload, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO interaction_events (
  event_id, session_id, run_id, event_type, kind, status, name, stage, gate,
  message, error, duration_ms, payload, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		event.ID, event.SessionID, event.RunID, event.EventType(),
		string(event.Kind), string(event.Status), event.Name, event.Stage, event.Gate,
		event.Message, event.Error, event.DurationMs, string(payload),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save interaction event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByRun(ctx context.Context, runID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	return s.list(ctx, "run_id", runID, query)
}

// ListEventsBySession returns a session's interactions in the order they
// happened, optionally narrowed to some event kinds.
func (s *Store) ListEventsBySession(ctx context.Context, sessionID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("sessionID is required")
	}
	return s.list(ctx, "session_id", sessionID, query)
}

func (s *Store) list(ctx context.Context, column, value string, query observestore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(query.Offset, 0)

	where := []string{column + " = ?"}
	args := []any{value}
	if len(query.Kinds) > 0 {
		marks := make([]string, len(query.Kinds))
		for i, kind := range query.Kinds {
			marks[i] = "?"
			args = append(args, string(kind))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, session_id, run_id, kind, status, name, stage, gate,
       message, error, duration_ms, payload, timestamp
FROM interaction_events
WHERE `+strings.Join(where, " AND ")+`
ORDER BY seq ASC
LIMIT ? OFFSET ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list interaction events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0)
	for rows.Next() {
		var (
			e                     observe.Event
			kind, status, payload string
			ts                    string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RunID, &kind, &status, &e.Name, &e.Stage, &e.Gate,
			&e.Message, &e.Error, &e.DurationMs, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan interaction event: %w", err)
		}
		e.Kind = observe.Kind(kind)
		e.Status = observe.Status(status)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		_ = json.Unmarshal([]byte(payload), &e.Attributes)
		e.Normalize()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interaction events: %w", err)
	}
	return out, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return observestore.MetricsSummary{}, nil
	}
	q := "SELECT kind, status, name, COUNT(*) FROM interaction_events"
	args := []any{}
	if query.Since != nil {
		q += " WHERE timestamp >= ?"
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}
	q += " GROUP BY kind, status, name;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("failed to aggregate metrics: %w", err)
	}
	defer rows.Close()

	var metrics observestore.MetricsSummary
	for rows.Next() {
		var (
			kind, status, name string
			n                  int64
		)
		if err := rows.Scan(&kind, &status, &name, &n); err != nil {
			return observestore.MetricsSummary{}, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		metrics.Add(observe.Event{Kind: observe.Kind(kind), Status: observe.Status(status), Name: name}, n)
	}
	if err := rows.Err(); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("failed to iterate metrics: %w", err)
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ observestore.Store = (*Store)(nil)
