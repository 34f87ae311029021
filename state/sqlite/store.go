package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// Progress sequence numbers rely on a single writer connection.
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Status == "" {
		run.Status = state.RunStatusRunning
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	const q = `
INSERT INTO runs (
  run_id, session_id, pipeline, status, current_stage, paused_at, metadata, error, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  session_id=excluded.session_id,
  pipeline=excluded.pipeline,
  status=excluded.status,
  current_stage=excluded.current_stage,
  paused_at=excluded.paused_at,
  metadata=excluded.metadata,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		run.RunID,
		run.SessionID,
		run.Pipeline,
		run.Status,
		run.CurrentStage,
		run.PausedAt,
		string(metaRaw),
		run.Error,
		toNullableTime(run.CreatedAt),
		toNullableTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `run_id, session_id, pipeline, status, current_stage, paused_at, metadata, error, created_at, updated_at, completed_at`

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?;", runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if checkpoint.Stage == "" {
		checkpoint.Stage = "unknown"
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	stateRaw, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	const q = `
INSERT INTO checkpoints (run_id, seq, stage, state, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		checkpoint.RunID,
		checkpoint.Seq,
		checkpoint.Stage,
		string(stateRaw),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	if runID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("run_id is required")
	}

	const q = `
SELECT run_id, seq, stage, state, created_at
FROM checkpoints
WHERE run_id = ?
ORDER BY seq DESC
LIMIT 1;
`
	record, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return record, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT run_id, seq, stage, state, created_at
FROM checkpoints
WHERE run_id = ?
ORDER BY seq DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		record, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) SaveArtifact(ctx context.Context, artifact state.ArtifactRecord) error {
	if artifact.RunID == "" || artifact.StepName == "" {
		return fmt.Errorf("run_id and step_name are required")
	}
	if artifact.Timestamp.IsZero() {
		artifact.Timestamp = time.Now().UTC()
	}
	if artifact.Data == nil {
		artifact.Data = map[string]any{}
	}
	dataRaw, err := json.Marshal(artifact.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact data: %w", err)
	}

	const q = `
INSERT INTO artifacts (run_id, step_name, data, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id, step_name) DO UPDATE SET
  data=excluded.data,
  created_at=excluded.created_at;
`
	_, err = s.db.ExecContext(ctx, q,
		artifact.RunID,
		artifact.StepName,
		string(dataRaw),
		artifact.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

func (s *Store) LoadArtifact(ctx context.Context, runID, stepName string) (state.ArtifactRecord, error) {
	if runID == "" || stepName == "" {
		return state.ArtifactRecord{}, fmt.Errorf("run_id and step_name are required")
	}
	const q = `
SELECT run_id, step_name, data, created_at
FROM artifacts
WHERE run_id = ? AND step_name = ?;
`
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, q, runID, stepName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ArtifactRecord{}, state.ErrNotFound
		}
		return state.ArtifactRecord{}, fmt.Errorf("failed to load artifact: %w", err)
	}
	return artifact, nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]state.ArtifactRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	const q = `
SELECT run_id, step_name, data, created_at
FROM artifacts
WHERE run_id = ?
ORDER BY step_name ASC;
`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]state.ArtifactRecord, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		out = append(out, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, runID, stepName string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE run_id = ? AND step_name = ?;", runID, stepName); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func (s *Store) AppendProgress(ctx context.Context, entry state.ProgressEntry) (state.ProgressEntry, error) {
	if entry.RunID == "" {
		return state.ProgressEntry{}, fmt.Errorf("run_id is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	detailsRaw, err := json.Marshal(entry.Details)
	if err != nil {
		return state.ProgressEntry{}, fmt.Errorf("failed to marshal progress details: %w", err)
	}

	const q = `
INSERT INTO progress (run_id, seq, stage, status, details, created_at)
SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
FROM progress
WHERE run_id = ?
RETURNING seq;
`
	err = s.db.QueryRowContext(ctx, q,
		entry.RunID,
		entry.Stage,
		entry.Status,
		string(detailsRaw),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.RunID,
	).Scan(&entry.Seq)
	if err != nil {
		return state.ProgressEntry{}, fmt.Errorf("failed to append progress: %w", err)
	}
	return entry, nil
}

func (s *Store) ListProgress(ctx context.Context, runID string) ([]state.ProgressEntry, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	const q = `
SELECT run_id, seq, stage, status, details, created_at
FROM progress
WHERE run_id = ?
ORDER BY seq ASC;
`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	out := make([]state.ProgressEntry, 0)
	for rows.Next() {
		var (
			entry      state.ProgressEntry
			detailsRaw string
			createdRaw string
		)
		if err := rows.Scan(&entry.RunID, &entry.Seq, &entry.Stage, &entry.Status, &detailsRaw, &createdRaw); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		if entry.Timestamp, err = parseRequiredTime(createdRaw); err != nil {
			return nil, fmt.Errorf("failed to parse progress time: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsRaw), &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode progress details: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate progress: %w", err)
	}
	return out, nil
}

func (s *Store) DepositFeedback(ctx context.Context, feedback state.FeedbackRecord) error {
	if feedback.RunID == "" || feedback.Gate == "" {
		return fmt.Errorf("run_id and gate are required")
	}
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now().UTC()
	}
	payloadRaw, err := json.Marshal(feedback.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback payload: %w", err)
	}

	const q = `
INSERT INTO feedback (run_id, gate, payload, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id, gate) DO UPDATE SET
  payload=excluded.payload,
  created_at=excluded.created_at;
`
	if _, err := s.db.ExecContext(ctx, q,
		feedback.RunID,
		feedback.Gate,
		string(payloadRaw),
		feedback.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to deposit feedback: %w", err)
	}
	return nil
}

func (s *Store) PeekFeedback(ctx context.Context, runID, gate string) (state.FeedbackRecord, error) {
	const q = `
SELECT run_id, gate, payload, created_at
FROM feedback
WHERE run_id = ? AND gate = ?;
`
	var (
		record     state.FeedbackRecord
		payloadRaw string
		createdRaw string
	)
	err := s.db.QueryRowContext(ctx, q, runID, gate).Scan(&record.RunID, &record.Gate, &payloadRaw, &createdRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.FeedbackRecord{}, state.ErrNotFound
		}
		return state.FeedbackRecord{}, fmt.Errorf("failed to peek feedback: %w", err)
	}
	if record.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return state.FeedbackRecord{}, fmt.Errorf("failed to parse feedback time: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadRaw), &record.Payload); err != nil {
		return state.FeedbackRecord{}, fmt.Errorf("failed to decode feedback payload: %w", err)
	}
	return record, nil
}

func (s *Store) DeleteFeedback(ctx context.Context, runID, gate string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM feedback WHERE run_id = ? AND gate = ?;", runID, gate); err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (state.RunRecord, error) {
	var (
		run          state.RunRecord
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.SessionID,
		&run.Pipeline,
		&run.Status,
		&run.CurrentStage,
		&run.PausedAt,
		&metadataRaw,
		&run.Error,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return state.RunRecord{}, err
	}
	if strings.TrimSpace(metadataRaw) == "" {
		run.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metadataRaw), &run.Metadata); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run metadata: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func scanCheckpoint(row rowScanner) (state.CheckpointRecord, error) {
	var (
		record     state.CheckpointRecord
		stateRaw   string
		createdRaw string
	)
	if err := row.Scan(&record.RunID, &record.Seq, &record.Stage, &stateRaw, &createdRaw); err != nil {
		return state.CheckpointRecord{}, err
	}
	var err error
	if record.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stateRaw), &record.State); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return record, nil
}

func scanArtifact(row rowScanner) (state.ArtifactRecord, error) {
	var (
		artifact   state.ArtifactRecord
		dataRaw    string
		createdRaw string
	)
	if err := row.Scan(&artifact.RunID, &artifact.StepName, &dataRaw, &createdRaw); err != nil {
		return state.ArtifactRecord{}, err
	}
	var err error
	if artifact.Timestamp, err = parseRequiredTime(createdRaw); err != nil {
		return state.ArtifactRecord{}, fmt.Errorf("failed to parse artifact time: %w", err)
	}
	if err := json.Unmarshal([]byte(dataRaw), &artifact.Data); err != nil {
		return state.ArtifactRecord{}, fmt.Errorf("failed to decode artifact data: %w", err)
	}
	return artifact, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ state.Store = (*Store)(nil)
