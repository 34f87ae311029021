package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/course-builder-go/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "course"
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	now := time.Now().UTC()
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}

	runRaw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), string(runRaw), s.ttl)
	if run.SessionID != "" {
		sessionIdx := s.sessionIndexKey(run.SessionID)
		pipe.ZAdd(ctx, sessionIdx, goredis.Z{
			Score:  float64(run.CreatedAt.Unix()),
			Member: run.RunID,
		})
		pipe.Expire(ctx, sessionIdx, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	raw, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run from redis: %w", err)
	}

	var run state.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
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

	ids := make([]string, 0, limit)
	if query.SessionID != "" {
		values, err := s.client.ZRevRange(ctx, s.sessionIndexKey(query.SessionID), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list run ids by session: %w", err)
		}
		ids = append(ids, values...)
	} else {
		var cursor uint64
		match := s.runPattern()
		for {
			keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan redis run keys: %w", err)
			}
			for _, key := range keys {
				if id := s.runIDFromKey(key); id != "" {
					ids = append(ids, id)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	if len(ids) == 0 {
		return []state.RunRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget runs from redis: %w", err)
	}

	out := make([]state.RunRecord, 0, len(loaded))
	staleIDs := make([]string, 0)
	for i, raw := range loaded {
		if raw == nil {
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		var run state.RunRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &run); err != nil {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}

	if query.SessionID != "" && len(staleIDs) > 0 {
		members := make([]any, 0, len(staleIDs))
		for _, id := range staleIDs {
			members = append(members, id)
		}
		_ = s.client.ZRem(ctx, s.sessionIndexKey(query.SessionID), members...).Err()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(*out[j].CreatedAt)
	})
	if query.SessionID == "" {
		if offset >= len(out) {
			return []state.RunRecord{}, nil
		}
		out = out[offset:]
		if len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.checkpointSeqKey(checkpoint.RunID, checkpoint.Seq), string(raw), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	if !ok {
		return state.ErrConflict
	}

	latestKey := s.latestCheckpointKey(checkpoint.RunID)
	latestRaw, err := s.client.Get(ctx, latestKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}

	updateLatest := true
	if err == nil && latestRaw != "" {
		var latest state.CheckpointRecord
		if json.Unmarshal([]byte(latestRaw), &latest) == nil && latest.Seq > checkpoint.Seq {
			updateLatest = false
		}
	}
	if updateLatest {
		if err := s.client.Set(ctx, latestKey, string(raw), s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set latest checkpoint: %w", err)
		}
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	if runID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("run_id is required")
	}

	raw, err := s.client.Get(ctx, s.latestCheckpointKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	var checkpoint state.CheckpointRecord
	if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	var (
		cursor uint64
		keys   []string
	)
	for {
		found, next, err := s.client.Scan(ctx, cursor, s.checkpointSeqPattern(runID), int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []state.CheckpointRecord{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint values: %w", err)
	}
	out := make([]state.CheckpointRecord, 0, len(values))
	for _, raw := range values {
		if raw == nil {
			continue
		}
		var checkpoint state.CheckpointRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &checkpoint); err != nil {
			continue
		}
		out = append(out, checkpoint)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq > out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Artifacts for a run live in one hash keyed by step name; HSET gives
// last-write-wins per step.
func (s *Store) SaveArtifact(ctx context.Context, artifact state.ArtifactRecord) error {
	if artifact.RunID == "" || artifact.StepName == "" {
		return fmt.Errorf("run_id and step_name are required")
	}
	if artifact.Timestamp.IsZero() {
		artifact.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	key := s.artifactsKey(artifact.RunID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, artifact.StepName, string(raw))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save artifact in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadArtifact(ctx context.Context, runID, stepName string) (state.ArtifactRecord, error) {
	raw, err := s.client.HGet(ctx, s.artifactsKey(runID), stepName).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.ArtifactRecord{}, state.ErrNotFound
		}
		return state.ArtifactRecord{}, fmt.Errorf("failed to load artifact from redis: %w", err)
	}
	var artifact state.ArtifactRecord
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		return state.ArtifactRecord{}, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return artifact, nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]state.ArtifactRecord, error) {
	values, err := s.client.HGetAll(ctx, s.artifactsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts from redis: %w", err)
	}
	out := make([]state.ArtifactRecord, 0, len(values))
	for _, raw := range values {
		var artifact state.ArtifactRecord
		if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
			continue
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepName < out[j].StepName })
	return out, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, runID, stepName string) error {
	if err := s.client.HDel(ctx, s.artifactsKey(runID), stepName).Err(); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// Progress entries are an RPUSH list; the returned list length is the
// entry's sequence number.
func (s *Store) AppendProgress(ctx context.Context, entry state.ProgressEntry) (state.ProgressEntry, error) {
	if entry.RunID == "" {
		return state.ProgressEntry{}, fmt.Errorf("run_id is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Seq = 0
	raw, err := json.Marshal(entry)
	if err != nil {
		return state.ProgressEntry{}, fmt.Errorf("failed to marshal progress entry: %w", err)
	}

	key := s.progressKey(entry.RunID)
	n, err := s.client.RPush(ctx, key, string(raw)).Result()
	if err != nil {
		return state.ProgressEntry{}, fmt.Errorf("failed to append progress: %w", err)
	}
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	entry.Seq = int(n)
	return entry, nil
}

func (s *Store) ListProgress(ctx context.Context, runID string) ([]state.ProgressEntry, error) {
	values, err := s.client.LRange(ctx, s.progressKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	out := make([]state.ProgressEntry, 0, len(values))
	for i, raw := range values {
		var entry state.ProgressEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode progress entry: %w", err)
		}
		entry.Seq = i + 1
		out = append(out, entry)
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
	raw, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}
	if err := s.client.Set(ctx, s.feedbackKey(feedback.RunID, feedback.Gate), string(raw), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to deposit feedback: %w", err)
	}
	return nil
}

func (s *Store) PeekFeedback(ctx context.Context, runID, gate string) (state.FeedbackRecord, error) {
	raw, err := s.client.Get(ctx, s.feedbackKey(runID, gate)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.FeedbackRecord{}, state.ErrNotFound
		}
		return state.FeedbackRecord{}, fmt.Errorf("failed to peek feedback: %w", err)
	}
	var feedback state.FeedbackRecord
	if err := json.Unmarshal([]byte(raw), &feedback); err != nil {
		return state.FeedbackRecord{}, fmt.Errorf("failed to decode feedback: %w", err)
	}
	return feedback, nil
}

func (s *Store) DeleteFeedback(ctx context.Context, runID, gate string) error {
	if err := s.client.Del(ctx, s.feedbackKey(runID, gate)).Err(); err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	return nil
}

func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(runID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if runID == "" || owner == "" {
		return fmt.Errorf("run_id and owner are required")
	}
	if _, err := releaseScript.Run(ctx, s.client, []string{s.lockKey(runID)}, owner).Result(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *Store) runPattern() string {
	return fmt.Sprintf("%s:run:*", s.prefix)
}

func (s *Store) runIDFromKey(key string) string {
	prefix := fmt.Sprintf("%s:run:", s.prefix)
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

func (s *Store) sessionIndexKey(sessionID string) string {
	return fmt.Sprintf("%s:runidx:session:%s", s.prefix, sessionID)
}

func (s *Store) latestCheckpointKey(runID string) string {
	return fmt.Sprintf("%s:ckpt:latest:%s", s.prefix, runID)
}

func (s *Store) checkpointSeqKey(runID string, seq int) string {
	return fmt.Sprintf("%s:ckpt:%s:%d", s.prefix, runID, seq)
}

func (s *Store) checkpointSeqPattern(runID string) string {
	return fmt.Sprintf("%s:ckpt:%s:*", s.prefix, runID)
}

func (s *Store) artifactsKey(runID string) string {
	return fmt.Sprintf("%s:artifacts:%s", s.prefix, runID)
}

func (s *Store) progressKey(runID string) string {
	return fmt.Sprintf("%s:progress:%s", s.prefix, runID)
}

func (s *Store) feedbackKey(runID, gate string) string {
	return fmt.Sprintf("%s:feedback:%s:%s", s.prefix, runID, gate)
}

func (s *Store) lockKey(runID string) string {
	return fmt.Sprintf("%s:lock:run:%s", s.prefix, runID)
}

var (
	_ state.Store     = (*Store)(nil)
	_ state.RunLocker = (*Store)(nil)
)
