// Package store implements the persistence layer on Redis: job metadata as
// hashes, chunk texts and results as plain keys, credential pools as ordered
// lists, and the per-owner rotation cursor as an integer key.
//
// All persisted records carry an explicit schema version. Legacy bare-secret
// pool entries are migrated to versioned records once at load time; the read
// path never sniffs between formats afterwards.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/tts-pool-service/internal/core"
	"github.com/redis/go-redis/v9"
)

// Key layouts.
const (
	jobKeyFormat    = "job:%s"
	chunkKeyFormat  = "job:%s:chunk:%d"
	resultKeyFormat = "job:%s:result:%d"
	poolKeyFormat   = "credentialPool:%s"
	cursorKeyFormat = "rotationCursor:%s"
)

// Job hash fields.
const (
	fieldOwnerID         = "owner_id"
	fieldVoice           = "voice"
	fieldStatus          = "status"
	fieldTotalChunks     = "total_chunks"
	fieldProcessedChunks = "processed_chunks"
	fieldSucceededChunks = "succeeded_chunks"
	fieldError           = "error"
	fieldCreatedAt       = "created_at"
)

// ErrUnsupportedRecordVersion indicates a persisted record carries a schema
// version this build does not understand.
var ErrUnsupportedRecordVersion = errors.New("unsupported record version")

// credentialRecord is the versioned on-wire form of a pool entry.
type credentialRecord struct {
	Version    int    `json:"v"`
	Secret     string `json:"secret"`
	UsageCount int    `json:"usage_count"`
	UsageDate  string `json:"usage_date"`
}

// RedisStore implements core.JobStore and core.CredentialStore on one Redis
// connection.
type RedisStore struct {
	client *redis.Client
}

// Compile-time interface assertions.
var (
	_ core.JobStore        = (*RedisStore)(nil)
	_ core.CredentialStore = (*RedisStore)(nil)
)

// Connect parses the Redis URL, establishes the connection and verifies it
// with a ping.
func Connect(ctx context.Context, url, password string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)

	pingErr := client.Ping(ctx).Err()
	if pingErr != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", pingErr)
	}

	return &RedisStore{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	err := s.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

// SaveJob writes the full job metadata hash.
func (s *RedisStore) SaveJob(ctx context.Context, job *core.Job) error {
	key := fmt.Sprintf(jobKeyFormat, job.ID)

	err := s.client.HSet(ctx, key, map[string]any{
		fieldOwnerID:         job.OwnerID,
		fieldVoice:           job.Voice,
		fieldStatus:          string(job.Status),
		fieldTotalChunks:     job.TotalChunks,
		fieldProcessedChunks: job.ProcessedChunks,
		fieldSucceededChunks: job.SucceededChunks,
		fieldError:           job.Error,
		fieldCreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	return nil
}

// GetJob reads the job metadata hash. A missing job yields core.ErrJobNotFound.
func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	key := fmt.Sprintf(jobKeyFormat, jobID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	createdAt, parseErr := time.Parse(time.RFC3339, fields[fieldCreatedAt])
	if parseErr != nil {
		return nil, fmt.Errorf("malformed created_at for job %s: %w", jobID, parseErr)
	}

	return &core.Job{
		ID:              jobID,
		OwnerID:         fields[fieldOwnerID],
		Voice:           fields[fieldVoice],
		TotalChunks:     parseIntField(fields[fieldTotalChunks]),
		ProcessedChunks: parseIntField(fields[fieldProcessedChunks]),
		SucceededChunks: parseIntField(fields[fieldSucceededChunks]),
		Status:          core.JobStatus(fields[fieldStatus]),
		Error:           fields[fieldError],
		CreatedAt:       createdAt,
	}, nil
}

// SetJobStatus updates the status and error fields in place.
func (s *RedisStore) SetJobStatus(
	ctx context.Context, jobID string, status core.JobStatus, errMsg string,
) error {
	key := fmt.Sprintf(jobKeyFormat, jobID)

	err := s.client.HSet(ctx, key, fieldStatus, string(status), fieldError, errMsg).Err()
	if err != nil {
		return fmt.Errorf("failed to update status for job %s: %w", jobID, err)
	}

	return nil
}

// SaveChunkText persists the literal text of one chunk under its own key so
// workers can fetch a single chunk without loading the whole document.
func (s *RedisStore) SaveChunkText(ctx context.Context, jobID string, index int, text string) error {
	key := fmt.Sprintf(chunkKeyFormat, jobID, index)

	err := s.client.Set(ctx, key, text, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to save chunk %d of job %s: %w", index, jobID, err)
	}

	return nil
}

// GetChunkText fetches one chunk's text by index.
func (s *RedisStore) GetChunkText(ctx context.Context, jobID string, index int) (string, error) {
	key := fmt.Sprintf(chunkKeyFormat, jobID, index)

	text, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: job %s chunk %d", core.ErrChunkNotFound, jobID, index)
	}

	if err != nil {
		return "", fmt.Errorf("failed to read chunk %d of job %s: %w", index, jobID, err)
	}

	return text, nil
}

// SaveChunkResult persists a chunk's terminal outcome as a versioned record.
func (s *RedisStore) SaveChunkResult(
	ctx context.Context, jobID string, index int, result core.ChunkResult,
) error {
	result.Version = core.RecordVersion

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for chunk %d of job %s: %w", index, jobID, err)
	}

	key := fmt.Sprintf(resultKeyFormat, jobID, index)

	setErr := s.client.Set(ctx, key, encoded, 0).Err()
	if setErr != nil {
		return fmt.Errorf("failed to save result for chunk %d of job %s: %w", index, jobID, setErr)
	}

	return nil
}

// GetChunkResult fetches one chunk's result. An unprocessed chunk yields
// core.ErrResultNotFound.
func (s *RedisStore) GetChunkResult(
	ctx context.Context, jobID string, index int,
) (core.ChunkResult, error) {
	key := fmt.Sprintf(resultKeyFormat, jobID, index)

	encoded, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return core.ChunkResult{}, fmt.Errorf(
			"%w: job %s chunk %d", core.ErrResultNotFound, jobID, index)
	}

	if err != nil {
		return core.ChunkResult{}, fmt.Errorf(
			"failed to read result for chunk %d of job %s: %w", index, jobID, err)
	}

	var result core.ChunkResult

	unmarshalErr := json.Unmarshal([]byte(encoded), &result)
	if unmarshalErr != nil {
		return core.ChunkResult{}, fmt.Errorf(
			"failed to unmarshal result for chunk %d of job %s: %w", index, jobID, unmarshalErr)
	}

	if result.Version != core.RecordVersion {
		return core.ChunkResult{}, fmt.Errorf(
			"%w: got %d", ErrUnsupportedRecordVersion, result.Version)
	}

	return result, nil
}

// IncrementProcessed atomically bumps the processed-chunk counter and returns
// the new value.
func (s *RedisStore) IncrementProcessed(ctx context.Context, jobID string) (int, error) {
	return s.incrementField(ctx, jobID, fieldProcessedChunks)
}

// IncrementSucceeded atomically bumps the succeeded-chunk counter and returns
// the new value.
func (s *RedisStore) IncrementSucceeded(ctx context.Context, jobID string) (int, error) {
	return s.incrementField(ctx, jobID, fieldSucceededChunks)
}

// incrementIfExistsScript bumps a hash field only while the hash is present,
// so a counter update racing a DeleteJob cannot resurrect the job key.
var incrementIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
`)

func (s *RedisStore) incrementField(ctx context.Context, jobID, field string) (int, error) {
	key := fmt.Sprintf(jobKeyFormat, jobID)

	value, err := incrementIfExistsScript.Run(ctx, s.client, []string{key}, field).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s for job %s: %w", field, jobID, err)
	}

	if value < 0 {
		return 0, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	return value, nil
}

// DeleteJob removes the job hash plus every chunk text and result key. Safe to
// call for jobs whose chunks never completed.
func (s *RedisStore) DeleteJob(ctx context.Context, jobID string, totalChunks int) error {
	keys := make([]string, 0, 2*totalChunks+1)
	keys = append(keys, fmt.Sprintf(jobKeyFormat, jobID))

	for index := range totalChunks {
		keys = append(keys,
			fmt.Sprintf(chunkKeyFormat, jobID, index),
			fmt.Sprintf(resultKeyFormat, jobID, index),
		)
	}

	err := s.client.Del(ctx, keys...).Err()
	if err != nil {
		return fmt.Errorf("failed to delete state for job %s: %w", jobID, err)
	}

	return nil
}

// LoadPool reads the owner's ordered credential list. Legacy entries that are
// bare secret strings are upgraded to versioned records and written back once;
// subsequent loads see only the current schema.
func (s *RedisStore) LoadPool(ctx context.Context, ownerID string) ([]core.CredentialEntry, error) {
	key := fmt.Sprintf(poolKeyFormat, ownerID)

	elements, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read credential pool for owner %s: %w", ownerID, err)
	}

	entries := make([]core.CredentialEntry, 0, len(elements))
	migrated := false

	for _, element := range elements {
		entry, wasLegacy, parseErr := parsePoolElement(element)
		if parseErr != nil {
			return nil, fmt.Errorf("credential pool for owner %s: %w", ownerID, parseErr)
		}

		migrated = migrated || wasLegacy

		entries = append(entries, entry)
	}

	if migrated {
		replaceErr := s.ReplacePool(ctx, ownerID, entries)
		if replaceErr != nil {
			return nil, fmt.Errorf("failed to migrate credential pool for owner %s: %w",
				ownerID, replaceErr)
		}
	}

	return entries, nil
}

// ReplacePool atomically rewrites the owner's whole credential list.
func (s *RedisStore) ReplacePool(
	ctx context.Context, ownerID string, entries []core.CredentialEntry,
) error {
	key := fmt.Sprintf(poolKeyFormat, ownerID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)

	for _, entry := range entries {
		encoded, err := marshalPoolEntry(entry)
		if err != nil {
			return err
		}

		pipe.RPush(ctx, key, encoded)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to rewrite credential pool for owner %s: %w", ownerID, err)
	}

	return nil
}

// SaveEntry overwrites one pool element in place.
func (s *RedisStore) SaveEntry(
	ctx context.Context, ownerID string, index int, entry core.CredentialEntry,
) error {
	key := fmt.Sprintf(poolKeyFormat, ownerID)

	encoded, err := marshalPoolEntry(entry)
	if err != nil {
		return err
	}

	setErr := s.client.LSet(ctx, key, int64(index), encoded).Err()
	if setErr != nil {
		return fmt.Errorf("failed to update credential %d for owner %s: %w",
			index, ownerID, setErr)
	}

	return nil
}

// GetCursor reads the owner's rotation cursor, defaulting to zero.
func (s *RedisStore) GetCursor(ctx context.Context, ownerID string) (int, error) {
	key := fmt.Sprintf(cursorKeyFormat, ownerID)

	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read rotation cursor for owner %s: %w", ownerID, err)
	}

	cursor, convErr := strconv.Atoi(value)
	if convErr != nil {
		return 0, fmt.Errorf("malformed rotation cursor for owner %s: %w", ownerID, convErr)
	}

	return cursor, nil
}

// SetCursor persists the owner's rotation cursor.
func (s *RedisStore) SetCursor(ctx context.Context, ownerID string, cursor int) error {
	key := fmt.Sprintf(cursorKeyFormat, ownerID)

	err := s.client.Set(ctx, key, cursor, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to save rotation cursor for owner %s: %w", ownerID, err)
	}

	return nil
}

func marshalPoolEntry(entry core.CredentialEntry) ([]byte, error) {
	encoded, err := json.Marshal(credentialRecord{
		Version:    core.RecordVersion,
		Secret:     entry.Secret,
		UsageCount: entry.UsageCount,
		UsageDate:  entry.UsageDate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential record: %w", err)
	}

	return encoded, nil
}

func parsePoolElement(element string) (core.CredentialEntry, bool, error) {
	if !strings.HasPrefix(strings.TrimSpace(element), "{") {
		// Legacy format: the element is the bare secret itself.
		return core.CredentialEntry{Secret: element, UsageCount: 0, UsageDate: ""}, true, nil
	}

	var record credentialRecord

	err := json.Unmarshal([]byte(element), &record)
	if err != nil {
		return core.CredentialEntry{}, false, fmt.Errorf(
			"failed to unmarshal credential record: %w", err)
	}

	if record.Version != core.RecordVersion {
		return core.CredentialEntry{}, false, fmt.Errorf(
			"%w: got %d", ErrUnsupportedRecordVersion, record.Version)
	}

	return core.CredentialEntry{
		Secret:     record.Secret,
		UsageCount: record.UsageCount,
		UsageDate:  record.UsageDate,
	}, false, nil
}

func parseIntField(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}

	return parsed
}
