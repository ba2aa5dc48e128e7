// Package core defines the domain types and interfaces shared across the
// tts-pool-service: synthesis jobs, managed credentials, and the store,
// synthesizer and dispatcher contracts the other packages implement.
package core

import (
	"errors"
	"time"
)

// JobStatus represents the lifecycle stage of a synthesis job.
type JobStatus string

const (
	// JobStatusPending means the job is persisted but no chunk has been dispatched.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing means chunk work has been dispatched.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted means every chunk has a result and at least one succeeded.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed means the job hit a setup error or every chunk failed.
	JobStatusFailed JobStatus = "failed"
)

// RecordVersion is the schema version written for all persisted records.
const RecordVersion = 1

// Classified synthesis failures. The synthesis client maps provider errors
// onto these sentinels; everything unrecognized stays an ordinary error.
var (
	// ErrInvalidCredential indicates the credential was rejected by the endpoint.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrQuotaExceeded indicates the endpoint reported quota exhaustion for the credential.
	ErrQuotaExceeded = errors.New("credential quota exceeded")
)

// Store lookup failures.
var (
	// ErrJobNotFound indicates no job record exists for the given identifier.
	ErrJobNotFound = errors.New("job not found")
	// ErrChunkNotFound indicates no chunk text exists for the given index.
	ErrChunkNotFound = errors.New("chunk text not found")
	// ErrResultNotFound indicates the chunk has not been processed yet.
	ErrResultNotFound = errors.New("chunk result not found")
)

const redactedSecretSuffix = 4

// CredentialEntry is one managed external-API credential with its daily usage ledger.
// UsageCount is only meaningful while UsageDate equals the current quota day; a stale
// date means the counter must be treated as zero (lazy reset on next write).
type CredentialEntry struct {
	Secret     string `json:"secret"`
	UsageCount int    `json:"usage_count"`
	UsageDate  string `json:"usage_date"`
}

// Redacted returns the displayable form of the secret: its last four characters.
// Full secrets must never be logged or listed.
func (e CredentialEntry) Redacted() string {
	if len(e.Secret) <= redactedSecretSuffix {
		return e.Secret
	}

	return "..." + e.Secret[len(e.Secret)-redactedSecretSuffix:]
}

// Job is the persisted metadata for one long-text synthesis request.
type Job struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Voice           string    `json:"voice"`
	TotalChunks     int       `json:"total_chunks"`
	ProcessedChunks int       `json:"processed_chunks"`
	SucceededChunks int       `json:"succeeded_chunks"`
	Status          JobStatus `json:"status"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Done reports whether every chunk has a terminal result.
func (j *Job) Done() bool {
	return j.TotalChunks > 0 && j.ProcessedChunks >= j.TotalChunks
}

// ChunkResult is the terminal outcome of one chunk: raw decoded PCM audio on
// success, or the failure message that ended its credential search.
type ChunkResult struct {
	Version int    `json:"v"`
	Audio   []byte `json:"audio,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Failed reports whether the chunk ended without audio.
func (r ChunkResult) Failed() bool {
	return r.Err != ""
}
