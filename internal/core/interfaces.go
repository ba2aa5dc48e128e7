package core

import "context"

// JobStore persists job metadata, per-chunk texts and per-chunk results.
type JobStore interface {
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	SaveChunkText(ctx context.Context, jobID string, index int, text string) error
	GetChunkText(ctx context.Context, jobID string, index int) (string, error)
	SaveChunkResult(ctx context.Context, jobID string, index int, result ChunkResult) error
	GetChunkResult(ctx context.Context, jobID string, index int) (ChunkResult, error)
	IncrementProcessed(ctx context.Context, jobID string) (int, error)
	IncrementSucceeded(ctx context.Context, jobID string) (int, error)
	DeleteJob(ctx context.Context, jobID string, totalChunks int) error
}

// CredentialStore persists per-owner credential pools and the rotation cursor.
type CredentialStore interface {
	LoadPool(ctx context.Context, ownerID string) ([]CredentialEntry, error)
	ReplacePool(ctx context.Context, ownerID string, entries []CredentialEntry) error
	SaveEntry(ctx context.Context, ownerID string, index int, entry CredentialEntry) error
	GetCursor(ctx context.Context, ownerID string) (int, error)
	SetCursor(ctx context.Context, ownerID string, cursor int) error
}

// Synthesizer converts one chunk of text to raw PCM audio using one credential.
// Failures are classified: ErrInvalidCredential, ErrQuotaExceeded, or any other error.
type Synthesizer interface {
	Synthesize(ctx context.Context, secret, text, voice string) ([]byte, error)
}

// Dispatcher hands one chunk of a job to asynchronous processing. Dispatch
// returns once the work is accepted, not once it completes.
type Dispatcher interface {
	Dispatch(ctx context.Context, ownerID, jobID string, chunkIndex int) error
}

// ChunkProcessor is the unit of chunk work a queue worker invokes.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, ownerID, jobID string, chunkIndex int) ([]byte, error)
}
