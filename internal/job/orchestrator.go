// Package job owns the lifecycle of synthesis jobs: creation and chunking,
// per-chunk processing through the credential pool, status queries, ordered
// reassembly of the final artifact, and cleanup.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/core"
	"github.com/book-expert/tts-pool-service/internal/keypool"
	"github.com/book-expert/tts-pool-service/internal/textchunk"
	"github.com/book-expert/tts-pool-service/internal/wav"
	"github.com/google/uuid"
)

// Static errors.
var (
	ErrOwnerEmpty           = errors.New("owner id cannot be empty")
	ErrTextEmpty            = errors.New("text cannot be empty")
	ErrVoiceEmpty           = errors.New("voice cannot be empty")
	ErrNotOwner             = errors.New("job does not belong to caller")
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")
	ErrJobNotFinished       = errors.New("job still has unprocessed chunks")
	ErrJobFailed            = errors.New("job failed")
)

const allChunksFailedMessage = "all chunks failed"

// ChunkFailure reports one chunk that ended without audio.
type ChunkFailure struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// Orchestrator coordinates chunking, dispatch, credential selection and
// reassembly for synthesis jobs. Chunk processing runs through the configured
// Dispatcher; each chunk is an independent unit of work and sibling chunks
// never abort each other.
type Orchestrator struct {
	jobs         core.JobStore
	scheduler    *keypool.Scheduler
	synthesizer  core.Synthesizer
	dispatcher   core.Dispatcher
	log          *logger.Logger
	maxChunkSize int
	chunkTimeout time.Duration
}

// Compile-time interface assertion.
var _ core.ChunkProcessor = (*Orchestrator)(nil)

// New creates an Orchestrator. Wire a dispatcher with SetDispatcher before
// creating jobs; without one, chunks stay pending until ProcessChunk is
// invoked explicitly.
func New(
	jobs core.JobStore,
	scheduler *keypool.Scheduler,
	synthesizer core.Synthesizer,
	log *logger.Logger,
	maxChunkSize int,
	chunkTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		jobs:         jobs,
		scheduler:    scheduler,
		synthesizer:  synthesizer,
		dispatcher:   nil,
		log:          log,
		maxChunkSize: maxChunkSize,
		chunkTimeout: chunkTimeout,
	}
}

// SetDispatcher installs the asynchronous chunk dispatcher.
func (o *Orchestrator) SetDispatcher(dispatcher core.Dispatcher) {
	o.dispatcher = dispatcher
}

// Create splits the text, persists the job and every chunk's text, dispatches
// the chunk work, and returns immediately with the job identifier and chunk
// count. Setup failures (persisting metadata or chunk texts) abort the whole
// job; dispatch failures are recorded as per-chunk failures and the job
// continues.
func (o *Orchestrator) Create(
	ctx context.Context, ownerID, text, voice string,
) (string, int, error) {
	inputErr := validateCreateInputs(ownerID, text, voice)
	if inputErr != nil {
		return "", 0, inputErr
	}

	chunks := textchunk.Split(textchunk.Normalize(text), o.maxChunkSize)
	if len(chunks) == 0 {
		return "", 0, ErrTextEmpty
	}

	jobID := uuid.NewString()
	record := &core.Job{
		ID:              jobID,
		OwnerID:         ownerID,
		Voice:           voice,
		TotalChunks:     len(chunks),
		ProcessedChunks: 0,
		SucceededChunks: 0,
		Status:          core.JobStatusPending,
		Error:           "",
		CreatedAt:       time.Now().UTC(),
	}

	setupErr := o.persistJobSetup(ctx, record, chunks)
	if setupErr != nil {
		return "", 0, setupErr
	}

	statusErr := o.jobs.SetJobStatus(ctx, jobID, core.JobStatusProcessing, "")
	if statusErr != nil {
		o.log.Warn("Failed to mark job %s as processing: %v", jobID, statusErr)
	}

	o.dispatchChunks(ctx, record)

	o.log.Info("Created job %s with %d chunk(s) for owner %s", jobID, len(chunks), ownerID)

	return jobID, len(chunks), nil
}

// ProcessChunk runs one chunk's credential search and synthesis. It is safe
// to invoke independently and concurrently with sibling chunks. A chunk that
// already has a result returns it without re-synthesizing.
func (o *Orchestrator) ProcessChunk(
	ctx context.Context, ownerID, jobID string, chunkIndex int,
) ([]byte, error) {
	record, err := o.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	if chunkIndex < 0 || chunkIndex >= record.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkIndexOutOfRange,
			chunkIndex, record.TotalChunks)
	}

	existing, existingErr := o.jobs.GetChunkResult(ctx, jobID, chunkIndex)
	if existingErr == nil {
		if existing.Failed() {
			return nil, errors.New(existing.Err)
		}

		return existing.Audio, nil
	}

	if !errors.Is(existingErr, core.ErrResultNotFound) {
		return nil, existingErr
	}

	text, textErr := o.jobs.GetChunkText(ctx, jobID, chunkIndex)
	if textErr != nil {
		return nil, textErr
	}

	audioData, synthErr := o.synthesizeChunk(ctx, record, text)

	// The job may have been cleaned up while synthesis was in flight. Its
	// state is gone; persisting now would leave orphaned keys, so the late
	// result is discarded.
	if o.jobDeleted(ctx, jobID, chunkIndex) {
		return audioData, synthErr
	}

	if synthErr != nil {
		o.recordChunkFailure(ctx, record, chunkIndex, synthErr)

		return nil, synthErr
	}

	saveErr := o.jobs.SaveChunkResult(ctx, jobID, chunkIndex,
		core.ChunkResult{Version: core.RecordVersion, Audio: audioData, Err: ""})
	if saveErr != nil {
		return nil, saveErr
	}

	_, succErr := o.jobs.IncrementSucceeded(ctx, jobID)
	if succErr != nil {
		o.log.Warn("Failed to count success for job %s: %v", jobID, succErr)
	}

	o.advanceProgress(ctx, record)

	return audioData, nil
}

// Status returns the current job snapshot for its owner. Safe to poll.
func (o *Orchestrator) Status(ctx context.Context, ownerID, jobID string) (*core.Job, error) {
	return o.ownedJob(ctx, ownerID, jobID)
}

// Result assembles the final WAV artifact from all successful chunks in index
// order, returns the failure list for the rest, and deletes the job state.
// Valid only once every chunk has a result; a job with zero successful chunks
// is a hard failure, not a retrievable result.
func (o *Orchestrator) Result(
	ctx context.Context, ownerID, jobID string,
) ([]byte, []ChunkFailure, error) {
	record, err := o.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, nil, err
	}

	if !record.Done() {
		return nil, nil, fmt.Errorf("%w: %d of %d processed", ErrJobNotFinished,
			record.ProcessedChunks, record.TotalChunks)
	}

	if record.SucceededChunks == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobFailed, record.Error)
	}

	buffers, failures, collectErr := o.collectResults(ctx, record)
	if collectErr != nil {
		return nil, nil, collectErr
	}

	artifact := wav.Assemble(buffers)

	cleanupErr := o.jobs.DeleteJob(ctx, jobID, record.TotalChunks)
	if cleanupErr != nil {
		o.log.Warn("Failed to clean up job %s after retrieval: %v", jobID, cleanupErr)
	}

	return artifact, failures, nil
}

// Cleanup deletes all persisted state for a job. Safe to call while chunks
// are still in flight; their late results are simply discarded.
func (o *Orchestrator) Cleanup(ctx context.Context, ownerID, jobID string) error {
	record, err := o.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return err
	}

	deleteErr := o.jobs.DeleteJob(ctx, jobID, record.TotalChunks)
	if deleteErr != nil {
		return deleteErr
	}

	o.log.Info("Cleaned up job %s for owner %s", jobID, ownerID)

	return nil
}

func validateCreateInputs(ownerID, text, voice string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrOwnerEmpty
	}

	if strings.TrimSpace(text) == "" {
		return ErrTextEmpty
	}

	if strings.TrimSpace(voice) == "" {
		return ErrVoiceEmpty
	}

	return nil
}

// persistJobSetup writes the job hash and every chunk text. Any failure here
// is a job-level setup error: the job is marked failed and nothing is
// dispatched.
func (o *Orchestrator) persistJobSetup(
	ctx context.Context, record *core.Job, chunks []string,
) error {
	saveErr := o.jobs.SaveJob(ctx, record)
	if saveErr != nil {
		return fmt.Errorf("failed to persist job metadata: %w", saveErr)
	}

	for index, chunkText := range chunks {
		textErr := o.jobs.SaveChunkText(ctx, record.ID, index, chunkText)
		if textErr != nil {
			o.failJobSetup(ctx, record.ID, textErr)

			return fmt.Errorf("failed to persist chunk %d text: %w", index, textErr)
		}
	}

	return nil
}

func (o *Orchestrator) failJobSetup(ctx context.Context, jobID string, cause error) {
	statusErr := o.jobs.SetJobStatus(ctx, jobID, core.JobStatusFailed, cause.Error())
	if statusErr != nil {
		o.log.Error("Failed to mark job %s as failed: %v", jobID, statusErr)
	}
}

// dispatchChunks hands every chunk to the dispatcher. A chunk whose dispatch
// is rejected gets a terminal failure result so the job can still finish.
func (o *Orchestrator) dispatchChunks(ctx context.Context, record *core.Job) {
	if o.dispatcher == nil {
		o.log.Warn("No dispatcher configured; job %s chunks await explicit processing", record.ID)

		return
	}

	for index := range record.TotalChunks {
		dispatchErr := o.dispatcher.Dispatch(ctx, record.OwnerID, record.ID, index)
		if dispatchErr != nil {
			o.log.Error("Failed to dispatch chunk %d of job %s: %v",
				index, record.ID, dispatchErr)
			o.recordChunkFailure(ctx, record, index,
				fmt.Errorf("dispatch failed: %w", dispatchErr))
		}
	}
}

func (o *Orchestrator) synthesizeChunk(
	ctx context.Context, record *core.Job, text string,
) ([]byte, error) {
	// Bound each chunk so one stuck external call cannot stall the job's
	// otherwise-parallel progress.
	chunkCtx, cancel := context.WithTimeout(ctx, o.chunkTimeout)
	defer cancel()

	return o.scheduler.SelectAndTry(chunkCtx, record.OwnerID,
		func(entry core.CredentialEntry) ([]byte, error) {
			return o.synthesizer.Synthesize(chunkCtx, entry.Secret, text, record.Voice)
		})
}

// recordChunkFailure persists a chunk's terminal error and advances progress.
// Sibling chunks keep processing; only the final tally decides job failure.
func (o *Orchestrator) recordChunkFailure(
	ctx context.Context, record *core.Job, chunkIndex int, cause error,
) {
	saveErr := o.jobs.SaveChunkResult(ctx, record.ID, chunkIndex,
		core.ChunkResult{Version: core.RecordVersion, Audio: nil, Err: cause.Error()})
	if saveErr != nil {
		o.log.Error("Failed to record failure for chunk %d of job %s: %v",
			chunkIndex, record.ID, saveErr)
	}

	o.advanceProgress(ctx, record)
}

// advanceProgress bumps the processed counter and, once every chunk has a
// result, settles the job's terminal status.
func (o *Orchestrator) advanceProgress(ctx context.Context, record *core.Job) {
	processed, err := o.jobs.IncrementProcessed(ctx, record.ID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			o.log.Info("Job %s was deleted before chunk progress could be counted", record.ID)
		} else {
			o.log.Error("Failed to count progress for job %s: %v", record.ID, err)
		}

		return
	}

	if processed < record.TotalChunks {
		return
	}

	current, getErr := o.jobs.GetJob(ctx, record.ID)
	if getErr != nil {
		o.log.Error("Failed to reload job %s for finalization: %v", record.ID, getErr)

		return
	}

	if current.SucceededChunks == 0 {
		o.failJobSetup(ctx, record.ID, errors.New(allChunksFailedMessage))

		return
	}

	statusErr := o.jobs.SetJobStatus(ctx, record.ID, core.JobStatusCompleted, "")
	if statusErr != nil {
		o.log.Error("Failed to mark job %s as completed: %v", record.ID, statusErr)
	}
}

// jobDeleted reports whether the job record no longer exists.
func (o *Orchestrator) jobDeleted(ctx context.Context, jobID string, chunkIndex int) bool {
	_, err := o.jobs.GetJob(ctx, jobID)
	if errors.Is(err, core.ErrJobNotFound) {
		o.log.Info("Job %s was deleted while chunk %d was in flight; discarding its result",
			jobID, chunkIndex)

		return true
	}

	return false
}

func (o *Orchestrator) ownedJob(ctx context.Context, ownerID, jobID string) (*core.Job, error) {
	record, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Ownership is checked before any data is returned or mutated. A
	// non-owner request is an authorization failure, not a not-found.
	if record.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: job %s", ErrNotOwner, jobID)
	}

	return record, nil
}

// collectResults gathers successful chunk audio in index order and the
// failure list for the rest. Gaps from failed chunks are omitted, never
// zero-filled.
func (o *Orchestrator) collectResults(
	ctx context.Context, record *core.Job,
) ([][]byte, []ChunkFailure, error) {
	buffers := make([][]byte, 0, record.TotalChunks)

	var failures []ChunkFailure

	for index := range record.TotalChunks {
		result, err := o.jobs.GetChunkResult(ctx, record.ID, index)
		if err != nil {
			return nil, nil, fmt.Errorf(
				"failed to collect result for chunk %d of job %s: %w",
				index, record.ID, err)
		}

		if result.Failed() {
			failures = append(failures, ChunkFailure{Index: index, Message: result.Err})

			continue
		}

		buffers = append(buffers, result.Audio)
	}

	return buffers, failures, nil
}
