// Package job_test tests job lifecycle orchestration.
package job_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/core"
	"github.com/book-expert/tts-pool-service/internal/job"
	"github.com/book-expert/tts-pool-service/internal/keypool"
	"github.com/book-expert/tts-pool-service/internal/quota"
	"github.com/book-expert/tts-pool-service/internal/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMockPersist  = errors.New("mock persist error")
	errMockDispatch = errors.New("mock dispatch error")
)

// memoryJobStore is a thread-safe in-memory job store.
type memoryJobStore struct {
	mu                sync.Mutex
	jobs              map[string]*core.Job
	chunks            map[string]string
	results           map[string]core.ChunkResult
	failSaveChunkText bool
}

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{
		jobs:    make(map[string]*core.Job),
		chunks:  make(map[string]string),
		results: make(map[string]core.ChunkResult),
	}
}

func chunkKey(jobID string, index int) string {
	return fmt.Sprintf("%s/%d", jobID, index)
}

func (m *memoryJobStore) SaveJob(_ context.Context, record *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *record
	m.jobs[record.ID] = &clone

	return nil
}

func (m *memoryJobStore) GetJob(_ context.Context, jobID string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	clone := *record

	return &clone, nil
}

func (m *memoryJobStore) SetJobStatus(
	_ context.Context, jobID string, status core.JobStatus, errMsg string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	record.Status = status
	record.Error = errMsg

	return nil
}

func (m *memoryJobStore) SaveChunkText(_ context.Context, jobID string, index int, text string) error {
	if m.failSaveChunkText {
		return errMockPersist
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunks[chunkKey(jobID, index)] = text

	return nil
}

func (m *memoryJobStore) GetChunkText(_ context.Context, jobID string, index int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	text, ok := m.chunks[chunkKey(jobID, index)]
	if !ok {
		return "", fmt.Errorf("%w: job %s chunk %d", core.ErrChunkNotFound, jobID, index)
	}

	return text, nil
}

func (m *memoryJobStore) SaveChunkResult(
	_ context.Context, jobID string, index int, result core.ChunkResult,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[chunkKey(jobID, index)] = result

	return nil
}

func (m *memoryJobStore) GetChunkResult(
	_ context.Context, jobID string, index int,
) (core.ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.results[chunkKey(jobID, index)]
	if !ok {
		return core.ChunkResult{}, fmt.Errorf(
			"%w: job %s chunk %d", core.ErrResultNotFound, jobID, index)
	}

	return result, nil
}

func (m *memoryJobStore) IncrementProcessed(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	record.ProcessedChunks++

	return record.ProcessedChunks, nil
}

func (m *memoryJobStore) IncrementSucceeded(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	record.SucceededChunks++

	return record.SucceededChunks, nil
}

func (m *memoryJobStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.jobs)
}

func (m *memoryJobStore) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.results)
}

func (m *memoryJobStore) DeleteJob(_ context.Context, jobID string, totalChunks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, jobID)

	for index := range totalChunks {
		delete(m.chunks, chunkKey(jobID, index))
		delete(m.results, chunkKey(jobID, index))
	}

	return nil
}

// memoryCredentialStore is a minimal in-memory credential store.
type memoryCredentialStore struct {
	mu     sync.Mutex
	pool   []core.CredentialEntry
	cursor int
}

func (m *memoryCredentialStore) LoadPool(_ context.Context, _ string) ([]core.CredentialEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]core.CredentialEntry, len(m.pool))
	copy(snapshot, m.pool)

	return snapshot, nil
}

func (m *memoryCredentialStore) ReplacePool(
	_ context.Context, _ string, entries []core.CredentialEntry,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pool = entries

	return nil
}

func (m *memoryCredentialStore) SaveEntry(
	_ context.Context, _ string, index int, entry core.CredentialEntry,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pool[index] = entry

	return nil
}

func (m *memoryCredentialStore) GetCursor(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cursor, nil
}

func (m *memoryCredentialStore) SetCursor(_ context.Context, _ string, cursor int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursor = cursor

	return nil
}

// mockSynthesizer returns audio derived from the chunk text, or fails when
// the text carries the failure marker.
type mockSynthesizer struct {
	mu    sync.Mutex
	calls int
}

func (m *mockSynthesizer) Synthesize(_ context.Context, _, text, _ string) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if strings.Contains(text, "FAIL") {
		return nil, fmt.Errorf("%w: synthetic refusal", core.ErrInvalidCredential)
	}

	return []byte("pcm:" + text + ";"), nil
}

func (m *mockSynthesizer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// blockingSynthesizer parks the first synthesis call until released, so tests
// can interleave cleanup with an in-flight chunk.
type blockingSynthesizer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSynthesizer) Synthesize(_ context.Context, _, text, _ string) ([]byte, error) {
	b.started <- struct{}{}
	<-b.release

	return []byte("pcm:" + text + ";"), nil
}

// failingDispatcher rejects every chunk it is handed.
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(_ context.Context, _, _ string, _ int) error {
	return errMockDispatch
}

// recordingDispatcher captures dispatched chunk indexes without processing.
type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _, _ string, chunkIndex int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dispatched = append(d.dispatched, chunkIndex)

	return nil
}

type testHarness struct {
	orchestrator *job.Orchestrator
	jobs         *memoryJobStore
	creds        *memoryCredentialStore
	synth        *mockSynthesizer
}

func newHarness(t *testing.T, maxChunkSize int) *testHarness {
	t.Helper()

	log, err := logger.New(t.TempDir(), "job-test.log")
	require.NoError(t, err)

	jobs := newMemoryJobStore()
	creds := &memoryCredentialStore{
		pool: []core.CredentialEntry{{Secret: "key-aaaa", UsageCount: 0, UsageDate: ""}},
	}
	tracker := quota.New(creds)
	scheduler := keypool.NewScheduler(creds, tracker, 1000, log)
	synthesizer := &mockSynthesizer{}

	orchestrator := job.New(jobs, scheduler, synthesizer, log, maxChunkSize, 30*time.Second)

	return &testHarness{
		orchestrator: orchestrator,
		jobs:         jobs,
		creds:        creds,
		synth:        synthesizer,
	}
}

const testOwner = "owner-1"

func TestCreate_ValidatesInputs(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	ctx := context.Background()

	_, _, err := harness.orchestrator.Create(ctx, "", "text", "Kore")
	require.ErrorIs(t, err, job.ErrOwnerEmpty)

	_, _, err = harness.orchestrator.Create(ctx, testOwner, "   ", "Kore")
	require.ErrorIs(t, err, job.ErrTextEmpty)

	_, _, err = harness.orchestrator.Create(ctx, testOwner, "text", "")
	require.ErrorIs(t, err, job.ErrVoiceEmpty)
}

func TestCreate_PersistsChunksAndDispatches(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 25)
	dispatcher := &recordingDispatcher{}
	harness.orchestrator.SetDispatcher(dispatcher)

	ctx := context.Background()

	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner,
		"First sentence here. Second sentence too.", "Kore")
	require.NoError(t, err)
	require.Equal(t, 2, totalChunks)

	record, err := harness.orchestrator.Status(ctx, testOwner, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusProcessing, record.Status)
	assert.Equal(t, 2, record.TotalChunks)
	assert.Equal(t, 0, record.ProcessedChunks)

	text0, err := harness.jobs.GetChunkText(ctx, jobID, 0)
	require.NoError(t, err)
	assert.Equal(t, "First sentence here.", text0)

	assert.ElementsMatch(t, []int{0, 1}, dispatcher.dispatched)
}

func TestCreate_SetupFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	harness.jobs.failSaveChunkText = true

	_, _, err := harness.orchestrator.Create(context.Background(), testOwner, "some text", "Kore")
	require.ErrorIs(t, err, errMockPersist)
}

func TestProcessChunk_SuccessAdvancesJob(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	ctx := context.Background()

	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner, "only one chunk", "Kore")
	require.NoError(t, err)
	require.Equal(t, 1, totalChunks)

	audio, err := harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("pcm:only one chunk;"), audio)

	record, err := harness.orchestrator.Status(ctx, testOwner, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, record.Status)
	assert.Equal(t, 1, record.ProcessedChunks)
	assert.Equal(t, 1, record.SucceededChunks)
}

func TestProcessChunk_IsIdempotent(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	ctx := context.Background()

	jobID, _, err := harness.orchestrator.Create(ctx, testOwner, "repeatable chunk", "Kore")
	require.NoError(t, err)

	first, err := harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.NoError(t, err)

	second, err := harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, harness.synth.callCount(), "reprocessing must not re-synthesize")

	record, err := harness.orchestrator.Status(ctx, testOwner, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, record.ProcessedChunks)
}

func TestProcessChunk_IndexOutOfRange(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	ctx := context.Background()

	jobID, _, err := harness.orchestrator.Create(ctx, testOwner, "short", "Kore")
	require.NoError(t, err)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 5)
	require.ErrorIs(t, err, job.ErrChunkIndexOutOfRange)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, -1)
	require.ErrorIs(t, err, job.ErrChunkIndexOutOfRange)
}

func TestOwnership_EnforcedOnEveryOperation(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	ctx := context.Background()

	jobID, _, err := harness.orchestrator.Create(ctx, testOwner, "private text", "Kore")
	require.NoError(t, err)

	_, err = harness.orchestrator.Status(ctx, "intruder", jobID)
	require.ErrorIs(t, err, job.ErrNotOwner)

	_, err = harness.orchestrator.ProcessChunk(ctx, "intruder", jobID, 0)
	require.ErrorIs(t, err, job.ErrNotOwner)

	_, _, err = harness.orchestrator.Result(ctx, "intruder", jobID)
	require.ErrorIs(t, err, job.ErrNotOwner)

	err = harness.orchestrator.Cleanup(ctx, "intruder", jobID)
	require.ErrorIs(t, err, job.ErrNotOwner)
}

func TestResult_RequiresAllChunksProcessed(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 25)
	ctx := context.Background()

	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner,
		"First sentence here. Second sentence too.", "Kore")
	require.NoError(t, err)
	require.Equal(t, 2, totalChunks)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.NoError(t, err)

	_, _, err = harness.orchestrator.Result(ctx, testOwner, jobID)
	require.ErrorIs(t, err, job.ErrJobNotFinished)
}

// Chunks processed in reversed order must assemble to exactly the bytes the
// in-order processing produces.
func TestResult_OrderPreservedUnderOutOfOrderCompletion(t *testing.T) {
	t.Parallel()

	text := "Alpha sentence one. Beta sentence two. Gamma sentence three."

	sequential := newHarness(t, 22)
	reversed := newHarness(t, 22)
	ctx := context.Background()

	seqID, seqChunks, err := sequential.orchestrator.Create(ctx, testOwner, text, "Kore")
	require.NoError(t, err)
	require.Equal(t, 3, seqChunks)

	revID, revChunks, err := reversed.orchestrator.Create(ctx, testOwner, text, "Kore")
	require.NoError(t, err)
	require.Equal(t, 3, revChunks)

	for index := range seqChunks {
		_, err = sequential.orchestrator.ProcessChunk(ctx, testOwner, seqID, index)
		require.NoError(t, err)
	}

	for index := revChunks - 1; index >= 0; index-- {
		_, err = reversed.orchestrator.ProcessChunk(ctx, testOwner, revID, index)
		require.NoError(t, err)
	}

	seqArtifact, seqFailures, err := sequential.orchestrator.Result(ctx, testOwner, seqID)
	require.NoError(t, err)
	require.Empty(t, seqFailures)

	revArtifact, revFailures, err := reversed.orchestrator.Result(ctx, testOwner, revID)
	require.NoError(t, err)
	require.Empty(t, revFailures)

	assert.Equal(t, seqArtifact, revArtifact)
}

func TestResult_ConcurrentProcessing(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 22)
	ctx := context.Background()

	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner,
		"Alpha sentence one. Beta sentence two. Gamma sentence three.", "Kore")
	require.NoError(t, err)

	var waitGroup sync.WaitGroup

	for index := range totalChunks {
		waitGroup.Add(1)

		go func(chunkIndex int) {
			defer waitGroup.Done()

			_, processErr := harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, chunkIndex)
			assert.NoError(t, processErr)
		}(index)
	}

	waitGroup.Wait()

	record, err := harness.orchestrator.Status(ctx, testOwner, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, record.Status)
	assert.Equal(t, totalChunks, record.ProcessedChunks)
}

// Chunks [0: success, 1: failure, 2: success] assemble chunks 0 and 2 in
// order plus a reported failure for chunk 1.
func TestResult_PartialFailureAssembly(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 16)
	ctx := context.Background()

	// Three chunks; the middle one carries the synthesizer failure marker.
	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner,
		"Good one here. FAIL this one. Good two here.", "Kore")
	require.NoError(t, err)
	require.Equal(t, 3, totalChunks)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.NoError(t, err)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 1)
	require.Error(t, err, "middle chunk must fail")

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 2)
	require.NoError(t, err)

	artifact, failures, err := harness.orchestrator.Result(ctx, testOwner, jobID)
	require.NoError(t, err)

	expected := wav.Assemble([][]byte{
		[]byte("pcm:Good one here.;"),
		[]byte("pcm:Good two here.;"),
	})
	assert.Equal(t, expected, artifact)

	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)
	assert.NotEmpty(t, failures[0].Message)
}

func TestResult_AllChunksFailedIsHardFailure(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	ctx := context.Background()

	jobID, _, err := harness.orchestrator.Create(ctx, testOwner, "FAIL everything", "Kore")
	require.NoError(t, err)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.Error(t, err)

	record, err := harness.orchestrator.Status(ctx, testOwner, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, record.Status)

	_, _, err = harness.orchestrator.Result(ctx, testOwner, jobID)
	require.ErrorIs(t, err, job.ErrJobFailed)
}

func TestResult_TriggersCleanup(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 100)
	ctx := context.Background()

	jobID, _, err := harness.orchestrator.Create(ctx, testOwner, "cleanup me", "Kore")
	require.NoError(t, err)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.NoError(t, err)

	_, _, err = harness.orchestrator.Result(ctx, testOwner, jobID)
	require.NoError(t, err)

	_, err = harness.orchestrator.Status(ctx, testOwner, jobID)
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

// A chunk whose synthesis outlives a Cleanup must not write its result back:
// no job hash, no result record, nothing left to own the keys.
func TestCleanup_DiscardsInFlightChunkResult(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "job-test.log")
	require.NoError(t, err)

	jobs := newMemoryJobStore()
	creds := &memoryCredentialStore{
		pool: []core.CredentialEntry{{Secret: "key-aaaa", UsageCount: 0, UsageDate: ""}},
	}
	tracker := quota.New(creds)
	scheduler := keypool.NewScheduler(creds, tracker, 1000, log)
	synthesizer := &blockingSynthesizer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	orchestrator := job.New(jobs, scheduler, synthesizer, log, 100, 30*time.Second)

	ctx := context.Background()

	jobID, totalChunks, err := orchestrator.Create(ctx, testOwner, "slow chunk", "Kore")
	require.NoError(t, err)
	require.Equal(t, 1, totalChunks)

	done := make(chan error, 1)

	go func() {
		_, processErr := orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
		done <- processErr
	}()

	<-synthesizer.started

	require.NoError(t, orchestrator.Cleanup(ctx, testOwner, jobID))

	close(synthesizer.release)
	require.NoError(t, <-done)

	assert.Equal(t, 0, jobs.jobCount(), "cleanup must not be undone by the late chunk")
	assert.Equal(t, 0, jobs.resultCount(), "late chunk result must be discarded")

	_, err = orchestrator.Status(ctx, testOwner, jobID)
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

// A rejected dispatch is that chunk's terminal failure; with every dispatch
// rejected the job settles as failed without any worker involvement.
func TestCreate_DispatchFailureRecordedAsChunkFailure(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 25)
	harness.orchestrator.SetDispatcher(failingDispatcher{})

	ctx := context.Background()

	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner,
		"First sentence here. Second sentence too.", "Kore")
	require.NoError(t, err, "creation survives dispatch rejection")
	require.Equal(t, 2, totalChunks)

	record, err := harness.orchestrator.Status(ctx, testOwner, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, record.Status)
	assert.Equal(t, 2, record.ProcessedChunks)

	for index := range totalChunks {
		result, resultErr := harness.jobs.GetChunkResult(ctx, jobID, index)
		require.NoError(t, resultErr)
		assert.True(t, result.Failed())
		assert.Contains(t, result.Err, "dispatch failed")
	}

	_, _, err = harness.orchestrator.Result(ctx, testOwner, jobID)
	require.ErrorIs(t, err, job.ErrJobFailed)
}

func TestCleanup_SafeWithUnprocessedChunks(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 25)
	ctx := context.Background()

	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner,
		"First sentence here. Second sentence too.", "Kore")
	require.NoError(t, err)
	require.Equal(t, 2, totalChunks)

	_, err = harness.orchestrator.ProcessChunk(ctx, testOwner, jobID, 0)
	require.NoError(t, err)

	require.NoError(t, harness.orchestrator.Cleanup(ctx, testOwner, jobID))

	_, err = harness.orchestrator.Status(ctx, testOwner, jobID)
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestLocalDispatcher_ProcessesChunks(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 25)

	log, err := logger.New(t.TempDir(), "dispatch-test.log")
	require.NoError(t, err)

	dispatcher := job.NewLocalDispatcher(harness.orchestrator, 2, log)
	harness.orchestrator.SetDispatcher(dispatcher)

	ctx := context.Background()

	jobID, totalChunks, err := harness.orchestrator.Create(ctx, testOwner,
		"First sentence here. Second sentence too.", "Kore")
	require.NoError(t, err)
	require.Equal(t, 2, totalChunks)

	require.Eventually(t, func() bool {
		record, statusErr := harness.orchestrator.Status(ctx, testOwner, jobID)
		if statusErr != nil {
			return false
		}

		return record.Done()
	}, 5*time.Second, 20*time.Millisecond)

	record, err := harness.orchestrator.Status(ctx, testOwner, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, record.Status)
}
