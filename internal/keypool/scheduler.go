// Package keypool selects credentials from an owner's managed pool for
// synthesis attempts. Selection starts at a persisted rotation cursor, skips
// credentials without remaining quota, and falls through the whole pool
// before declaring a chunk unprocessable.
package keypool

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/core"
	"github.com/book-expert/tts-pool-service/internal/quota"
)

// Static errors.
var (
	// ErrNoCredentials indicates the owner has an empty credential pool.
	ErrNoCredentials = errors.New("no credentials in pool")
	// ErrPoolExhausted indicates every credential was skipped or failed.
	ErrPoolExhausted = errors.New("all credentials exhausted or failing")
)

// AttemptFunc performs one synthesis attempt with the given credential.
type AttemptFunc func(entry core.CredentialEntry) ([]byte, error)

// Scheduler iterates an owner's pool for each chunk independently, so one
// chunk's failure never aborts its siblings.
type Scheduler struct {
	store      core.CredentialStore
	tracker    *quota.Tracker
	log        *logger.Logger
	dailyLimit int
}

// NewScheduler creates a Scheduler enforcing dailyLimit calls per credential
// per quota day.
func NewScheduler(
	store core.CredentialStore,
	tracker *quota.Tracker,
	dailyLimit int,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		store:      store,
		tracker:    tracker,
		log:        log,
		dailyLimit: dailyLimit,
	}
}

// SelectAndTry walks the pool starting at the rotation cursor, wrapping
// around, and runs attempt on the first credential with quota headroom.
//
// On success the usage counter is recorded and the cursor advances past the
// credential. A quota-exceeded attempt pins the credential's counter to the
// daily limit and the search continues. Invalid-credential and other failures
// are logged and skipped without touching the counter, since the credential
// may work again later. When no credential yields audio, the last observed
// error is carried inside ErrPoolExhausted.
func (s *Scheduler) SelectAndTry(
	ctx context.Context,
	ownerID string,
	attempt AttemptFunc,
) ([]byte, error) {
	pool, err := s.store.LoadPool(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential pool for owner %s: %w", ownerID, err)
	}

	if len(pool) == 0 {
		return nil, ErrNoCredentials
	}

	cursor := s.loadCursor(ctx, ownerID, len(pool))

	var lastErr error

	for offset := range pool {
		index := (cursor + offset) % len(pool)
		entry := pool[index]

		if !s.tracker.Remaining(entry, s.dailyLimit) {
			continue
		}

		audioData, attemptErr := attempt(entry)
		if attemptErr == nil {
			s.finishSuccess(ctx, ownerID, index, entry, len(pool))

			return audioData, nil
		}

		lastErr = attemptErr

		s.handleAttemptFailure(ctx, ownerID, index, entry, attemptErr)
	}

	if lastErr == nil {
		return nil, ErrPoolExhausted
	}

	return nil, fmt.Errorf("%w: last error: %w", ErrPoolExhausted, lastErr)
}

// loadCursor reads the persisted rotation cursor, clamped to the pool size.
// A read failure falls back to the pool head rather than failing the chunk.
func (s *Scheduler) loadCursor(ctx context.Context, ownerID string, poolSize int) int {
	cursor, err := s.store.GetCursor(ctx, ownerID)
	if err != nil {
		s.log.Warn("Failed to read rotation cursor for owner %s: %v", ownerID, err)

		return 0
	}

	if cursor < 0 {
		return 0
	}

	return cursor % poolSize
}

func (s *Scheduler) finishSuccess(
	ctx context.Context,
	ownerID string,
	index int,
	entry core.CredentialEntry,
	poolSize int,
) {
	// Quota accounting across concurrent workers is best-effort; a failed
	// write is logged, not fatal, because the audio is already in hand.
	_, recordErr := s.tracker.RecordSuccess(ctx, ownerID, index, entry)
	if recordErr != nil {
		s.log.Warn("Failed to record usage for credential %s: %v", entry.Redacted(), recordErr)
	}

	cursorErr := s.store.SetCursor(ctx, ownerID, (index+1)%poolSize)
	if cursorErr != nil {
		s.log.Warn("Failed to advance rotation cursor for owner %s: %v", ownerID, cursorErr)
	}
}

func (s *Scheduler) handleAttemptFailure(
	ctx context.Context,
	ownerID string,
	index int,
	entry core.CredentialEntry,
	attemptErr error,
) {
	if errors.Is(attemptErr, core.ErrQuotaExceeded) {
		_, recordErr := s.tracker.RecordExhaustion(ctx, ownerID, index, entry, s.dailyLimit)
		if recordErr != nil {
			s.log.Warn("Failed to record exhaustion for credential %s: %v",
				entry.Redacted(), recordErr)
		}

		s.log.Info("Credential %s exhausted, trying next", entry.Redacted())

		return
	}

	// Invalid or transient failure: leave the counter alone, the credential
	// may work later in the day.
	s.log.Warn("Credential %s failed: %v", entry.Redacted(), attemptErr)
}
