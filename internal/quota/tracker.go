// Package quota keeps the per-credential, per-day call ledger. The external
// service's quota window does not reset at local midnight; accounting uses a
// quota day shifted eight hours behind UTC so counters reset exactly once per
// real reset event.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/tts-pool-service/internal/core"
)

// The provider resets usage at 15:00 Vietnam time, which is 08:00 UTC.
const quotaDayShift = -8 * time.Hour

const quotaDayLayout = "2006-01-02"

// Tracker decides whether credentials have remaining daily quota and records
// usage through the credential store. Every mutation is written back before
// the caller proceeds; atomicity across concurrent workers is best-effort.
type Tracker struct {
	store core.CredentialStore
	now   func() time.Time
}

// New creates a Tracker using the wall clock.
func New(store core.CredentialStore) *Tracker {
	return NewWithClock(store, time.Now)
}

// NewWithClock creates a Tracker with an injected clock, for tests.
func NewWithClock(store core.CredentialStore, now func() time.Time) *Tracker {
	return &Tracker{
		store: store,
		now:   now,
	}
}

// QuotaDay returns the current quota-day identifier.
func (t *Tracker) QuotaDay() string {
	return t.now().UTC().Add(quotaDayShift).Format(quotaDayLayout)
}

// Remaining reports whether the entry may be used for another call today.
// A stale usage date means the counter belongs to a previous quota day and
// is treated as zero; it is not rewritten until the next recorded call.
func (t *Tracker) Remaining(entry core.CredentialEntry, dailyLimit int) bool {
	if entry.UsageDate != t.QuotaDay() {
		return true
	}

	return entry.UsageCount < dailyLimit
}

// RecordSuccess increments the entry's counter for the current quota day,
// resetting first when the stored date is stale, and persists the entry at
// the given pool index.
func (t *Tracker) RecordSuccess(
	ctx context.Context,
	ownerID string,
	index int,
	entry core.CredentialEntry,
) (core.CredentialEntry, error) {
	today := t.QuotaDay()

	if entry.UsageDate != today {
		entry.UsageCount = 0
		entry.UsageDate = today
	}

	entry.UsageCount++

	err := t.store.SaveEntry(ctx, ownerID, index, entry)
	if err != nil {
		return entry, fmt.Errorf("failed to persist usage for credential %s: %w",
			entry.Redacted(), err)
	}

	return entry, nil
}

// RecordExhaustion pins the entry's counter to the daily limit for the current
// quota day, so the pool stops retrying a credential the endpoint itself
// reported as exhausted.
func (t *Tracker) RecordExhaustion(
	ctx context.Context,
	ownerID string,
	index int,
	entry core.CredentialEntry,
	dailyLimit int,
) (core.CredentialEntry, error) {
	entry.UsageCount = dailyLimit
	entry.UsageDate = t.QuotaDay()

	err := t.store.SaveEntry(ctx, ownerID, index, entry)
	if err != nil {
		return entry, fmt.Errorf("failed to persist exhaustion for credential %s: %w",
			entry.Redacted(), err)
	}

	return entry, nil
}
