package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/core"
)

// ErrCredentialNotFound indicates the secret to remove is not in the pool.
var ErrCredentialNotFound = errors.New("credential not found in pool")

// RedactedCredential is the listable view of a pool entry: the secret's last
// four characters plus its usage counters. Full secrets are never exposed.
type RedactedCredential struct {
	Label      string `json:"label"`
	UsageCount int    `json:"usage_count"`
	UsageDate  string `json:"usage_date"`
}

// Manager implements the administrative pool operations: bulk add, remove by
// value, and redacted listing.
type Manager struct {
	store core.CredentialStore
	log   *logger.Logger
}

// NewManager creates a pool Manager over the credential store.
func NewManager(store core.CredentialStore, log *logger.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log,
	}
}

// AddCredentials parses a newline-delimited paste of secrets, deduplicates
// them against the existing pool and within the paste itself, appends the new
// entries, and returns how many were added.
func (m *Manager) AddCredentials(ctx context.Context, ownerID, bulk string) (int, error) {
	pool, err := m.store.LoadPool(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to load credential pool for owner %s: %w", ownerID, err)
	}

	known := make(map[string]struct{}, len(pool))
	for _, entry := range pool {
		known[entry.Secret] = struct{}{}
	}

	added := 0

	for _, line := range strings.Split(bulk, "\n") {
		secret := strings.TrimSpace(line)
		if secret == "" {
			continue
		}

		if _, duplicate := known[secret]; duplicate {
			continue
		}

		known[secret] = struct{}{}

		pool = append(pool, core.CredentialEntry{Secret: secret, UsageCount: 0, UsageDate: ""})
		added++
	}

	if added == 0 {
		return 0, nil
	}

	err = m.store.ReplacePool(ctx, ownerID, pool)
	if err != nil {
		return 0, fmt.Errorf("failed to persist credential pool for owner %s: %w", ownerID, err)
	}

	m.log.Info("Added %d credential(s) to pool for owner %s", added, ownerID)

	return added, nil
}

// RemoveCredential deletes one credential by its full secret value. Removal is
// always an explicit administrative action, never automatic.
func (m *Manager) RemoveCredential(ctx context.Context, ownerID, secret string) error {
	pool, err := m.store.LoadPool(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to load credential pool for owner %s: %w", ownerID, err)
	}

	kept := make([]core.CredentialEntry, 0, len(pool))

	for _, entry := range pool {
		if entry.Secret != secret {
			kept = append(kept, entry)
		}
	}

	if len(kept) == len(pool) {
		return ErrCredentialNotFound
	}

	err = m.store.ReplacePool(ctx, ownerID, kept)
	if err != nil {
		return fmt.Errorf("failed to persist credential pool for owner %s: %w", ownerID, err)
	}

	return nil
}

// ListCredentials returns the redacted view of the owner's pool in order.
func (m *Manager) ListCredentials(ctx context.Context, ownerID string) ([]RedactedCredential, error) {
	pool, err := m.store.LoadPool(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential pool for owner %s: %w", ownerID, err)
	}

	listed := make([]RedactedCredential, 0, len(pool))

	for _, entry := range pool {
		listed = append(listed, RedactedCredential{
			Label:      entry.Redacted(),
			UsageCount: entry.UsageCount,
			UsageDate:  entry.UsageDate,
		})
	}

	return listed, nil
}
