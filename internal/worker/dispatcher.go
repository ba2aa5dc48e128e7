package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/tts-pool-service/internal/core"
	"github.com/nats-io/nats.go"
)

// NatsDispatcher publishes chunk work to the dispatch subject. Any worker
// subscribed to that subject picks the chunk up; the dispatcher does not
// wait for completion.
type NatsDispatcher struct {
	natsConnection  *nats.Conn
	dispatchSubject string
}

// Compile-time interface assertion.
var _ core.Dispatcher = (*NatsDispatcher)(nil)

// NewNatsDispatcher creates a dispatcher publishing to dispatchSubject.
func NewNatsDispatcher(natsConnection *nats.Conn, dispatchSubject string) (*NatsDispatcher, error) {
	if dispatchSubject == "" {
		return nil, ErrSubjectEmpty
	}

	return &NatsDispatcher{
		natsConnection:  natsConnection,
		dispatchSubject: dispatchSubject,
	}, nil
}

// Dispatch publishes one chunk dispatch event. A publish failure is returned
// to the caller, which records it as that chunk's terminal failure.
func (d *NatsDispatcher) Dispatch(_ context.Context, ownerID, jobID string, chunkIndex int) error {
	event := ChunkDispatchEvent{
		OwnerID:    ownerID,
		JobID:      jobID,
		ChunkIndex: chunkIndex,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch event: %w", err)
	}

	publishErr := d.natsConnection.Publish(d.dispatchSubject, data)
	if publishErr != nil {
		return fmt.Errorf("failed to publish dispatch event: %w", publishErr)
	}

	return nil
}
