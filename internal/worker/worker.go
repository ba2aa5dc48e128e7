// Package worker provides the NATS transport for chunk processing: a
// dispatcher that publishes chunk work and a worker that consumes it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/core"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 120 * time.Second

var (
	// ErrSubjectEmpty indicates that a NATS subject is empty.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrProcessorNil indicates that no chunk processor was provided.
	ErrProcessorNil = errors.New("chunk processor cannot be nil")
	// ErrInvalidDispatchEvent indicates a dispatch event missing required fields.
	ErrInvalidDispatchEvent = errors.New("dispatch event missing job or owner id")
)

// NatsWorker consumes chunk dispatch events, runs them through the chunk
// processor, and publishes completion events.
type NatsWorker struct {
	natsConnection   *nats.Conn
	dispatchSubject  string
	completedSubject string
	processor        core.ChunkProcessor
	log              *logger.Logger
}

// NewNatsWorker creates a worker bound to the dispatch and completion
// subjects.
func NewNatsWorker(
	natsConnection *nats.Conn,
	dispatchSubject string,
	completedSubject string,
	processor core.ChunkProcessor,
	log *logger.Logger,
) (*NatsWorker, error) {
	if dispatchSubject == "" || completedSubject == "" {
		return nil, ErrSubjectEmpty
	}

	if processor == nil {
		return nil, ErrProcessorNil
	}

	return &NatsWorker{
		natsConnection:   natsConnection,
		dispatchSubject:  dispatchSubject,
		completedSubject: completedSubject,
		processor:        processor,
		log:              log,
	}, nil
}

// Run subscribes to the dispatch subject and blocks until the context is
// cancelled, then drains the subscription so in-flight chunks finish.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.dispatchSubject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.dispatchSubject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := parseDispatchEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse dispatch event: %v", err)

		return
	}

	completed := w.processDispatch(ctx, event)

	publishErr := w.publishCompletion(msg, completed)
	if publishErr != nil {
		w.log.Error("Failed to publish completion for chunk %d of job %s: %v",
			event.ChunkIndex, event.JobID, publishErr)
	}
}

// processDispatch runs one chunk and folds the outcome into a completion
// event. Chunk failures are already persisted by the processor; here they
// only shape the event.
func (w *NatsWorker) processDispatch(
	ctx context.Context, event *ChunkDispatchEvent,
) *ChunkCompletedEvent {
	completed := &ChunkCompletedEvent{
		JobID:      event.JobID,
		ChunkIndex: event.ChunkIndex,
		Succeeded:  true,
		Error:      "",
	}

	_, processErr := w.processor.ProcessChunk(ctx, event.OwnerID, event.JobID, event.ChunkIndex)
	if processErr != nil {
		w.log.Warn("Chunk %d of job %s failed: %v", event.ChunkIndex, event.JobID, processErr)

		completed.Succeeded = false
		completed.Error = processErr.Error()
	}

	return completed
}

// publishCompletion replies on the message's reply subject when one is set,
// and always publishes to the completion subject for passive listeners.
func (w *NatsWorker) publishCompletion(msg *nats.Msg, completed *ChunkCompletedEvent) error {
	data, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	if msg.Reply != "" {
		respondErr := msg.Respond(data)
		if respondErr != nil {
			return fmt.Errorf("failed to respond with completion event: %w", respondErr)
		}
	}

	publishErr := w.natsConnection.Publish(w.completedSubject, data)
	if publishErr != nil {
		return fmt.Errorf("failed to publish completion event: %w", publishErr)
	}

	return nil
}

func parseDispatchEvent(msg *nats.Msg) (*ChunkDispatchEvent, error) {
	var event ChunkDispatchEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal dispatch event: %w", err)
	}

	if event.JobID == "" || event.OwnerID == "" {
		return nil, fmt.Errorf("%w: job %q owner %q",
			ErrInvalidDispatchEvent, event.JobID, event.OwnerID)
	}

	return &event, nil
}
