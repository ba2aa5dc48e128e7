package job

import (
	"context"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/core"
)

// LocalDispatcher processes chunks in-process on a bounded worker pool. It is
// the queue-less alternative to the NATS dispatcher: same contract, dispatch
// now and complete asynchronously.
type LocalDispatcher struct {
	processor core.ChunkProcessor
	log       *logger.Logger
	slots     chan struct{}
}

// NewLocalDispatcher creates a dispatcher running at most workers chunks
// concurrently.
func NewLocalDispatcher(
	processor core.ChunkProcessor, workers int, log *logger.Logger,
) *LocalDispatcher {
	if workers < 1 {
		workers = 1
	}

	return &LocalDispatcher{
		processor: processor,
		log:       log,
		slots:     make(chan struct{}, workers),
	}
}

// Dispatch accepts the chunk immediately and processes it on a pooled
// goroutine. The work outlives the caller's context; per-chunk failures are
// already recorded by the processor, so they are only logged here.
func (d *LocalDispatcher) Dispatch(ctx context.Context, ownerID, jobID string, chunkIndex int) error {
	workCtx := context.WithoutCancel(ctx)

	go func() {
		d.slots <- struct{}{}

		defer func() { <-d.slots }()

		_, err := d.processor.ProcessChunk(workCtx, ownerID, jobID, chunkIndex)
		if err != nil {
			d.log.Warn("Chunk %d of job %s ended in failure: %v", chunkIndex, jobID, err)
		}
	}()

	return nil
}
