package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/queue"
)

// fetchRetryDelay is the pause after a failed queue read
const fetchRetryDelay = time.Second

// Source delivers pipeline messages to one worker
type Source interface {
	Name() string
	Fetch(ctx context.Context, count int) ([]queue.Delivery, error)
	Ack(ctx context.Context, id string) error
}

// Handler processes one message, including its retries
type Handler interface {
	Handle(ctx context.Context, msg models.PipelineMessage) (*Report, error)
}

// Worker pulls messages from a Source and hands them to a Handler
type Worker struct {
	source  Source
	handler Handler
}

// NewWorker creates a worker
func NewWorker(source Source, handler Handler) *Worker {
	return &Worker{source: source, handler: handler}
}

// Run consumes messages until ctx is cancelled. Cancellation only takes
// effect between messages: a message being processed runs to completion.
// Every message is acknowledged once handled, whether it succeeded, failed
// permanently or ran out of attempts.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("Pipeline worker %s started", w.source.Name())
	defer log.Printf("Pipeline worker %s stopped", w.source.Name())

	for ctx.Err() == nil {
		deliveries, err := w.source.Fetch(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Warning: worker %s failed to fetch: %v", w.source.Name(), err)
			select {
			case <-ctx.Done():
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		for _, d := range deliveries {
			w.handle(context.WithoutCancel(ctx), d)
		}
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	if d.Err != nil {
		log.Printf("Error: dropping undecodable entry %s: %v", d.ID, d.Err)
	} else if report, err := w.handler.Handle(ctx, d.Message); err != nil {
		log.Printf("Error: dropping message %s for %s: %v", d.ID, d.Message.FileMD5, err)
	} else {
		log.Printf("Processed %s (%s): %d windows indexed, %d skipped",
			d.Message.FileMD5, d.Message.FileName, report.Indexed, report.Skipped)
	}

	if err := w.source.Ack(ctx, d.ID); err != nil {
		log.Printf("Warning: failed to ack %s: %v", d.ID, err)
	}
}
