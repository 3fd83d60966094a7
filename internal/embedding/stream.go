package embedding

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"
)

// Result is the embedding of one input text. Vector is nil when that text
// could not be embedded.
type Result struct {
	Index  int
	Vector []float32
}

// Stream embeds texts in batches of batchSize with up to parallel requests in
// flight and emits results in input order on the returned channel. The channel
// holds at most one batch, so a slow reader throttles the requests. A failed
// batch is retried one text at a time; texts that still fail yield a nil Vector.
// Cancelling ctx stops the stream and closes the channel.
func Stream(ctx context.Context, e Embedder, texts []string, batchSize, parallel int) <-chan Result {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	if parallel <= 0 {
		parallel = 1
	}

	out := make(chan Result, batchSize)
	if len(texts) == 0 {
		close(out)
		return out
	}

	var slots []chan []Result
	for start := 0; start < len(texts); start += batchSize {
		slots = append(slots, make(chan []Result, 1))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	go func() {
		for i := range slots {
			start := i * batchSize
			end := start + batchSize
			if end > len(texts) {
				end = len(texts)
			}
			slot := slots[i]
			g.Go(func() error {
				slot <- embedBatch(gctx, e, texts[start:end], start)
				return nil
			})
		}
		g.Wait()
	}()

	go func() {
		defer close(out)
		for _, slot := range slots {
			var batch []Result
			select {
			case batch = <-slot:
			case <-ctx.Done():
				return
			}
			for _, r := range batch {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func embedBatch(ctx context.Context, e Embedder, texts []string, offset int) []Result {
	results := make([]Result, len(texts))
	for i := range texts {
		results[i].Index = offset + i
	}

	vectors, err := e.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) == len(texts) {
		for i, v := range vectors {
			results[i].Vector = v
		}
		return results
	}
	if ctx.Err() != nil {
		return results
	}
	log.Printf("Warning: embedding batch at %d failed, retrying per text: %v", offset, err)

	for i, text := range texts {
		v, err := e.EmbedBatch(ctx, []string{text})
		if err != nil || len(v) != 1 {
			log.Printf("Warning: embedding text %d failed: %v", offset+i, err)
			continue
		}
		results[i].Vector = v[0]
	}
	return results
}
