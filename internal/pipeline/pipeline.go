// Package pipeline turns merged documents into embedded, indexed text windows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maneesh/labrag/internal/chunker"
	"github.com/maneesh/labrag/internal/embedding"
	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/storage"
	"github.com/maneesh/labrag/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-pipeline")

// Stage is the processing state of one message
type Stage string

const (
	StageReceived    Stage = "received"
	StageDownloading Stage = "downloading"
	StageParsing     Stage = "parsing"
	StageChunking    Stage = "chunking"
	StageEmbedding   Stage = "embedding"
	StageIndexing    Stage = "indexing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 2 * time.Second
	DefaultParallel    = 2
)

// ObjectReader downloads merged documents
type ObjectReader interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Extractor turns document bytes into normalized text
type Extractor interface {
	Extract(ctx context.Context, fileName string, data []byte) (string, error)
}

// VectorStore persists the text of indexed windows
type VectorStore interface {
	BeginVectorBatch(ctx context.Context, fileMD5 string) (storage.VectorBatch, error)
}

// Index is the search index the pipeline writes to
type Index interface {
	IndexChunk(ctx context.Context, chunk models.IndexedChunk) error
	DeleteByFile(ctx context.Context, fileMD5 string) error
	Refresh(ctx context.Context) error
}

// Options tunes the processor. Zero values use the defaults.
type Options struct {
	WindowSize  int
	Overlap     int
	BatchSize   int
	Parallel    int
	MaxAttempts int
	BaseBackoff time.Duration
}

// Report summarizes one successful run
type Report struct {
	Windows int
	Indexed int
	Skipped int
}

// Processor runs the download, parse, split, embed and index stages
type Processor struct {
	objects  ObjectReader
	parser   Extractor
	embedder embedding.Embedder
	vectors  VectorStore
	index    Index
	splitter *chunker.Splitter
	opts     Options
}

// NewProcessor wires a processor to its dependencies
func NewProcessor(
	objects ObjectReader,
	parser Extractor,
	embedder embedding.Embedder,
	vectors VectorStore,
	index Index,
	opts Options,
) *Processor {
	if opts.BatchSize <= 0 || opts.BatchSize > embedding.MaxBatchSize {
		opts.BatchSize = embedding.MaxBatchSize
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	return &Processor{
		objects:  objects,
		parser:   parser,
		embedder: embedder,
		vectors:  vectors,
		index:    index,
		splitter: chunker.NewSplitter(opts.WindowSize, opts.Overlap),
		opts:     opts,
	}
}

// Permanent reports whether retrying err cannot help
func Permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidMessage) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrUnparseable) ||
		errors.Is(err, models.ErrEmptyContent)
}

// Handle processes msg, retrying failed runs with exponential backoff
// (BaseBackoff, then doubling) up to MaxAttempts runs in total. Permanent
// failures are not retried. The last error is returned once attempts run out.
func (p *Processor) Handle(ctx context.Context, msg models.PipelineMessage) (*Report, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.opts.BaseBackoff << p.opts.MaxAttempts
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1)), ctx)

	attempt := 0
	var report *Report
	run := func() error {
		attempt++
		r, err := p.Process(ctx, msg)
		if err != nil {
			if Permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		report = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("Pipeline attempt %d/%d for %s failed, retrying in %s: %v",
			attempt, p.opts.MaxAttempts, msg.FileMD5, wait, err)
	}

	if err := backoff.RetryNotify(run, policy, notify); err != nil {
		return nil, fmt.Errorf("processing %s failed after %d attempt(s): %w", msg.FileMD5, attempt, err)
	}
	return report, nil
}

// Process runs every stage once for msg. At least one window must be
// indexed for the run to count as a success.
func (p *Processor) Process(ctx context.Context, msg models.PipelineMessage) (*Report, error) {
	ctx, span := tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("file_md5", msg.FileMD5),
			attribute.String("file_name", msg.FileName),
			attribute.Int64("user_id", msg.UserID),
		),
	)
	defer span.End()

	stage := func(s Stage) {
		span.AddEvent("stage", trace.WithAttributes(attribute.String("stage", string(s))))
		log.Printf("Pipeline %s: %s", msg.FileMD5, s)
	}
	fail := func(err error) (*Report, error) {
		stage(StageFailed)
		return nil, tracing.Fail(span, err)
	}

	stage(StageReceived)
	if err := msg.Validate(); err != nil {
		return fail(err)
	}

	stage(StageDownloading)
	data, err := p.objects.GetObject(ctx, msg.StoragePath)
	if err != nil {
		return fail(fmt.Errorf("failed to download %s: %w", msg.StoragePath, err))
	}

	stage(StageParsing)
	text, err := p.parser.Extract(ctx, msg.FileName, data)
	if err != nil {
		return fail(err)
	}

	stage(StageChunking)
	windows := p.splitter.Split(text)
	if len(windows) == 0 {
		return fail(fmt.Errorf("%s produced no windows: %w", msg.FileName, models.ErrEmptyContent))
	}
	span.SetAttributes(attribute.Int("window_count", len(windows)))

	stage(StageEmbedding)
	report, err := p.embedAndIndex(ctx, msg, windows, func() { stage(StageIndexing) })
	if err != nil {
		return fail(err)
	}

	if err := p.index.Refresh(ctx); err != nil {
		log.Printf("Warning: failed to refresh index after %s: %v", msg.FileMD5, err)
	}

	span.SetAttributes(
		attribute.Int("indexed", report.Indexed),
		attribute.Int("skipped", report.Skipped),
	)
	stage(StageDone)
	log.Printf("Pipeline %s indexed %d of %d windows", msg.FileMD5, report.Indexed, report.Windows)
	return report, nil
}

// embedAndIndex streams embeddings and writes each window as soon as its
// vector arrives. Vector rows are committed after every index write has
// been attempted.
func (p *Processor) embedAndIndex(ctx context.Context, msg models.PipelineMessage, windows []chunker.Window, indexing func()) (*Report, error) {
	if err := p.index.DeleteByFile(ctx, msg.FileMD5); err != nil {
		return nil, fmt.Errorf("failed to clear stale documents: %w", err)
	}
	batch, err := p.vectors.BeginVectorBatch(ctx, msg.FileMD5)
	if err != nil {
		return nil, fmt.Errorf("failed to begin vector batch: %w", err)
	}
	defer batch.Rollback()

	texts := make([]string, len(windows))
	for i, w := range windows {
		texts[i] = w.Text
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := embedding.Stream(streamCtx, p.embedder, texts, p.opts.BatchSize, p.opts.Parallel)

	report := &Report{Windows: len(windows)}
	model := p.embedder.Model()
	started := false
	for res := range results {
		if !started {
			indexing()
			started = true
		}
		w := windows[res.Index]
		if res.Vector == nil {
			log.Printf("Warning: window %d of %s has no embedding, skipping", w.Ordinal, msg.FileMD5)
			report.Skipped++
			continue
		}

		if err := batch.Insert(ctx, &models.VectorChunk{
			FileMD5:      msg.FileMD5,
			ChunkID:      w.Ordinal,
			TextContent:  w.Text,
			ModelVersion: model,
		}); err != nil {
			return nil, fmt.Errorf("failed to store window %d: %w", w.Ordinal, err)
		}

		if err := p.index.IndexChunk(ctx, models.IndexedChunk{
			FileMD5:      msg.FileMD5,
			ChunkID:      w.Ordinal,
			TextContent:  w.Text,
			Vector:       res.Vector,
			UserID:       msg.UserID,
			OrgTag:       msg.OrgTag,
			IsPublic:     msg.IsPublic,
			FileName:     msg.FileName,
			ModelVersion: model,
		}); err != nil {
			log.Printf("Warning: failed to index window %d of %s: %v", w.Ordinal, msg.FileMD5, err)
			report.Skipped++
			continue
		}
		report.Indexed++
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if report.Indexed == 0 {
		return nil, fmt.Errorf("%s: %d windows, %d skipped: %w", msg.FileMD5, report.Windows, report.Skipped, models.ErrNothingIndexed)
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit vector rows: %w: %w", models.ErrTransient, err)
	}
	return report, nil
}
