package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/labrag/internal/parser"
	"github.com/maneesh/labrag/internal/pipeline"
	"github.com/maneesh/labrag/internal/queue"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const consumerBlock = 5 * time.Second

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run document pipeline consumers",
	Long: `Consumes merged-document messages from the Redis stream and runs each
through download, parse, chunk, embed and index. Consumers are named after
the host so a restarted worker replays its own unacknowledged entries.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVarP(&workerCount, "workers", "n", 0, "number of consumers (default PIPELINE_WORKERS)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Println("Starting LabRAG pipeline workers...")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	embedder, err := a.embedder()
	if err != nil {
		return err
	}

	processor := pipeline.NewProcessor(
		a.minio,
		parser.New(a.cfg.TikaURL, 0),
		embedder,
		a.tidb,
		a.elastic,
		pipeline.Options{
			WindowSize:  a.cfg.WindowSize,
			Overlap:     a.cfg.WindowOverlap,
			BatchSize:   a.cfg.EmbedBatchSize,
			MaxAttempts: a.cfg.MaxAttempts,
			BaseBackoff: a.cfg.RetryBaseBackoff,
		},
	)

	n := workerCount
	if n <= 0 {
		n = a.cfg.PipelineWorkers
	}
	if n <= 0 {
		n = 1
	}
	host, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to resolve hostname: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumers := make([]*queue.Consumer, n)
	for i := range consumers {
		consumers[i] = queue.NewConsumer(a.redis.Client(), a.cfg.QueueStream, a.cfg.QueueGroup,
			fmt.Sprintf("%s-%d", host, i), consumerBlock)
	}
	if err := consumers[0].EnsureGroup(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, consumer := range consumers {
		worker := pipeline.NewWorker(consumer, processor)
		g.Go(func() error { return worker.Run(ctx) })
	}

	err = g.Wait()
	log.Println("Workers exited")
	return err
}
