package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/labrag/internal/handlers"
	"github.com/maneesh/labrag/internal/permission"
	"github.com/maneesh/labrag/internal/queue"
	"github.com/maneesh/labrag/internal/retrieval"
	"github.com/maneesh/labrag/internal/upload"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("Starting LabRAG API...")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	embedder, err := a.embedder()
	if err != nil {
		return err
	}

	resolver := permission.NewResolver(a.tidb)
	dispatcher := queue.NewDispatcher(a.redis.Client(), a.cfg.QueueStream)
	uploads := upload.NewService(a.minio, a.tidb, a.redis, dispatcher, a.elastic, resolver, upload.Options{
		MergeLockTTL: a.cfg.MergeLockTTL,
	})
	searcher := retrieval.NewService(embedder, resolver, a.tidb, a.elastic)

	router := handlers.NewRouter(uploads, searcher, resolver, a.tidb)

	srv := &http.Server{
		Addr:         ":" + a.cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on port %s", a.cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
