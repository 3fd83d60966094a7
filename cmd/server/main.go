package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "labrag",
	Short: "Document upload, ingestion and hybrid search service",
	Long: `labrag stores chunked uploads in MinIO, tracks them in TiDB and Redis,
turns merged documents into embedded windows indexed in Elasticsearch,
and answers permission-filtered hybrid searches over them.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}
