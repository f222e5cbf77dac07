package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"project-tracker/pkg/client"
	"project-tracker/pkg/config"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	apiURL       string
	apiToken     string
	pollInterval time.Duration
	asJSON       bool

	apiClient *client.Client
)

// Loaded before any init so flag defaults pick up the environment.
var cfg = config.Load()

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Drive ingestion and background jobs from the command line",
	Long: `jobctl talks to the project-tracker API to start ingestion and background
jobs, poll them to completion and inspect per-organization statistics.

The API URL and token default to API_URL and API_TOKEN.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(apiURL, apiToken)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", cfg.APIURL, "base URL of the API")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", cfg.APIToken, "bearer token")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "interval", time.Second, "poll interval for --wait and wait")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(callbackCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isBackgroundID reports whether id belongs to a background job.
func isBackgroundID(id string) bool {
	return strings.HasPrefix(id, "bg_job_")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref[T any](p *T, fallback string) string {
	if p == nil {
		return fallback
	}
	return fmt.Sprint(*p)
}
