package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"project-tracker/pkg/api"
	"project-tracker/pkg/job"
	"project-tracker/pkg/mq"
	"project-tracker/pkg/service"

	"github.com/spf13/cobra"
)

var (
	cbResultURL  string
	cbResultData string
	cbError      string

	tokenUser   int64
	tokenOrg    int64
	tokenEmail  string
	tokenSecret string
	tokenTTL    time.Duration

	watchKey string
	watchURL string
)

var callbackCmd = &cobra.Command{
	Use:   "callback <job_id> <status>",
	Short: "Report a processing outcome for an ingestion job",
	Long: `Send a pipeline callback for an ingestion job, the way an external
processor would.

Examples:
  jobctl callback job_abc processing
  jobctl callback job_abc completed --result-url https://results/job_abc.json
  jobctl callback job_abc failed --error "bad header row"`,
	Args: cobra.ExactArgs(2),
	RunE: runCallback,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	Long: `Sign an access token with the shared secret. Intended for local
development; the secret defaults to JWT_SECRET.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := api.IssueToken(tokenSecret, job.Actor{
			UserID:         tokenUser,
			Email:          tokenEmail,
			OrganizationID: tokenOrg,
		}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job transition events from RabbitMQ",
	Long: `Bind a temporary queue to the job events exchange and print every
transition as it is published.

Routing keys are <kind>.<status>, e.g. "ingestion.failed" or "background.#".`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	callbackCmd.Flags().StringVar(&cbResultURL, "result-url", "", "URL of the processed result")
	callbackCmd.Flags().StringVar(&cbResultData, "result-data", "", "result payload as JSON")
	callbackCmd.Flags().StringVar(&cbError, "error", "", "error message for failed jobs")

	tokenCmd.Flags().Int64Var(&tokenUser, "user", 1, "user id")
	tokenCmd.Flags().Int64Var(&tokenOrg, "org", 1, "organization id")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "dev@localhost", "email claim")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", cfg.JWTSecret, "signing secret")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	watchCmd.Flags().StringVarP(&watchKey, "key", "k", "#", "binding key")
	watchCmd.Flags().StringVar(&watchURL, "rabbitmq-url", cfg.RabbitMQURL, "RabbitMQ URL")
}

func runCallback(cmd *cobra.Command, args []string) error {
	req := service.CallbackRequest{JobID: args[0], Status: job.IngestionStatus(args[1])}
	if cbResultURL != "" {
		req.ResultURL = &cbResultURL
	}
	if cbError != "" {
		req.ErrorMessage = &cbError
	}
	if cbResultData != "" {
		if !json.Valid([]byte(cbResultData)) {
			return fmt.Errorf("--result-data is not valid JSON")
		}
		req.ResultData = json.RawMessage(cbResultData)
	}

	if err := apiClient.Callback(cmd.Context(), req); err != nil {
		return err
	}
	fmt.Printf("Callback accepted for %s (%s)\n", req.JobID, req.Status)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := mq.New(watchURL)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetupTopology(); err != nil {
		return err
	}
	deliveries, err := c.ConsumeEvents(watchKey)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "watching %s with key %q\n", mq.EventsExchange, watchKey)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			var e job.Event
			if err := json.Unmarshal(d.Body, &e); err != nil {
				fmt.Fprintf(os.Stderr, "skipping malformed event: %v\n", err)
				continue
			}
			if asJSON {
				if err := printJSON(e); err != nil {
					return err
				}
				continue
			}
			progress := ""
			if e.Progress != nil {
				progress = fmt.Sprintf(" %d%%", *e.Progress)
			}
			fmt.Printf("%s  %-10s %-36s %s%s\n", e.CreatedAt.Local().Format("15:04:05"), e.Kind, e.JobID, e.Status, progress)
		}
	}
}
