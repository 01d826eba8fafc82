package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/foreman/pkg/event"
	"github.com/3leaps/foreman/pkg/job"
)

var (
	enqueueSource   string
	enqueueType     string
	enqueueDelivery string
	enqueuePayload  string
	enqueueAutonomy string
	enqueueJSON     bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job from a manual trigger",
	Long: `Enqueue a job without going through the HTTP ingress.

Useful for re-running an event locally or driving the pipeline from
scripts. The delivery id defaults to a fresh UUID, so repeated invocations
create distinct jobs unless --delivery is pinned.`,
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueSource, "source", "manual", "Event source: repo, tracker, or manual")
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "Event type, e.g. issue.opened or card.moved.todo")
	enqueueCmd.Flags().StringVar(&enqueueDelivery, "delivery", "", "Delivery id (default: random UUID)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload object")
	enqueueCmd.Flags().StringVar(&enqueueAutonomy, "autonomy", "", "Autonomy level: read_only or full")
	enqueueCmd.Flags().Bool("json", false, "Output as JSON")
	_ = enqueueCmd.MarkFlagRequired("type")
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	enqueueJSON, _ = cmd.Flags().GetBool("json")

	source, err := event.ParseSource(enqueueSource)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --source value", err)
	}
	autonomy, err := job.ParseAutonomy(enqueueAutonomy)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --autonomy value", err)
	}

	var payload map[string]any
	if strings.TrimSpace(enqueuePayload) != "" {
		if err := json.Unmarshal([]byte(enqueuePayload), &payload); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --payload JSON", err)
		}
	}

	deliveryID := strings.TrimSpace(enqueueDelivery)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	q, err := buildQueue(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open job queue", err)
	}
	defer func() { _ = q.Close() }()

	j, err := job.New(event.Event{
		Source:     source,
		Type:       strings.TrimSpace(enqueueType),
		DeliveryID: deliveryID,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid event", err)
	}
	j.Autonomy = autonomy

	jobID, err := q.Enqueue(ctx, j)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to enqueue job", err)
	}

	if enqueueJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"job_id":      jobID,
			"delivery_id": deliveryID,
			"status":      string(job.StatusPending),
		})
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", jobID)
	_, _ = fmt.Fprintf(os.Stdout, "delivery_id=%s\n", deliveryID)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", job.StatusPending)
	return nil
}
