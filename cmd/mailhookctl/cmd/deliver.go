package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/dispatch"
	"github.com/austindbirch/mailhook/internal/formatter"
	"github.com/austindbirch/mailhook/internal/signer"
	"github.com/austindbirch/mailhook/internal/store/memory"
)

type deliverOptions struct {
	url      string
	key      string
	style    string
	event    string
	payload  string
	attempts int
	verbose  bool
}

type deliverReport struct {
	Outcome delivery.Outcome     `json:"outcome"`
	Log     *delivery.LogEntry   `json:"log,omitempty"`
	DLQ     *delivery.DeadLetter `json:"dead_letter,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type dlqCapture struct{ last *delivery.DeadLetter }

func (c *dlqCapture) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	c.last = &dl
	return nil
}

// deliverCmd represents the deliver command
var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Run one delivery against an endpoint",
	Long: `Format, sign and POST one event to a URL using the same delivery path as
the worker, with an in-memory store. Prints where the attempt ended up and
the log entry that would be written.

Example:
  mailhookctl deliver --url http://localhost:8081/hook --key s3cret \
    --event MessageSent --payload sent.yaml
  mailhookctl deliver --url http://localhost:8081/hook --key s3cret \
    --event MessageSent --attempts 5   # the last allowed try`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := deliverOptions{}
		opts.url, _ = cmd.Flags().GetString("url")
		opts.key, _ = cmd.Flags().GetString("key")
		opts.style, _ = cmd.Flags().GetString("style")
		opts.event, _ = cmd.Flags().GetString("event")
		opts.payload, _ = cmd.Flags().GetString("payload")
		opts.attempts, _ = cmd.Flags().GetInt("attempts")
		opts.verbose, _ = cmd.Flags().GetBool("verbose")
		return runDeliver(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), opts)
	},
}

func runDeliver(ctx context.Context, w io.Writer, stdin io.Reader, opts deliverOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	style, err := formatter.ParseStyle(opts.style)
	if err != nil {
		return err
	}
	payload := map[string]any{}
	if opts.payload != "" {
		if payload, err = loadPayload(opts.payload, stdin); err != nil {
			return err
		}
	}

	const serverID, keyRef = "cli", "cli-key"
	store := memory.New()
	wh := delivery.Webhook{ID: uuid.NewString(), ServerID: serverID, URL: opts.url, OutputStyle: style, SigningKeyRef: keyRef}
	a := delivery.Attempt{
		ID: uuid.NewString(), WebhookID: wh.ID, ServerID: serverID, Event: opts.event,
		Payload: payload, CreatedAt: time.Now(), Attempts: opts.attempts, Locked: true,
	}
	store.PutWebhook(wh)
	store.PutAttempt(a)
	if opts.key != "" {
		store.PutKey(keyRef, opts.key)
	}

	dlq := &dlqCapture{}
	svc := delivery.NewService(delivery.Options{
		Store:       store,
		Logs:        store,
		Sender:      dispatch.New(dispatch.Config{Timeout: timeout, UserAgent: "mailhookctl"}),
		Headers:     signer.DefaultHeaderNames(),
		DeadLetters: dlq,
		Logger:      quietLogger(opts.verbose),
	})

	out, derr := svc.Deliver(ctx, wh, &a)
	report := deliverReport{Outcome: out, DLQ: dlq.last}
	if derr != nil {
		report.Error = derr.Error()
	}
	if page, err := store.ListLogs(ctx, serverID, 1, 1); err == nil && len(page.Records) > 0 {
		report.Log = &page.Records[0]
	}

	if outputJSON {
		if err := printJSON(w, report); err != nil {
			return err
		}
	} else {
		printReport(w, report)
	}
	return derr
}

func printReport(w io.Writer, r deliverReport) {
	fmt.Fprintf(w, "State:   %s\n", r.Outcome.State)
	fmt.Fprintf(w, "Attempt: %d\n", r.Outcome.AttemptNumber)
	if r.Log != nil {
		fmt.Fprintf(w, "Status:  %d\n", r.Log.StatusCode)
		fmt.Fprintf(w, "Body:    %s\n", truncate(r.Log.Body, 200))
	}
	if !r.Outcome.RetryAfter.IsZero() {
		fmt.Fprintf(w, "Retry:   %s\n", r.Outcome.RetryAfter.Format(time.RFC3339))
	}
	if r.DLQ != nil {
		fmt.Fprintf(w, "DLQ:     %s\n", r.DLQ.Reason)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", r.Error)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	rootCmd.AddCommand(deliverCmd)

	deliverCmd.Flags().String("url", "", "endpoint URL (required)")
	deliverCmd.Flags().String("key", "", "signing key")
	deliverCmd.Flags().String("style", "postal", "output style (postal, listmonk)")
	deliverCmd.Flags().String("event", "", "event name (required)")
	deliverCmd.Flags().String("payload", "", "payload file (.json or .yaml), - for stdin")
	deliverCmd.Flags().Int("attempts", 0, "attempts already made before this one")
	deliverCmd.Flags().BoolP("verbose", "v", false, "write delivery logs to stderr")
	deliverCmd.MarkFlagRequired("url")
	deliverCmd.MarkFlagRequired("event")
}
