package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/mailhook/internal/api"
	"github.com/austindbirch/mailhook/internal/delivery"
)

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List webhook requests for the token's server",
	Long: `Page through the webhook request log, newest first. The server is taken
from the JWT token.

Example:
  mailhookctl logs --token $JWT_TOKEN
  mailhookctl logs --page 2 --per-page 50 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")

		result, err := fetchLogs(cmd.Context(), page, perPage)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), result)
		}
		printLogs(cmd.OutOrStdout(), result)
		return nil
	},
}

func fetchLogs(ctx context.Context, page, perPage int) (delivery.LogPage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	path := api.WebhookRequestsPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out delivery.LogPage
	if err := getJSON(ctx, path, &out); err != nil {
		return delivery.LogPage{}, fmt.Errorf("failed to list webhook requests: %w", err)
	}
	return out, nil
}

func printLogs(w io.Writer, p delivery.LogPage) {
	fmt.Fprintf(w, "Webhook requests (page %d, %d per page, %d total):\n", p.Page, p.PerPage, p.Total)
	if len(p.Records) == 0 {
		fmt.Fprintln(w, "  No webhook requests found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tSTATUS\tATTEMPT\tRETRY\tUUID\tURL")
	for _, e := range p.Records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%v\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Event, e.StatusCode, e.Attempt, e.WillRetry, e.DeliveryID, e.URL)
	}
	tw.Flush()
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().Int("page", 1, "page number, 1-based")
	logsCmd.Flags().Int("per-page", delivery.DefaultPerPage, "records per page")
}
