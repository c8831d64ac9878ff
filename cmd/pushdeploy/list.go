package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pushdeploy/internal/domain"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent deployments",
	Example: `  pushdeploy list
  pushdeploy list --status failed --service api`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	addServerFlag(listCmd.Flags())
	listCmd.Flags().String("status", "", "Only show deployments with this status (queued, running, succeeded, failed)")
	listCmd.Flags().String("service", "", "Only show deployments of this service")
	listCmd.Flags().IntP("limit", "n", 20, "Maximum number of deployments to show")
}

func runList(cmd *cobra.Command, args []string) error {
	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	filter := domain.Filter{}
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		if filter.Status, err = domain.ParseStatus(raw); err != nil {
			return err
		}
	}
	filter.Service, _ = cmd.Flags().GetString("service")
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	list, err := api.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No deployments found")
		return nil
	}
	return writeDeployments(cmd.OutOrStdout(), list, time.Now())
}

// writeDeployments renders list as an aligned table
func writeDeployments(w io.Writer, list []*domain.Deployment, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERVICE\tSTATUS\tSOURCE\tCOMMIT\tCREATED\tDURATION")

	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(d.ID),
			d.Service,
			formatStatus(d),
			d.Trigger.Source,
			orDash(shortID(d.Trigger.CommitSHA)),
			humanize.RelTime(d.CreatedAt, now, "ago", "from now"),
			formatDuration(d, now),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatStatus(d *domain.Deployment) string {
	if d.Status == domain.StatusFailed && d.ExitCode != nil {
		return fmt.Sprintf("failed (%d)", *d.ExitCode)
	}
	return string(d.Status)
}

// formatDuration reports run time; running deployments count up to now
func formatDuration(d *domain.Deployment, now time.Time) string {
	if d.StartedAt == nil {
		return "-"
	}
	end := now
	if d.FinishedAt != nil {
		end = *d.FinishedAt
	}
	if end.Sub(*d.StartedAt) < time.Second {
		return "<1s"
	}
	return strings.TrimSpace(humanize.RelTime(*d.StartedAt, end, "", ""))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
