package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pushdeploy/internal/client"
	"pushdeploy/internal/domain"
)

var deployCmd = &cobra.Command{
	Use:   "deploy SERVICE",
	Short: "Trigger a deployment through a running server",
	Long: `Start a deployment of SERVICE on the server at --server (or PUSHDEPLOY_SERVER).

With --follow the deployment's output is streamed to the terminal and the
command exits non-zero when the deployment fails.`,
	Example: `  pushdeploy deploy api
  pushdeploy deploy api --follow --message "hotfix"`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var logsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Show the output of a deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a queued or running deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	addServerFlag(deployCmd.Flags())
	deployCmd.Flags().BoolP("follow", "f", false, "Stream the deployment output until it finishes")
	deployCmd.Flags().StringP("message", "m", "", "Message recorded with the deployment")

	addServerFlag(logsCmd.Flags())
	logsCmd.Flags().BoolP("follow", "f", false, "Keep streaming until the deployment finishes")

	addServerFlag(cancelCmd.Flags())
	cancelCmd.Flags().String("reason", "", "Reason recorded in the deployment log")

	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cancelCmd)
}

func addServerFlag(fs *pflag.FlagSet) {
	fs.StringP("server", "s", client.DefaultBaseURL, "Address of the pushdeploy server")
}

// newAPIClient builds a client for --server, honouring PUSHDEPLOY_SERVER
func newAPIClient(cmd *cobra.Command) (*client.Client, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return nil, err
	}
	return client.New(v.GetString("server"))
}

func runDeploy(cmd *cobra.Command, args []string) error {
	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	follow, _ := cmd.Flags().GetBool("follow")
	message, _ := cmd.Flags().GetString("message")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := client.DeployRequest{
		Source:  domain.SourceCLI,
		Pusher:  currentUser(),
		Message: message,
	}
	resp, err := api.Deploy(ctx, args[0], req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Deployment %s of %s started\n", resp.DeploymentID, resp.Service)
	if !follow {
		return nil
	}

	return followDeployment(ctx, api, resp.DeploymentID, out, cmd.ErrOrStderr())
}

func runLogs(cmd *cobra.Command, args []string) error {
	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	follow, _ := cmd.Flags().GetBool("follow")
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if follow {
		return followDeployment(ctx, api, args[0], out, errOut)
	}

	d, err := api.Get(ctx, args[0])
	if err != nil {
		return err
	}
	for _, entry := range d.Logs {
		printLine(out, errOut, entry.Stream, entry.Text)
	}
	return deploymentResult(out, d.Status, d.ExitCode)
}

func runCancel(cmd *cobra.Command, args []string) error {
	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")

	if err := api.Cancel(cmd.Context(), args[0], reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation of %s requested\n", args[0])
	return nil
}

// followDeployment prints the live feed of id and reports its outcome
func followDeployment(ctx context.Context, api *client.Client, id string, out, errOut io.Writer) error {
	final, err := api.Follow(ctx, id, func(ev domain.StreamEvent) error {
		printLine(out, errOut, ev.Stream, ev.Line)
		return nil
	})
	if err != nil {
		return err
	}
	return deploymentResult(out, final.Status, final.ExitCode)
}

// printLine writes stderr output to errOut and marks system lines
func printLine(out, errOut io.Writer, stream domain.Stream, line string) {
	switch stream {
	case domain.StreamStderr:
		fmt.Fprintln(errOut, line)
	case domain.StreamSystem:
		fmt.Fprintf(out, "==> %s\n", line)
	default:
		fmt.Fprintln(out, line)
	}
}

// deploymentResult prints the final status; a failed deployment is an error
func deploymentResult(out io.Writer, status domain.Status, exitCode *int) error {
	switch {
	case status == domain.StatusSucceeded:
		fmt.Fprintln(out, "Deployment succeeded")
		return nil
	case status == domain.StatusFailed && exitCode != nil:
		return fmt.Errorf("deployment failed with exit code %d", *exitCode)
	case status == domain.StatusFailed:
		return fmt.Errorf("deployment failed")
	}
	fmt.Fprintf(out, "Deployment is %s\n", status)
	return nil
}

func currentUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
