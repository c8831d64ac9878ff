package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pushdeploy/internal/githook"
	"pushdeploy/internal/security"
	"pushdeploy/internal/service"
	"pushdeploy/pkg/fileutil"
)

var hookCmd = &cobra.Command{
	Use:   "hook SERVICE",
	Short: "Register the GitHub push webhook for a service",
	Long: `Create a push webhook on the GitHub repository of SERVICE that points at
--url and is signed with the configured webhook secret. Nothing is changed
when a webhook for that URL already exists.

The token needs the admin:repo_hook scope. It is read from --token or
GITHUB_TOKEN.`,
	Example: `  pushdeploy hook api --url https://deploy.example.com/webhook`,
	Args:    cobra.ExactArgs(1),
	RunE:    runHook,
}

func init() {
	hookCmd.Flags().StringP("config", "c", "", "Path to config.yaml (default: search ./, ./config, /etc/pushdeploy)")
	hookCmd.Flags().String("url", "", "Public URL of the webhook endpoint")
	hookCmd.Flags().String("token", "", "GitHub token (default: $GITHUB_TOKEN)")
	hookCmd.Flags().String("github-api", "", "GitHub API base URL, for GitHub Enterprise")
	_ = hookCmd.MarkFlagRequired("url")
}

func runHook(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return err
	}
	if err := v.BindEnv("token", "GITHUB_TOKEN", envPrefix+"_GITHUB_TOKEN"); err != nil {
		return fmt.Errorf("failed to bind environment: %w", err)
	}
	if err := v.BindEnv("webhook-secret", envPrefix+"_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET"); err != nil {
		return fmt.Errorf("failed to bind environment: %w", err)
	}

	configPath := v.GetString("config")
	if configPath == "" {
		if configPath, err = fileutil.FindConfig(defaultConfigName); err != nil {
			return fmt.Errorf("configuration file not found (use --config)")
		}
	}

	settings, services, err := service.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	svc, err := service.NewRegistry(services).Get(args[0])
	if err != nil {
		return err
	}

	secret := settings.WebhookSecret
	if env := v.GetString("webhook-secret"); env != "" {
		secret = env
	}
	if warning := secretWarning(secret); warning != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: "+warning)
	}

	gh, err := githook.NewClient(v.GetString("token"))
	if err != nil {
		return err
	}
	if base := v.GetString("github-api"); base != "" {
		if gh, err = gh.WithBaseURL(base); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	created, err := gh.EnsurePushHook(ctx, githook.HookRequest{
		Repository: svc.Repository,
		URL:        v.GetString("url"),
		Secret:     secret,
	})
	if err != nil {
		return err
	}

	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "Created push webhook on %s -> %s\n", svc.Repository, v.GetString("url"))
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Webhook for %s already exists on %s\n", v.GetString("url"), svc.Repository)
	}
	return nil
}

// secretWarning describes what is wrong with the secret a hook is
// registered with, or returns "" when it looks fine
func secretWarning(secret string) string {
	switch {
	case secret == "":
		return "no webhook secret configured; deliveries will not be signed"
	case security.IsWeakSecret(secret):
		return "webhook secret looks weak; generate a new one with pushdeploy init"
	}
	return ""
}
