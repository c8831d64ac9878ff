package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/spf13/cobra"

	"pushdeploy/internal/security"
	"pushdeploy/pkg/fileutil"
	"pushdeploy/pkg/templates"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration with a generated webhook secret",
	Long: `Write a starter config.yaml containing one service and a freshly generated
webhook secret. Templates in ./templates, ./config/templates or
/etc/pushdeploy/templates replace the built-in ones.

With --systemd a unit file for running "pushdeploy serve" is written as well.`,
	Example: `  pushdeploy init
  pushdeploy init --service api --repository octo/api --path /srv/api
  pushdeploy init --output /etc/pushdeploy/config.yaml --systemd /etc/systemd/system/pushdeploy.service`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringP("output", "o", defaultConfigName, "Where to write the config file")
	initCmd.Flags().Bool("force", false, "Overwrite existing files")
	initCmd.Flags().String("service", "app", "Name of the sample service")
	initCmd.Flags().String("repository", "owner/app", "GitHub repository of the sample service")
	initCmd.Flags().String("path", "/srv/app", "Working directory of the sample service")
	initCmd.Flags().String("systemd", "", "Also write a systemd unit to this path")
	initCmd.Flags().String("db", "/var/lib/pushdeploy/deployments.db", "Database path used in the systemd unit")
	initCmd.Flags().String("log", "/var/log/pushdeploy/pushdeploy.log", "Log file used in the systemd unit")
}

func runInit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	output, _ := flags.GetString("output")
	force, _ := flags.GetBool("force")
	name, _ := flags.GetString("service")
	repo, _ := flags.GetString("repository")
	path, _ := flags.GetString("path")
	unitPath, _ := flags.GetString("systemd")

	if err := security.ValidateServiceName(name); err != nil {
		return err
	}
	if err := security.ValidateRepository(repo); err != nil {
		return err
	}
	servicePath, err := security.SanitizePath(path)
	if err != nil {
		return err
	}

	secret, err := security.GenerateSecret()
	if err != nil {
		return err
	}

	rendered, err := templates.RenderConfig(templates.ConfigData{
		WebhookSecret: secret,
		ServiceName:   name,
		Repository:    repo,
		ServicePath:   servicePath,
	})
	if err != nil {
		return err
	}

	if err := writeNewFile(output, rendered, force); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %s\n", output)
	fmt.Fprintf(out, "Webhook secret: %s\n", secret)
	fmt.Fprintf(out, "Register it on GitHub with: pushdeploy hook %s --url https://<host>/webhook\n", name)

	if unitPath == "" {
		return nil
	}

	unit, err := renderUnit(cmd, output)
	if err != nil {
		return err
	}
	if err := writeNewFile(unitPath, unit, force); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", unitPath)
	return nil
}

func renderUnit(cmd *cobra.Command, configPath string) (string, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	logPath, _ := cmd.Flags().GetString("log")

	configAbs, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	binary, err := os.Executable()
	if err != nil {
		binary = "/usr/local/bin/pushdeploy"
	}

	data := templates.SystemdData{
		User:       "root",
		Group:      "root",
		WorkingDir: filepath.Dir(configAbs),
		Binary:     binary,
		ConfigFile: configAbs,
		DBPath:     dbPath,
		LogFile:    logPath,
	}
	if u, err := user.Current(); err == nil {
		data.User = u.Username
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			data.Group = g.Name
		}
	}

	return templates.RenderSystemdService(data)
}

// writeNewFile writes content with config file permissions, refusing to
// replace an existing file unless force is set
func writeNewFile(path, content string, force bool) error {
	if fileutil.FileExists(path) && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if dir := filepath.Dir(path); !fileutil.DirExists(dir) {
		if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
			return err
		}
	}

	f, err := security.CreateSecureFile(path, security.PermConfigFile)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
