package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/shell/api"
	"github.com/artpar/keel/internal/shell/queue"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	apiURL     string
	token      string
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "keel",
		Short: "Deployment control plane for Docker hosts",
		Long: `keel queues deployments of applications onto Docker servers, builds
their images and rolls them out with health checks.

Run "keel serve" on the control plane; the other commands talk to its admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&flags.apiURL, "api", "", "Admin API URL (default from server.host and server.port)")
	root.PersistentFlags().StringVar(&flags.token, "token", "", "Admin API token (default server.api_token)")

	root.AddCommand(
		newServeCmd(flags),
		newDeployCmd(flags),
		newCancelCmd(flags),
		newForceStartCmd(flags),
		newLogsCmd(flags),
		newVersionCmd(),
	)
	return root
}

// client builds an API client from the flags, falling back to the config.
func (f *globalFlags) client() (*Client, error) {
	apiURL, token := f.apiURL, f.token
	if apiURL == "" || token == "" {
		cfg, err := LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		if apiURL == "" {
			apiURL = cfg.Server.URL()
		}
		if token == "" {
			token = cfg.Server.APIToken
		}
	}
	return NewClient(apiURL, token), nil
}

// =============================================================================
// Server
// =============================================================================

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: admin API, deployment queue and workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(flags.configPath)
			if err != nil {
				return &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
			}

			logger := SetupLogger(cfg)
			logger.Info("starting keel",
				"version", Version,
				"config", flags.configPath,
			)

			server, err := NewServer(cfg, logger)
			if err != nil {
				logger.Error("failed to create server", "error", err)
				return err
			}
			if err := server.Start(cmd.Context()); err != nil {
				logger.Error("server error", "error", err)
				return err
			}
			return nil
		},
	}
}

// =============================================================================
// Deployment Commands
// =============================================================================

func newDeployCmd(flags *globalFlags) *cobra.Command {
	var (
		commit        string
		pullRequestID int
		force         bool
		restartOnly   bool
		rollback      bool
		follow        bool
	)
	cmd := &cobra.Command{
		Use:   "deploy <application-uuid>",
		Short: "Queue a deployment of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			result, err := client.Deploy(cmd.Context(), api.EnqueueRequest{
				ApplicationUUID: args[0],
				Commit:          commit,
				PullRequestID:   pullRequestID,
				DeploymentFlags: domain.DeploymentFlags{
					ForceRebuild: force,
					RestartOnly:  restartOnly,
					Rollback:     rollback,
				},
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			entry := result.Entry
			if result.Status == queue.EnqueueSkipped {
				fmt.Fprintf(out, "Deployment %s of commit %s is already %s, nothing queued.\n", entry.DeploymentUUID, entry.Commit, entry.Status)
			} else {
				fmt.Fprintf(out, "Deployment %s queued (%s).\n", entry.DeploymentUUID, entry.Status)
			}
			if !follow {
				return nil
			}
			return followLogs(cmd.Context(), client, out, entry.DeploymentUUID, 0)
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "Commit to deploy (default: the application's configured commit)")
	cmd.Flags().IntVar(&pullRequestID, "pr", 0, "Deploy a pull request preview")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when the image exists")
	cmd.Flags().BoolVar(&restartOnly, "restart-only", false, "Restart with the existing image, without building")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "Redeploy an earlier commit")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the deployment log until it ends")
	return cmd
}

func newCancelCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-uuid>",
		Short: "Cancel a queued or running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			entry, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s is %s.\n", entry.DeploymentUUID, entry.Status)
			return nil
		},
	}
}

func newForceStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "force-start <deployment-uuid>",
		Short: "Start a queued deployment now, ignoring server capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			entry, err := client.ForceStart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s is %s.\n", entry.DeploymentUUID, entry.Status)
			return nil
		},
	}
}

func newLogsCmd(flags *globalFlags) *cobra.Command {
	var (
		after  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <deployment-uuid>",
		Short: "Print the log of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if follow {
				return followLogs(cmd.Context(), client, out, args[0], after)
			}

			page, err := client.Logs(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			for _, line := range page.Logs {
				printLogLine(out, line)
			}
			fmt.Fprintf(out, "Status: %s\n", page.Status)
			return nil
		},
	}
	cmd.Flags().IntVar(&after, "after", 0, "Only print lines after this order")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new lines until the deployment ends")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keel %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Output
// =============================================================================

func followLogs(ctx context.Context, client *Client, out io.Writer, deploymentUUID string, after int) error {
	status, err := client.FollowLogs(ctx, deploymentUUID, after, func(line domain.LogEntry) {
		printLogLine(out, line)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Status: %s\n", status)
	if status == domain.QueueStatusFailed {
		return fmt.Errorf("deployment %s failed", deploymentUUID)
	}
	return nil
}

func printLogLine(out io.Writer, line domain.LogEntry) {
	prefix := ""
	if line.Type == domain.LogTypeStderr {
		prefix = "! "
	}
	fmt.Fprintf(out, "%s %s%s\n", line.Timestamp.Local().Format(time.TimeOnly), prefix, line.Output)
}
