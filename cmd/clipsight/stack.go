package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ClipSight/internal/config"
)

// devStack drives the local docker compose environment: Postgres, Redis,
// MinIO, the API and the worker.
type devStack struct {
	composeFile string
	// exec runs an external command with extra environment entries.
	exec func(ctx context.Context, env []string, name string, args ...string) error
}

func newDevStack() *devStack {
	return &devStack{exec: runCommand}
}

func (s *devStack) compose(ctx context.Context, sub string, args ...string) error {
	full := append([]string{"compose", "-f", s.composeFile, sub}, args...)
	return s.exec(ctx, nil, "docker", full...)
}

func (s *devStack) commands() []*cobra.Command {
	return []*cobra.Command{
		s.buildCmd(),
		s.upCmd(),
		s.downCmd(),
		s.logsCmd(),
		s.testCmd(),
		s.runCmd(),
	}
}

func (s *devStack) buildCmd() *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:   "build [api|worker...]",
		Short: "Build the api and worker images",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []string
			if noCache {
				opts = append(opts, "--no-cache")
			}
			return s.compose(cmd.Context(), "build", append(opts, args...)...)
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable Docker build cache")
	return cmd
}

func (s *devStack) upCmd() *cobra.Command {
	var (
		skipBuild bool
		wait      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the stack and wait until the API reports healthy",
		Long: `Starts Postgres, Redis, MinIO, the API and the worker in the background.
The API creates the video bucket on start and only reports healthy once its
dependencies answer, so a healthy /healthz means uploads will work.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []string{"-d"}
			if !skipBuild {
				opts = append(opts, "--build")
			}
			if err := s.compose(cmd.Context(), "up", append(opts, args...)...); err != nil {
				return err
			}
			if wait <= 0 {
				return nil
			}
			base := strings.TrimRight(apiURL, "/")
			if base == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				base = cfg.APIURL
			}
			fmt.Fprintf(cmd.OutOrStdout(), "waiting for %s/healthz\n", base)
			if err := waitHealthy(cmd.Context(), base, wait, time.Second); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✔ ClipSight is up")
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip rebuilding images before starting")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for the API to become healthy (0 to skip)")
	return cmd
}

func (s *devStack) downCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []string
			if removeVolumes {
				opts = append(opts, "-v")
			}
			return s.compose(cmd.Context(), "down", opts...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Also delete stored records and videos")
	return cmd
}

func (s *devStack) logsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show logs of the api and worker (or the named services)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []string
			if follow {
				opts = append(opts, "-f")
			}
			if len(args) == 0 {
				args = []string{"api", "worker"}
			}
			return s.compose(cmd.Context(), "logs", append(opts, args...)...)
		},
	}
	// -f is taken by --compose-file on the root command.
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream logs continuously")
	return cmd
}

func (s *devStack) testCmd() *cobra.Command {
	var race, cover, integration bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			if cover {
				goArgs = append(goArgs, "-cover")
			}
			if len(args) == 0 {
				args = []string{"./..."}
			}
			var env []string
			if integration {
				// Enables the Postgres testcontainers suite; needs a Docker daemon.
				env = append(env, "TEST_INTEGRATION=1")
			}
			return s.exec(cmd.Context(), env, "go", append(goArgs, args...)...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable Go race detector")
	cmd.Flags().BoolVar(&cover, "cover", false, "Collect coverage data")
	cmd.Flags().BoolVar(&integration, "integration", false, "Also run the Postgres integration tests")
	return cmd
}

func (s *devStack) runCmd() *cobra.Command {
	var inline bool
	api := &cobra.Command{
		Use:   "api",
		Short: "Run the API from source",
		RunE: func(cmd *cobra.Command, args []string) error {
			var env []string
			if inline {
				// Memory store and in-process workers: no Postgres or Redis needed.
				env = append(env, "CLIPSIGHT_DISPATCH=inline")
			}
			return s.exec(cmd.Context(), env, "go", append([]string{"run", "./cmd/api"}, args...)...)
		},
	}
	api.Flags().BoolVar(&inline, "inline", false, "Analyze in-process with the memory store")

	worker := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue worker from source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.exec(cmd.Context(), nil, "go", append([]string{"run", "./cmd/worker"}, args...)...)
		},
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the api or worker binaries directly",
	}
	cmd.AddCommand(api, worker)
	return cmd
}

// waitHealthy polls baseURL/healthz until it answers 200 or timeout passes.
func waitHealthy(ctx context.Context, baseURL string, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpClient := &http.Client{Timeout: interval + 2*time.Second}
	var last error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("healthz returned %d", resp.StatusCode)
		}
		last = err
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("api not healthy after %s: %w", timeout, last)
			}
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func runCommand(ctx context.Context, env []string, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Env = append(os.Environ(), env...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
