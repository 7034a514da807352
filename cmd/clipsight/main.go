// Command clipsight is the ClipSight CLI: it submits videos for analysis,
// follows them to completion and chats about the result, and it also
// drives the local development stack.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ClipSight/internal/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var shown *shownError
		if !errors.As(err, &shown) {
			fmt.Fprintf(os.Stderr, "clipsight: %v\n", err)
		}
		os.Exit(1)
	}
}

// shownError is an error the notifier has already printed.
type shownError struct{ err error }

func (e *shownError) Error() string { return e.err.Error() }
func (e *shownError) Unwrap() error { return e.err }

// shownOrPlain marks errors that already raised a notification so main
// exits without printing them a second time. Chat input validation and
// cancellation of a running poll are not notified and pass through.
func shownOrPlain(err error) error {
	var (
		stage  *pipeline.StageError
		failed *pipeline.AnalysisFailedError
		chat   *pipeline.ChatError
	)
	if errors.As(err, &stage) || errors.As(err, &failed) || errors.As(err, &chat) ||
		errors.Is(err, pipeline.ErrPollTimeout) {
		return &shownError{err: err}
	}
	return err
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clipsight",
		Short: "ClipSight video analysis CLI",
		Long: `ClipSight uploads short-form videos for analysis, waits for the analysis to finish
and answers follow-up questions about it. The stack commands build and run the
local development environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	stack := newDevStack()
	cmd.PersistentFlags().StringVarP(&stack.composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.PersistentFlags().StringVar(&apiURL, "api", "", "ClipSight API base URL (defaults to CLIPSIGHT_API_URL)")
	cmd.AddCommand(
		newAnalyzeCmd(),
		newStatusCmd(),
		newChatCmd(),
	)
	cmd.AddCommand(stack.commands()...)
	return cmd
}
