package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ClipSight/internal/client"
	"github.com/dharsanguruparan/ClipSight/internal/config"
	"github.com/dharsanguruparan/ClipSight/internal/logging"
	"github.com/dharsanguruparan/ClipSight/internal/model"
	"github.com/dharsanguruparan/ClipSight/internal/pipeline"
	"github.com/dharsanguruparan/ClipSight/internal/probe"
)

var apiURL string

var suggestedQuestions = []string{
	"Where exactly should I change the hook?",
	"How can I improve retention in the middle?",
	"What's the best CTA for this video?",
	"Can you explain the loopability issue?",
}

func loadClient() (*config.Config, *client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	base := cfg.APIURL
	if apiURL != "" {
		base = apiURL
	}
	return cfg, client.New(base, cfg.HTTPTimeout), nil
}

// printNotifier writes notifications as single lines.
func printNotifier(w io.Writer) pipeline.Notifier {
	return pipeline.NotifierFunc(func(n pipeline.Notification) {
		prefix := "•"
		switch n.Level {
		case pipeline.LevelSuccess:
			prefix = "✔"
		case pipeline.LevelError:
			prefix = "✖"
		}
		fmt.Fprintf(w, "%s %s: %s\n", prefix, n.Title, n.Description)
	})
}

var progressLabels = map[int]string{
	pipeline.ProgressStart:     "reading video",
	pipeline.ProgressCreated:   "analysis created",
	pipeline.ProgressUploaded:  "video uploaded",
	pipeline.ProgressURLSaved:  "video saved",
	pipeline.ProgressTriggered: "analysis started",
}

func renderProgress(percent int) string {
	const width = 20
	filled := percent * width / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	return fmt.Sprintf("[%s] %3d%% %s", bar, percent, progressLabels[percent])
}

func newAnalyzeCmd() *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "analyze <video>",
		Short: "Upload a video, start its analysis and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, c, err := loadClient()
			if err != nil {
				return err
			}
			if err := checkLocalVideo(cfg, args[0]); err != nil {
				return err
			}
			return runAnalyze(cmd.Context(), cfg, c, probe.New(cfg.FFProbePath), args[0], noWait,
				cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return as soon as the analysis is started")
	return cmd
}

// analysisService is what analyze needs from the API.
type analysisService interface {
	pipeline.UploadService
	pipeline.RecordFetcher
}

type pollOutcome struct {
	rec *model.AnalysisRecord
	err error
}

// runAnalyze uploads path and, unless noWait, waits for the poll the
// Uploader starts once the trigger is accepted.
func runAnalyze(ctx context.Context, cfg *config.Config, svc analysisService, prober pipeline.DurationProber, path string, noWait bool, out, errOut io.Writer) error {
	logger := logging.NewWithWriter(errOut, cfg.LogLevel)
	notes := printNotifier(errOut)

	up := pipeline.NewUploader(svc, prober, notes, logger)
	finished := make(chan pollOutcome, 1)
	if !noWait {
		var lastStatus model.Status
		poller := pipeline.NewPoller(svc, notes, logger,
			pipeline.WithInterval(cfg.PollInterval),
			pipeline.WithMaxAttempts(cfg.PollAttempts),
			pipeline.WithObserver(func(r *model.AnalysisRecord) {
				if r.Status != lastStatus {
					fmt.Fprintf(errOut, "status: %s\n", r.Status)
					lastStatus = r.Status
				}
			}),
		)
		up.WithPoller(poller, func(rec *model.AnalysisRecord, err error) {
			finished <- pollOutcome{rec: rec, err: err}
		})
	}

	rec, err := up.Upload(ctx, path, func(p int) { fmt.Fprintln(errOut, renderProgress(p)) })
	if err != nil {
		return shownOrPlain(err)
	}
	fmt.Fprintf(out, "analysis id: %s\n", rec.ID)
	if noWait {
		return nil
	}
	res := <-finished
	if res.err != nil {
		return shownOrPlain(res.err)
	}
	return printAnalysis(out, res.rec)
}

// checkLocalVideo applies the size and extension limits before any upload.
func checkLocalVideo(cfg *config.Config, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInput, err)
	}
	if info.Size() > cfg.MaxFileSize {
		return fmt.Errorf("%w: file is %d bytes, limit is %d", pipeline.ErrInput, info.Size(), cfg.MaxFileSize)
	}
	if ct := client.ContentTypeFor(path); !cfg.AllowsType(ct) {
		return fmt.Errorf("%w: only MP4, MOV and AVI videos are supported", pipeline.ErrInput)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <analysis-id>",
		Short: "Show the state of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, err := loadClient()
			if err != nil {
				return err
			}
			rec, err := c.FetchRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAnalysis(cmd.OutOrStdout(), rec)
		},
	}
}

func newChatCmd() *cobra.Command {
	var suggest, showHistory bool
	cmd := &cobra.Command{
		Use:   "chat <analysis-id> [message...]",
		Short: "Ask a question about a finished analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if suggest {
				for _, q := range suggestedQuestions {
					fmt.Fprintln(out, q)
				}
				return nil
			}
			cfg, c, err := loadClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rec, err := c.FetchRecord(ctx, args[0])
			if err != nil {
				return err
			}
			session, err := pipeline.NewChatSession(rec, c, printNotifier(cmd.ErrOrStderr()),
				logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel))
			if errors.Is(err, pipeline.ErrNotReady) {
				return fmt.Errorf("analysis %s is %s; chat opens once it completes", rec.ID, rec.Status)
			}
			if err != nil {
				return err
			}
			if showHistory {
				printHistory(out, session.History())
			}
			if len(args) == 1 {
				return nil
			}
			history, err := session.Send(ctx, strings.Join(args[1:], " "))
			if err != nil {
				return shownOrPlain(err)
			}
			fmt.Fprintln(out, history[len(history)-1].Message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&suggest, "suggest", false, "List suggested questions")
	cmd.Flags().BoolVar(&showHistory, "history", false, "Print the conversation so far")
	return cmd
}

func printAnalysis(w io.Writer, rec *model.AnalysisRecord) error {
	fmt.Fprintf(w, "id:       %s\nfile:     %s (%d bytes, %ds)\nstatus:   %s\n",
		rec.ID, rec.FileName, rec.FileSize, rec.Duration, rec.Status)
	if rec.ErrorMessage != nil {
		fmt.Fprintf(w, "error:    %s\n", *rec.ErrorMessage)
	}
	if len(rec.AnalysisData) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, rec.AnalysisData, "", "  "); err != nil {
		return fmt.Errorf("format analysis: %w", err)
	}
	fmt.Fprintf(w, "analysis:\n%s\n", buf.String())
	return nil
}

func printHistory(w io.Writer, history []model.ChatMessage) {
	for _, m := range history {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.Role, m.Message)
	}
}
