package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"github.com/hcfes/stimtune/internal/store"
	"github.com/hcfes/stimtune/pkg/config"
	"github.com/hcfes/stimtune/pkg/models"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		logPath   string
		sessionID string
		fromStart bool
		noFollow  bool
		poll      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the trial log of a session as trials finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := logPath
			switch {
			case path != "" && sessionID != "":
				return errors.New("--log and --session are mutually exclusive")
			case sessionID != "":
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				dir, err := config.ExpandPath(cfg.Persistence.Dir)
				if err != nil {
					return err
				}
				path = filepath.Join(dir, sessionID, store.TrialLogName)
			case path == "":
				return errors.New("one of --log or --session is required")
			}
			return watchTrials(cmd.Context(), path, watchOptions{
				FromStart: fromStart,
				Follow:    !noFollow,
				Poll:      poll,
			}, cmd.OutOrStdout(), a.quickLogger())
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "trial log to follow")
	cmd.Flags().StringVar(&sessionID, "session", "", "follow the trial log of this session under persistence.dir")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "print trials already in the log")
	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "stop at the end of the log")
	cmd.Flags().BoolVar(&poll, "poll", false, "poll for changes instead of using inotify")
	return cmd
}

type watchOptions struct {
	FromStart bool
	Follow    bool
	Poll      bool
}

// watchTrials prints one line per trial record appended to path until ctx ends,
// or until the end of the file when not following
func watchTrials(ctx context.Context, path string, opts watchOptions, w io.Writer, log *slog.Logger) error {
	cfg := tail.Config{
		Follow:        opts.Follow,
		ReOpen:        opts.Follow,
		Poll:          opts.Poll,
		MustExist:     !opts.Follow,
		CompleteLines: true,
		Logger:        tail.DiscardingLogger,
	}
	if !opts.FromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(path, cfg)
	if err != nil {
		return fmt.Errorf("open trial log: %w", err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				log.Warn("trial log", "error", line.Err)
				continue
			}
			if line.Text == "" {
				continue
			}
			rec, err := store.DecodeTrialRecord([]byte(line.Text))
			if err != nil {
				log.Warn("skipping unreadable trial log line", "line", line.Num, "error", err)
				continue
			}
			if _, err := fmt.Fprintln(w, formatTrial(rec)); err != nil {
				_ = t.Stop()
				return err
			}
		}
	}
}

func formatTrial(rec models.TrialRecord) string {
	state := "observed"
	if rec.Excluded {
		state = "excluded"
	}
	s := fmt.Sprintf("trial %4d  %-9s %-9s", rec.Index, rec.Origin, state)
	if rec.HasObjective() {
		s += fmt.Sprintf("  objective %10.4f", rec.ObjectiveValue())
	}
	s += "  " + rec.Parameters.String()
	if rec.Reason != "" {
		s += "  (" + rec.Reason + ")"
	}
	return s
}
