package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hcfes/stimtune/internal/control"
	"github.com/hcfes/stimtune/internal/session"
	"github.com/hcfes/stimtune/pkg/config"
	"github.com/hcfes/stimtune/pkg/models"
)

const notifyTimeout = 2 * time.Minute

// addSessionFlags registers the runtime overrides shared by commands that run a session
func addSessionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("dry-run", false, "use the simulated rig and keep records in memory only")
	f.String("http-addr", "", "HTTP control address (overrides control.http_addr)")
	f.String("grpc-addr", "", "gRPC control address (overrides control.grpc_addr)")
	f.String("notify-url", "", "POST the result here when the session ends")
	f.String("persistence-dir", "", "session directory for the file backend")
	f.String("backend", "", "persistence backend (file, postgres, memory)")
	f.String("dsn", "", "PostgreSQL DSN for the postgres backend")
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an optimization session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStack(cmd.Context(), cfg, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			opt, err := st.optimizer(cfg.Optimizer.Seed)
			if err != nil {
				return err
			}
			ctl, err := st.controller(a.v.GetString("session_id"), opt)
			if err != nil {
				return err
			}
			return a.drive(cmd, st, ctl, ctl.Run)
		},
	}
	addSessionFlags(cmd)
	cmd.Flags().String("session-id", "", "session ID (generated when empty)")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue an optimization session that stopped before reaching its budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if a.dryRun() {
				return fmt.Errorf("resume reads persisted trials and cannot run with --dry-run")
			}
			st, err := openStack(cmd.Context(), cfg, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			meta, records, err := st.priorTrials(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opt, err := st.optimizer(meta.Seed)
			if err != nil {
				return err
			}
			ctl, err := st.controller(meta.SessionID, opt)
			if err != nil {
				return err
			}
			if err := ctl.Resume(records); err != nil {
				return err
			}
			return a.drive(cmd, st, ctl, ctl.Run)
		},
	}
	addSessionFlags(cmd)
	return cmd
}

// drive serves the control surface around a session run. Cancelling the command's
// context (SIGINT) aborts the session, which still records its trials and result.
func (a *app) drive(cmd *cobra.Command, st *stack, ctl *session.Controller, run func(context.Context) (models.OptimizationResult, error)) error {
	ctx := cmd.Context()
	cfg := st.cfg

	surface, err := control.Listen(cfg.Control.HTTPAddr, cfg.Control.GRPCAddr, ctl, st.history, a.log)
	if err != nil {
		return err
	}
	srvCtx, stopSrv := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan error, 1)
	go func() { served <- surface.Serve(srvCtx) }()

	stopAbort := context.AfterFunc(ctx, func() {
		a.log.Warn("interrupt received, aborting session", "session_id", ctl.SessionID())
		ctl.Abort()
	})
	defer stopAbort()

	if st.files != nil {
		a.log.Info("trial log", "path", st.files.TrialLogPath(ctl.SessionID()))
	}
	res, runErr := run(context.WithoutCancel(ctx))

	stopSrv()
	if err := <-served; err != nil {
		a.log.Error("control surface stopped with error", "error", err)
	}

	if cfg.Control.NotifyURL != "" {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		notifier := control.NewNotifier(cfg.Control.NotifyAttempts, a.v.GetString("control.notify_secret"), a.log)
		if err := notifier.Notify(nctx, cfg.Control.NotifyURL, res, runErr); err != nil {
			a.log.Error("result notification failed", "error", err)
		}
		cancel()
	}

	printResult(cmd.OutOrStdout(), res)
	return runErr
}

func printResult(w io.Writer, res models.OptimizationResult) {
	fmt.Fprintf(w, "session     %s\n", res.SessionID)
	fmt.Fprintf(w, "stopped     %s\n", res.StopReason)
	fmt.Fprintf(w, "trials      %d (%d excluded)\n", res.TotalTrials, res.ExcludedTrials)
	if !res.HasBest {
		fmt.Fprintln(w, "best        none (no trial was observed)")
		return
	}
	fmt.Fprintf(w, "best        %.4f at trial %d (%s)\n", res.BestObjective, res.BestTrialIndex, res.Direction)
	for _, s := range res.BestParameters.Settings {
		fmt.Fprintf(w, "  %-12s %6.2f mA", s.Muscle, s.IntensityMA)
		if s.FrequencyHz != 0 {
			fmt.Fprintf(w, "  %5.1f Hz", s.FrequencyHz)
		}
		if s.PulseWidthUs != 0 {
			fmt.Fprintf(w, "  %5.0f us", s.PulseWidthUs)
		}
		if s.OnsetDeg != 0 || s.OffsetDeg != 0 {
			fmt.Fprintf(w, "  onset %+.1f deg  offset %+.1f deg", s.OnsetDeg, s.OffsetDeg)
		}
		fmt.Fprintln(w)
	}
}

// manualVectors loads a manual trial file in the session's muscle order
func manualVectors(path string, cfg *config.SessionConfig) ([]models.ParameterVector, error) {
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	return config.LoadManualVectors(expanded, cfg.Session.Muscles)
}
