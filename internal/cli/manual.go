package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hcfes/stimtune/internal/control"
	"github.com/hcfes/stimtune/internal/session"
	"github.com/hcfes/stimtune/pkg/models"
)

const manualQueueCapacity = 16

func newManualCmd(a *app) *cobra.Command {
	var (
		vectorsFile string
		queue       bool
		remote      string
	)
	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Run operator-chosen trials instead of the optimizer",
		Long: `Run a session whose parameters come from the operator.

With --vectors the listed trials run in order. With --queue the session waits
for vectors submitted over the control surface. With --remote the vectors are
submitted to a queued session running elsewhere.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case remote != "":
				if vectorsFile == "" {
					return errors.New("--remote needs --vectors")
				}
				return a.submitRemote(cmd, remote, vectorsFile)
			case queue && vectorsFile != "":
				return errors.New("--queue and --vectors are mutually exclusive")
			case !queue && vectorsFile == "":
				return errors.New("one of --vectors or --queue is required")
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if queue && cfg.Control.HTTPAddr == "" && cfg.Control.GRPCAddr == "" {
				return errors.New("--queue needs a control address to receive vectors")
			}
			st, err := openStack(cmd.Context(), cfg, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			ctl, err := st.controller(a.v.GetString("session_id"), nil)
			if err != nil {
				return err
			}

			var src session.ManualSource
			if queue {
				src = session.NewQueueSource(manualQueueCapacity)
			} else {
				vectors, err := manualVectors(vectorsFile, cfg)
				if err != nil {
					return err
				}
				// reject the whole list before the first trial starts
				for i, v := range vectors {
					if vectors[i], err = ctl.PrepareManual(v); err != nil {
						return fmt.Errorf("manual trial %d: %w", i, err)
					}
				}
				src = session.NewSliceSource(vectors)
			}
			return a.drive(cmd, st, ctl, func(ctx context.Context) (models.OptimizationResult, error) {
				return ctl.RunManual(ctx, src)
			})
		},
	}
	addSessionFlags(cmd)
	cmd.Flags().String("session-id", "", "session ID (generated when empty)")
	cmd.Flags().StringVar(&vectorsFile, "vectors", "", "YAML file listing the trials to run")
	cmd.Flags().BoolVar(&queue, "queue", false, "wait for vectors submitted over the control surface")
	cmd.Flags().StringVar(&remote, "remote", "", "submit --vectors to the gRPC control address of a queued session")
	return cmd
}

// submitRemote queues every vector of the file on a running session
func (a *app) submitRemote(cmd *cobra.Command, addr, vectorsFile string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	vectors, err := manualVectors(vectorsFile, cfg)
	if err != nil {
		return err
	}
	conn, err := dialControl(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := control.NewClient(conn)
	for i, v := range vectors {
		ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
		queued, err := client.SubmitManual(ctx, v)
		cancel()
		if err != nil {
			return fmt.Errorf("manual trial %d: %w", i, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %d %s\n", i, queued)
	}
	return nil
}
