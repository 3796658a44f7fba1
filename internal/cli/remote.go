package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hcfes/stimtune/internal/control"
)

const remoteTimeout = 10 * time.Second

func dialControl(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial control surface %s: %w", addr, err)
	}
	return conn, nil
}

func newStatusCmd(a *app) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.callRemote(cmd, remote, func(ctx context.Context, c *control.Client) (map[string]any, error) {
				return c.Status(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "127.0.0.1:9090", "gRPC control address of the session")
	return cmd
}

func newAbortCmd(a *app) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a running session; the trial in flight is stopped and recorded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.callRemote(cmd, remote, func(ctx context.Context, c *control.Client) (map[string]any, error) {
				return c.Abort(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "127.0.0.1:9090", "gRPC control address of the session")
	return cmd
}

func (a *app) callRemote(cmd *cobra.Command, addr string, call func(context.Context, *control.Client) (map[string]any, error)) error {
	log := a.quickLogger()
	conn, err := dialControl(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()
	out, err := call(ctx, control.NewClient(conn))
	if err != nil {
		log.Debug("control call failed", "addr", addr, "error", err)
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
