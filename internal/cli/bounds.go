package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/internal/improvement"
	"github.com/hcfes/stimtune/pkg/models"
)

func newBoundsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bounds",
		Short: "Inspect the calibrated stimulation box",
	}
	cmd.AddCommand(newBoundsCheckCmd(a))
	return cmd
}

func newBoundsCheckCmd(a *app) *cobra.Command {
	var vectorsFile string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print the calibrated box and check manual vectors against it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			bs, space, err := buildBox(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printBox(out, bs, space)
			if vectorsFile == "" {
				return nil
			}
			vectors, err := manualVectors(vectorsFile, cfg)
			if err != nil {
				return err
			}
			return checkVectors(out, vectors, bs, space)
		},
	}
	cmd.Flags().StringVar(&vectorsFile, "vectors", "", "manual trial file to check")
	return cmd
}

func printBox(w io.Writer, bs *bounds.Store, space *improvement.SearchSpace) {
	fmt.Fprintln(w, "intensity (mA)")
	for _, m := range bs.Muscles() {
		b, err := bs.GetBound(m)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "  %-12s [%g, %g]\n", m, b.Low, b.High)
	}
	if params := bs.SearchedParams(); len(params) > 0 {
		fmt.Fprintln(w, "searched parameters")
		for _, p := range params {
			b, _ := bs.ParamBound(p)
			fmt.Fprintf(w, "  %-14s [%g, %g]\n", p, b.Low, b.High)
		}
	}
	fmt.Fprintf(w, "search dimensions: %d\n", space.Dims())
}

// checkVectors reports every vector against the box and fails if any lies outside it
func checkVectors(w io.Writer, vectors []models.ParameterVector, bs *bounds.Store, space *improvement.SearchSpace) error {
	bad := 0
	for i, v := range vectors {
		v = space.Complete(v)
		err := bs.Validate(v)
		if err == nil {
			_, err = space.Encode(v)
		}
		if err != nil {
			bad++
			fmt.Fprintf(w, "trial %d: REJECTED %s: %v\n", i, v, err)
			continue
		}
		fmt.Fprintf(w, "trial %d: ok %s\n", i, v)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d manual trials lie outside the calibrated box", bad, len(vectors))
	}
	return nil
}
