package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/regional-access/internal/reducer"
)

func newReduceCmd() *cobra.Command {
	var (
		index      int
		percentile float64
		mean       bool
	)
	cmd := &cobra.Command{
		Use:   "reduce <access-grid>",
		Short: "Reduce an access grid file to one value per origin",
		Long: `reduce reads an access grid and prints a JSON grid holding one value per origin:
the sample at --index (0 is the point estimate), the --percentile of the bootstrap
replicates, or their --mean.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var red reducer.Reducer = reducer.Selecting{Index: index}
			flags := cmd.Flags()
			switch {
			case flags.Changed("percentile") && (mean || flags.Changed("index")),
				mean && flags.Changed("index"):
				return errors.New("use only one of --index, --percentile or --mean")
			case flags.Changed("percentile"):
				red = reducer.Percentile{P: percentile}
			case mean:
				red = reducer.Mean{}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open access grid: %w", err)
			}
			defer f.Close()
			grid, err := reducer.Apply(f, red)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(map[string]any{
				"zoom":   grid.Zoom,
				"west":   grid.West,
				"north":  grid.North,
				"width":  grid.Width,
				"height": grid.Height,
				"values": grid.Values,
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "sample index to select")
	cmd.Flags().Float64Var(&percentile, "percentile", 50, "percentile of the bootstrap replicates")
	cmd.Flags().BoolVar(&mean, "mean", false, "average the bootstrap replicates")
	return cmd
}
