package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	anomalyCmd.Flags().StringVar(&flagFingerprint, "fingerprint", "", "previously extracted fingerprint JSON instead of a sample")
	anomalyCmd.Flags().BoolVar(&flagAllowShort, "allow-short", false, "fingerprint samples below the minimum length")
	rootCmd.AddCommand(anomalyCmd)
}

var anomalyCmd = &cobra.Command{
	Use:   "anomaly AUTHOR [FILE|-]",
	Short: "Check a sample against an author's baseline",
	Long: `Check a sample against an author's baseline without changing it.
Reports which metrics deviate and whether the deviation looks like a
different human writer or machine generation.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runAnomaly,
}

func runAnomaly(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	fp, err := sampleFingerprint(cmd, a, args[1:])
	if err != nil {
		return err
	}
	rep, err := a.engine.DetectAnomaly(commandContext(cmd), args[0], fp)
	if err != nil {
		return err
	}
	return a.out.Anomaly(args[0], rep)
}
