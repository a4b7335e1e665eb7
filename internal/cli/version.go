package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"scribe/internal/forensics"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, err := loadConfig()
		tag := "unknown"
		if err == nil {
			if cal, err := forensics.NewCalibration(cfg.CalibrationSpec()); err == nil {
				tag = cal.Tag()
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scribe %s (%s, %s/%s)\nfingerprint %s\n",
			rootCmd.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH, tag)
	},
}
