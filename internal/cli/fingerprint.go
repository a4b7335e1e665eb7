package cli

import (
	"github.com/spf13/cobra"

	"scribe/internal/forensics"
)

var flagAllowShort bool

func init() {
	fingerprintCmd.Flags().BoolVar(&flagAllowShort, "allow-short", false, "fingerprint samples below the minimum length")
	rootCmd.AddCommand(fingerprintCmd)
}

var fingerprintCmd = &cobra.Command{
	Use:     "fingerprint FILE|-",
	Aliases: []string{"fp"},
	Short:   "Extract the stylometric fingerprint of a sample",
	Args:    cobra.ExactArgs(1),
	RunE:    runFingerprint,
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	fp, err := a.fingerprintArg(cmd, args[0], extractOptions())
	if err != nil {
		return err
	}
	return a.out.Fingerprint(fp)
}

func extractOptions() forensics.ExtractOptions {
	return forensics.ExtractOptions{AllowShortSample: flagAllowShort}
}
