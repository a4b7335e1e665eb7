package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"scribe/internal/forensics"
	"scribe/internal/schema"
	"scribe/internal/security"
)

var (
	flagCandidates  []string
	flagFingerprint string
)

func init() {
	attributeCmd.Flags().StringSliceVar(&flagCandidates, "candidate", nil, "author to consider (repeatable; default every profile)")
	attributeCmd.Flags().StringVar(&flagFingerprint, "fingerprint", "", "previously extracted fingerprint JSON instead of a sample")
	attributeCmd.Flags().BoolVar(&flagAllowShort, "allow-short", false, "fingerprint samples below the minimum length")
	rootCmd.AddCommand(attributeCmd)
}

var attributeCmd = &cobra.Command{
	Use:   "attribute [FILE|-]",
	Short: "Rank known authors by stylistic similarity to a sample",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAttribute,
}

func runAttribute(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	fp, err := sampleFingerprint(cmd, a, args)
	if err != nil {
		return err
	}
	var candidates []string
	if cmd.Flags().Changed("candidate") {
		candidates = flagCandidates
	}
	res, err := a.engine.Attribute(commandContext(cmd), fp, candidates)
	if err != nil {
		return err
	}
	return a.out.Attribution(res)
}

// sampleFingerprint returns the fingerprint named by --fingerprint or
// extracts one from the sample argument.
func sampleFingerprint(cmd *cobra.Command, a *app, args []string) (*forensics.Fingerprint, error) {
	if flagFingerprint != "" {
		if len(args) > 0 {
			return nil, errors.New("give either a sample or --fingerprint, not both")
		}
		data, err := security.ReadSample(flagFingerprint, 0)
		if err != nil {
			return nil, fmt.Errorf("read fingerprint: %w", err)
		}
		return schema.Default().DecodeFingerprint(data)
	}
	if len(args) == 0 {
		return nil, errors.New("a sample file, - for stdin, or --fingerprint is required")
	}
	return a.fingerprintArg(cmd, args[0], extractOptions())
}
