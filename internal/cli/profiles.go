package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var flagSamples int

func init() {
	profileShowCmd.Flags().IntVar(&flagSamples, "samples", 10, "number of recent samples to list")
	profilesCmd.AddCommand(profileShowCmd, profileDeleteCmd, profileVerifyCmd)
	rootCmd.AddCommand(profilesCmd)
}

var profilesCmd = &cobra.Command{
	Use:     "profiles",
	Aliases: []string{"ls"},
	Short:   "List author baselines",
	Args:    cobra.NoArgs,
	RunE:    runProfiles,
}

var profileShowCmd = &cobra.Command{
	Use:   "show AUTHOR",
	Short: "Show an author's baseline and recent samples",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileDeleteCmd = &cobra.Command{
	Use:     "delete AUTHOR",
	Aliases: []string{"rm"},
	Short:   "Delete an author's baseline and samples",
	Args:    cobra.ExactArgs(1),
	RunE:    runProfileDelete,
}

var profileVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every baseline from its samples and report drift",
	Args:  cobra.NoArgs,
	RunE:  runProfileVerify,
}

func runProfiles(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ps, err := a.engine.Profiles(commandContext(cmd))
	if err != nil {
		return err
	}
	if len(ps) == 0 && flagFormat == "text" {
		fmt.Fprintln(cmd.OutOrStdout(), "No profiles yet. Run 'scribe ingest <author> <file>' to build one.")
		return nil
	}
	return a.out.Profiles(ps)
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	p, err := a.engine.Profile(ctx, args[0])
	if err != nil {
		return err
	}
	samples, err := a.engine.Samples(ctx, args[0], flagSamples)
	if err != nil {
		return err
	}
	return a.out.Profile(p, samples)
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.DeleteProfile(commandContext(cmd), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runProfileVerify(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	mismatches, err := a.engine.VerifyProfiles(commandContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(mismatches) == 0 {
		fmt.Fprintln(out, "All profiles match their samples.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AUTHOR\tREASON")
	for _, m := range mismatches {
		fmt.Fprintf(w, "%s\t%s\n", m.AuthorID, m.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%d profiles do not match their samples", len(mismatches))
}
