package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var flagNoInitialScan bool

func init() {
	watchCmd.Flags().BoolVar(&flagNoInitialScan, "no-initial-scan", false, "ignore samples already present at start")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [DIR...]",
	Short: "Ingest samples as they appear in corpus directories",
	Long: `Ingest samples as they appear in corpus directories laid out as
DIR/<author>/<sample>. Without arguments the directories in the watch
section of the config are used.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	roots := args
	if len(roots) == 0 {
		roots = a.cfg.Watch.Paths
	}
	if len(roots) == 0 {
		return errors.New("no corpus directories: pass DIR or set watch.paths in the config")
	}
	initial := a.cfg.Watch.InitialScan && !flagNoInitialScan

	w, err := newCorpusWatcher(a.cfg, roots, initial, a.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("watching corpus", "roots", w.Roots())
	return watchCorpus(ctx, a, w, a.out.Ingest)
}
