package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scribe/internal/store"
)

var (
	flagKind    string
	flagSubject string
	flagSince   string
	flagLimit   int
)

func init() {
	f := historyCmd.Flags()
	f.StringVar(&flagKind, "kind", "", "event kind: attribution, anomaly or network")
	f.StringVar(&flagSubject, "subject", "", "only events about this author or account")
	f.StringVar(&flagSince, "since", "", "only events after this RFC 3339 time or duration ago (e.g. 24h)")
	f.IntVarP(&flagLimit, "limit", "n", 50, "maximum events to show")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded attribution, anomaly and network results",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	filter, err := historyFilter(time.Now())
	if err != nil {
		return err
	}

	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.engine.History(commandContext(cmd), filter)
	if err != nil {
		return err
	}
	return a.out.History(events)
}

func historyFilter(now time.Time) (store.HistoryFilter, error) {
	f := store.HistoryFilter{Subject: flagSubject, Limit: flagLimit}
	switch kind := store.EventKind(flagKind); kind {
	case "", store.EventAttribution, store.EventAnomaly, store.EventNetwork:
		f.Kind = kind
	default:
		return f, fmt.Errorf("unknown event kind %q", flagKind)
	}
	if flagSince != "" {
		since, err := parseSince(flagSince, now)
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	return f, nil
}

// parseSince accepts an RFC 3339 time or a duration counted back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("--since %q is neither an RFC 3339 time nor a duration", s)
	}
	return now.Add(-d), nil
}
