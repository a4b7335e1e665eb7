package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"scribe/internal/network"
	"scribe/internal/schema"
	"scribe/internal/security"
)

var flagUseModTimes bool

func init() {
	networkCmd.Flags().BoolVar(&flagUseModTimes, "mtime", false, "use sample modification times as posting times (directory input)")
	rootCmd.AddCommand(networkCmd)
}

var networkCmd = &cobra.Command{
	Use:   "network FILE.json|DIR",
	Short: "Find clusters of accounts that write alike and post together",
	Long: `Find clusters of accounts that write alike and post together.

The input is either a JSON document {"accounts": [{"id", "text",
"timestamps"}]} or a directory with one subdirectory per account holding
that account's posts.`,
	Args: cobra.ExactArgs(1),
	RunE: runNetwork,
}

func runNetwork(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{readOnly: true})
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	var accounts []network.Account
	if info.IsDir() {
		accounts, err = readAccountDir(args[0], a.cfg.Extraction.MaxSampleBytes, flagUseModTimes)
	} else {
		accounts, err = readAccountFile(args[0])
	}
	if err != nil {
		return err
	}

	res, err := a.engine.AnalyzeNetwork(commandContext(cmd), accounts)
	if err != nil {
		return err
	}
	return a.out.Network(res)
}

func readAccountFile(path string) ([]network.Account, error) {
	data, err := security.ReadSample(path, 0)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	doc, err := schema.Default().DecodeNetwork(data)
	if err != nil {
		return nil, err
	}
	return doc.Accounts, nil
}

// readAccountDir builds one account per subdirectory of root. Posts are
// joined in name order; hidden files are skipped.
func readAccountDir(root string, maxBytes int64, modTimes bool) ([]network.Account, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var accounts []network.Account
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		acct, err := readAccount(filepath.Join(root, e.Name()), e.Name(), maxBytes, modTimes)
		if err != nil {
			return nil, err
		}
		if acct.Text != "" {
			accounts = append(accounts, acct)
		}
	}
	return accounts, nil
}

func readAccount(dir, id string, maxBytes int64, modTimes bool) (network.Account, error) {
	acct := network.Account{ID: id}
	posts, err := os.ReadDir(dir)
	if err != nil {
		return acct, err
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].Name() < posts[j].Name() })

	var parts []string
	for _, p := range posts {
		if !p.Type().IsRegular() || strings.HasPrefix(p.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, p.Name())
		data, err := security.ReadSample(path, maxBytes)
		if err != nil {
			return acct, fmt.Errorf("read %s: %w", path, err)
		}
		parts = append(parts, strings.TrimSpace(string(data)))
		if modTimes {
			info, err := p.Info()
			if err != nil {
				return acct, err
			}
			acct.Timestamps = append(acct.Timestamps, info.ModTime().UTC())
		}
	}
	acct.Text = strings.Join(parts, "\n\n")
	return acct, nil
}
