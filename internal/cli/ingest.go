package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scribe/internal/engine"
	"scribe/internal/schema"
	"scribe/internal/security"
)

var flagBatch string

func init() {
	ingestCmd.Flags().StringVar(&flagBatch, "batch", "", "JSON batch document of samples to ingest")
	ingestCmd.Flags().BoolVar(&flagAllowShort, "allow-short", false, "ingest samples below the minimum length")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [AUTHOR FILE|-...]",
	Short: "Add known samples to author baselines",
	Long: `Add known samples to author baselines. Each sample is checked against
the author's existing baseline before it is folded in.

  scribe ingest alice essay1.txt essay2.txt
  scribe ingest --batch samples.json`,
	Args: func(cmd *cobra.Command, args []string) error {
		if flagBatch != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.MinimumNArgs(2)(cmd, args)
	},
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if flagBatch != "" {
		return ingestBatch(cmd, a, flagBatch)
	}

	ctx := commandContext(cmd)
	author := args[0]
	files := args[1:]
	progress := newProgress(os.Stderr, len(files))
	defer progress.Done()
	for i, path := range files {
		progress.Step(i+1, path)
		var res *engine.IngestResult
		if path == "-" {
			text, err := a.readStdin(cmd)
			if err != nil {
				return err
			}
			res, err = a.engine.Ingest(ctx, author, text, "stdin", extractOptions())
			if err != nil {
				return fmt.Errorf("ingest stdin: %w", err)
			}
		} else {
			res, err = a.engine.IngestFile(ctx, author, path, extractOptions())
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
		}
		progress.Done()
		if err := a.out.Ingest(res); err != nil {
			return err
		}
	}
	return nil
}

func ingestBatch(cmd *cobra.Command, a *app, path string) error {
	data, err := security.ReadSample(path, 0)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	doc, err := schema.Default().DecodeBatch(data)
	if err != nil {
		return err
	}

	samples := make([]engine.BatchSample, len(doc.Samples))
	for i, s := range doc.Samples {
		samples[i] = engine.BatchSample{AuthorID: s.AuthorID, Text: s.Text, Source: s.Source}
	}
	res, err := a.engine.IngestBatch(commandContext(cmd), samples, extractOptions())
	if err != nil {
		return err
	}
	for _, r := range res.Ingested {
		if err := a.out.Ingest(r); err != nil {
			return err
		}
	}
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "sample %d (%s): %s\n", f.Index, f.AuthorID, f.Error)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d samples failed", len(res.Failed), len(samples))
	}
	return nil
}
