package cli

import (
	"context"

	"scribe/internal/config"
	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/logging"
	"scribe/internal/watcher"
)

func newCorpusWatcher(cfg *config.Config, roots []string, initialScan bool, logger *logging.Logger) (*watcher.Watcher, error) {
	return watcher.New(watcher.Config{
		Roots:          roots,
		Include:        cfg.Watch.IncludePatterns,
		Exclude:        cfg.Watch.ExcludePatterns,
		Debounce:       cfg.Interval(),
		InitialScan:    initialScan,
		MaxSampleBytes: cfg.Extraction.MaxSampleBytes,
		Logger:         logger.Logger,
	})
}

// watchCorpus ingests every sample w reports until ctx is done. Samples
// that fail to ingest are logged and skipped; emit sees the rest.
func watchCorpus(ctx context.Context, a *app, w *watcher.Watcher, emit func(*engine.IngestResult) error) error {
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			res, err := a.engine.IngestFile(ctx, ev.AuthorID, ev.Path, forensics.ExtractOptions{})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Warn("sample not ingested", "author", ev.AuthorID, "path", ev.Path, "error", err)
				continue
			}
			a.logger.Info("sample ingested",
				"author", res.AuthorID,
				"path", ev.Path,
				"duplicate", res.Duplicate,
				"anomalous", res.Anomaly != nil && res.Anomaly.Anomalous,
			)
			if emit != nil {
				if err := emit(res); err != nil {
					return err
				}
			}
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			a.logger.Warn("corpus watcher error", "error", err)
		}
	}
}
