package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/network"
	"scribe/internal/profile"
	"scribe/internal/store"
)

type textRenderer struct {
	out io.Writer
}

func newTextRenderer(w io.Writer) *textRenderer {
	return &textRenderer{out: w}
}

func (r *textRenderer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
}

func (r *textRenderer) Fingerprint(fp *forensics.Fingerprint) error {
	w := r.table()
	fmt.Fprintf(w, "Fingerprint\t%s\n", fp.ID)
	fmt.Fprintf(w, "Version\t%s\n", fp.Version)
	fmt.Fprintf(w, "Author\t%s\n", orDash(fp.AuthorID))
	size := sizeSummary(fp.Size)
	if fp.LowConfidence {
		size += " (low confidence)"
	}
	fmt.Fprintf(w, "Sample\t%s\n", size)
	fmt.Fprintf(w, "Created\t%s\n", formatTime(fp.CreatedAt))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "METRIC\tVALUE")
	for i, v := range fp.Metrics.Values() {
		fmt.Fprintf(w, "%s\t%.4f\n", forensics.MetricNames[i], v)
	}
	return w.Flush()
}

func (r *textRenderer) Attribution(res *attribution.Result) error {
	fmt.Fprintf(r.out, "Attribution %s for fingerprint %s\n\n", shortID(res.ID), shortID(res.FingerprintID))
	if len(res.Matches) == 0 {
		fmt.Fprintln(r.out, "No candidate profiles.")
	} else {
		w := r.table()
		fmt.Fprintln(w, "RANK\tAUTHOR\tSCORE\tBAND\tSIGNAL\tMETRICS\tPUNCT\tLEXICAL\tPASSIVE\tSAMPLES")
		for i, m := range res.Matches {
			b := m.Breakdown
			fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%d\n",
				i+1, m.AuthorID, m.Score, m.Band, b.Signal, b.Metrics, b.Punctuation, b.Lexical, b.Passive, m.SampleCount)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(res.Incompatible) > 0 {
		fmt.Fprintf(r.out, "\nSkipped incompatible profiles: %s\n", strings.Join(res.Incompatible, ", "))
	}
	return nil
}

func (r *textRenderer) Anomaly(authorID string, rep *anomaly.Report) error {
	if rep == nil {
		_, err := fmt.Fprintf(r.out, "No anomaly for %s: sample is consistent with the baseline.\n", authorID)
		return err
	}
	w := r.table()
	fmt.Fprintf(w, "Author\t%s\n", rep.AuthorID)
	fmt.Fprintf(w, "Classification\t%s\n", label(string(rep.Classification)))
	fmt.Fprintf(w, "Anomalous\t%s\n", yesNo(rep.Anomalous))
	fmt.Fprintf(w, "Confidence\t%.2f\n", rep.Confidence)
	fmt.Fprintf(w, "Breaches\t%d of %d\n", rep.Breaches, len(rep.Deviations))
	fmt.Fprintf(w, "Baseline\t%d samples\n", rep.BaselineSamples)
	if rep.Advisory != "" {
		fmt.Fprintf(w, "Advisory\t%s\n", rep.Advisory)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "METRIC\tBASELINE\tOBSERVED\tDEVIATION\tTHRESHOLD\tSEVERITY\tBREACHED")
	for _, d := range rep.Deviations {
		mark := ""
		if d.Breached {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%s\t%s\t%s\t%s\n",
			d.Metric, d.Baseline, d.Observed, formatDeviation(d), formatThreshold(d), d.Severity, mark)
	}
	return w.Flush()
}

func (r *textRenderer) Network(res *network.Result) error {
	fmt.Fprintf(r.out, "Network analysis %s: %d accounts, %d pairs, %d edges, %d clusters\n\n",
		shortID(res.ID), res.Accounts, res.Pairs, len(res.Edges), len(res.Clusters))

	if len(res.Clusters) == 0 {
		fmt.Fprintln(r.out, "No coordinated clusters.")
	} else {
		w := r.table()
		fmt.Fprintln(w, "CLUSTER\tKIND\tSIZE\tMEAN SIM\tMIN SIM\tTEMPORAL\tCONFIDENCE\tMEMBERS")
		for _, c := range res.Clusters {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%.3f\t%s\t%.2f\t%s\n",
				shortID(c.ID), label(string(c.Kind)), len(c.Members), c.MeanSimilarity, c.MinSimilarity,
				formatTemporal(c), c.Confidence, strings.Join(c.Members, ", "))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(res.Skipped) > 0 {
		fmt.Fprintln(r.out, "\nSkipped accounts:")
		for _, s := range res.Skipped {
			fmt.Fprintf(r.out, "  %s: %s\n", s.AccountID, s.Reason)
		}
	}
	return nil
}

func (r *textRenderer) Ingest(res *engine.IngestResult) error {
	w := r.table()
	src := ""
	if res.Source != "" {
		src = " from " + res.Source
	}
	fmt.Fprintf(w, "Ingested\t%s%s\n", res.AuthorID, src)
	fmt.Fprintf(w, "Fingerprint\t%s\n", res.Fingerprint.ID)
	fmt.Fprintf(w, "Sample\t%s\n", sizeSummary(res.Fingerprint.Size))
	if res.Profile != nil {
		fmt.Fprintf(w, "Baseline\t%d samples\n", res.Profile.SampleCount)
	}
	switch {
	case res.Duplicate:
		fmt.Fprintf(w, "Anomaly\tnot checked, sample already in baseline\n")
	case res.Anomaly == nil:
		fmt.Fprintf(w, "Anomaly\tnone\n")
	default:
		fmt.Fprintf(w, "Anomaly\t%s (%d breaches, confidence %.2f)\n",
			label(string(res.Anomaly.Classification)), res.Anomaly.Breaches, res.Anomaly.Confidence)
	}
	return w.Flush()
}

func (r *textRenderer) Profiles(profiles []*profile.Profile) error {
	if len(profiles) == 0 {
		_, err := fmt.Fprintln(r.out, "No profiles.")
		return err
	}
	w := r.table()
	fmt.Fprintln(w, "AUTHOR\tSAMPLES\tVERSION\tFIRST UPDATED\tLAST UPDATED")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			p.AuthorID, p.SampleCount, p.Version, formatTime(p.FirstUpdated), formatTime(p.LastUpdated))
	}
	return w.Flush()
}

func (r *textRenderer) Profile(p *profile.Profile, samples []store.SampleRecord) error {
	w := r.table()
	fmt.Fprintf(w, "Author\t%s\n", p.AuthorID)
	fmt.Fprintf(w, "Samples\t%d\n", p.SampleCount)
	fmt.Fprintf(w, "Version\t%s (%d dimensions)\n", p.Version, p.Dimensions)
	fmt.Fprintf(w, "First updated\t%s\n", formatTime(p.FirstUpdated))
	fmt.Fprintf(w, "Last updated\t%s\n", formatTime(p.LastUpdated))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "METRIC\tMEAN\tSTDDEV")
	std := p.MetricStdDev()
	for i, mean := range p.MetricMean {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\n", forensics.MetricNames[i], mean, std[i])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(samples) == 0 {
		return nil
	}
	fmt.Fprintln(r.out, "\nRecent samples:")
	w = r.table()
	fmt.Fprintln(w, "FINGERPRINT\tCHARS\tWORDS\tCREATED")
	for _, s := range samples {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", shortID(s.FingerprintID), s.Size.Chars, s.Size.Words, formatTime(s.CreatedAt))
	}
	return w.Flush()
}

func (r *textRenderer) History(events []store.EventSummary) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(r.out, "No recorded events.")
		return err
	}
	w := r.table()
	fmt.Fprintln(w, "TIME\tKIND\tID\tSUBJECT\tSUMMARY")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatTime(e.CreatedAt), e.Kind, shortID(e.ID), orDash(e.Subject), e.Summary)
	}
	return w.Flush()
}
