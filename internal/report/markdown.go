package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/network"
	"scribe/internal/profile"
	"scribe/internal/store"
)

type markdownRenderer struct {
	out io.Writer
}

func newMarkdownRenderer(w io.Writer) *markdownRenderer {
	return &markdownRenderer{out: w}
}

func code(s string) string {
	return "`" + s + "`"
}

func f2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func f4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func (r *markdownRenderer) Fingerprint(fp *forensics.Fingerprint) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Fingerprint")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"ID", code(fp.ID)},
			{"Version", code(fp.Version)},
			{"Author", orDash(fp.AuthorID)},
			{"Sample", sizeSummary(fp.Size)},
			{"Created", formatTime(fp.CreatedAt)},
		},
	})
	md.PlainText("")
	if fp.LowConfidence {
		md.Warning("Sample is close to the minimum size; metrics are low confidence.")
		md.PlainText("")
	}

	md.H2("Metrics")
	md.PlainText("")
	rows := make([][]string, 0, forensics.NumMetrics)
	for i, v := range fp.Metrics.Values() {
		rows = append(rows, []string{forensics.MetricNames[i], f4(v)})
	}
	md.Table(markdown.TableSet{Header: []string{"Metric", "Value"}, Rows: rows})
	return md.Build()
}

func (r *markdownRenderer) Attribution(res *attribution.Result) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Attribution")
	md.PlainText("")
	md.PlainTextf("Fingerprint %s, result %s.", code(res.FingerprintID), code(res.ID))
	md.PlainText("")

	if len(res.Matches) == 0 {
		md.Note("No candidate profiles.")
	} else {
		top := res.Matches[0]
		switch top.Band {
		case attribution.BandVeryHigh, attribution.BandHigh:
			md.Importantf("Most likely author: %s (score %s, %s).", top.AuthorID, f2(top.Score), top.Band)
		default:
			md.Notef("No strong match. Best candidate %s scored %s (%s).", top.AuthorID, f2(top.Score), top.Band)
		}
		md.PlainText("")

		rows := make([][]string, len(res.Matches))
		for i, m := range res.Matches {
			b := m.Breakdown
			rows[i] = []string{
				strconv.Itoa(i + 1), m.AuthorID, f2(m.Score), string(m.Band),
				f2(b.Signal), f2(b.Metrics), f2(b.Punctuation), f2(b.Lexical), f2(b.Passive),
				strconv.Itoa(m.SampleCount),
			}
		}
		md.Table(markdown.TableSet{
			Header: []string{"Rank", "Author", "Score", "Band", "Signal", "Metrics", "Punctuation", "Lexical", "Passive", "Samples"},
			Rows:   rows,
		})
	}

	if len(res.Incompatible) > 0 {
		md.PlainText("")
		md.Warningf("Skipped %d incompatible profile(s): %s", len(res.Incompatible), strings.Join(res.Incompatible, ", "))
	}
	return md.Build()
}

func (r *markdownRenderer) Anomaly(authorID string, rep *anomaly.Report) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Anomaly Report: " + authorID)
	md.PlainText("")
	if rep == nil {
		md.Tip("Sample is consistent with the author's baseline.")
		return md.Build()
	}

	switch {
	case rep.Classification == anomaly.ClassMachineGenerated:
		md.Cautionf("%s (confidence %s). %s", label(string(rep.Classification)), f2(rep.Confidence), rep.Advisory)
	case rep.Anomalous:
		md.Warningf("%s: %d metrics breached their thresholds (confidence %s).",
			label(string(rep.Classification)), rep.Breaches, f2(rep.Confidence))
	default:
		md.Notef("%s: one metric breached its threshold.", label(string(rep.Classification)))
	}
	md.PlainText("")
	md.PlainTextf("Baseline of %d samples, fingerprint %s.", rep.BaselineSamples, code(rep.FingerprintID))
	md.PlainText("")

	rows := make([][]string, len(rep.Deviations))
	for i, d := range rep.Deviations {
		metric := d.Metric
		if d.Breached {
			metric = "**" + metric + "**"
		}
		rows[i] = []string{metric, f4(d.Baseline), f4(d.Observed), formatDeviation(d), formatThreshold(d), string(d.Severity)}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Metric", "Baseline", "Observed", "Deviation", "Threshold", "Severity"},
		Rows:   rows,
	})
	return md.Build()
}

func (r *markdownRenderer) Network(res *network.Result) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Network Analysis")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", code(res.ID)},
			{"Accounts", strconv.Itoa(res.Accounts)},
			{"Pairs compared", strconv.Itoa(res.Pairs)},
			{"Edges", strconv.Itoa(len(res.Edges))},
			{"Clusters", strconv.Itoa(len(res.Clusters))},
		},
	})
	md.PlainText("")

	if len(res.Clusters) == 0 {
		md.Tip("No coordinated clusters detected.")
	} else {
		r.writeClusterChart(md, res.Clusters)

		md.H2("Clusters")
		md.PlainText("")
		rows := make([][]string, len(res.Clusters))
		for i, c := range res.Clusters {
			rows[i] = []string{
				code(shortID(c.ID)), label(string(c.Kind)), strconv.Itoa(len(c.Members)),
				f2(c.MeanSimilarity), formatTemporal(c), f2(c.Confidence),
			}
		}
		md.Table(markdown.TableSet{
			Header: []string{"Cluster", "Kind", "Size", "Mean similarity", "Temporal", "Confidence"},
			Rows:   rows,
		})
		md.PlainText("")
		for _, c := range res.Clusters {
			md.Details(shortID(c.ID)+" members", strings.Join(c.Members, ", "))
		}
	}

	if len(res.Skipped) > 0 {
		md.PlainText("")
		md.H2("Skipped Accounts")
		md.PlainText("")
		items := make([]string, len(res.Skipped))
		for i, s := range res.Skipped {
			items[i] = fmt.Sprintf("%s: %s", s.AccountID, s.Reason)
		}
		md.BulletList(items...)
	}
	return md.Build()
}

func (r *markdownRenderer) writeClusterChart(md *markdown.Markdown, clusters []network.Cluster) {
	counts := make(map[network.ClusterKind]uint64)
	for _, c := range clusters {
		counts[c.Kind]++
	}
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Cluster Kinds"),
		piechart.WithShowData(true),
	)
	for _, kind := range []network.ClusterKind{network.KindBotFarm, network.KindSockpuppetGroup, network.KindSockpuppetPair} {
		if counts[kind] > 0 {
			chart.LabelAndIntValue(label(string(kind)), counts[kind])
		}
	}
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (r *markdownRenderer) Ingest(res *engine.IngestResult) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Ingested Sample: " + res.AuthorID)
	md.PlainText("")
	rows := [][]string{
		{"Fingerprint", code(res.Fingerprint.ID)},
		{"Sample", sizeSummary(res.Fingerprint.Size)},
	}
	if res.Source != "" {
		rows = append(rows, []string{"Source", code(res.Source)})
	}
	if res.Profile != nil {
		rows = append(rows, []string{"Baseline samples", strconv.Itoa(res.Profile.SampleCount)})
	}
	md.Table(markdown.TableSet{Header: []string{"Property", "Value"}, Rows: rows})
	md.PlainText("")
	switch {
	case res.Duplicate:
		md.Note("Sample already in the baseline; nothing was added.")
	case res.Anomaly == nil:
		md.Tip("No anomaly against the previous baseline.")
	default:
		md.Warningf("%s (%d breaches, confidence %s).",
			label(string(res.Anomaly.Classification)), res.Anomaly.Breaches, f2(res.Anomaly.Confidence))
	}
	return md.Build()
}

func (r *markdownRenderer) Profiles(profiles []*profile.Profile) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Author Profiles")
	md.PlainText("")
	if len(profiles) == 0 {
		md.PlainText("No profiles.")
		return md.Build()
	}
	rows := make([][]string, len(profiles))
	for i, p := range profiles {
		rows[i] = []string{p.AuthorID, strconv.Itoa(p.SampleCount), code(p.Version), formatTime(p.LastUpdated)}
	}
	md.Table(markdown.TableSet{Header: []string{"Author", "Samples", "Version", "Last updated"}, Rows: rows})
	return md.Build()
}

func (r *markdownRenderer) Profile(p *profile.Profile, samples []store.SampleRecord) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Profile: " + p.AuthorID)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Samples", strconv.Itoa(p.SampleCount)},
			{"Version", code(p.Version)},
			{"Dimensions", strconv.Itoa(p.Dimensions)},
			{"First updated", formatTime(p.FirstUpdated)},
			{"Last updated", formatTime(p.LastUpdated)},
		},
	})
	md.PlainText("")

	md.H2("Baseline Metrics")
	md.PlainText("")
	std := p.MetricStdDev()
	rows := make([][]string, len(p.MetricMean))
	for i, mean := range p.MetricMean {
		rows[i] = []string{forensics.MetricNames[i], f4(mean), f4(std[i])}
	}
	md.Table(markdown.TableSet{Header: []string{"Metric", "Mean", "Std dev"}, Rows: rows})

	if len(samples) > 0 {
		md.PlainText("")
		md.H2("Recent Samples")
		md.PlainText("")
		srows := make([][]string, len(samples))
		for i, s := range samples {
			srows[i] = []string{code(shortID(s.FingerprintID)), strconv.Itoa(s.Size.Chars), strconv.Itoa(s.Size.Words), formatTime(s.CreatedAt)}
		}
		md.Table(markdown.TableSet{Header: []string{"Fingerprint", "Chars", "Words", "Created"}, Rows: srows})
	}
	return md.Build()
}

func (r *markdownRenderer) History(events []store.EventSummary) error {
	md := markdown.NewMarkdown(r.out)
	md.H1("Event History")
	md.PlainText("")
	if len(events) == 0 {
		md.PlainText("No recorded events.")
		return md.Build()
	}
	rows := make([][]string, len(events))
	for i, e := range events {
		rows[i] = []string{formatTime(e.CreatedAt), string(e.Kind), code(shortID(e.ID)), orDash(e.Subject), e.Summary}
	}
	md.Table(markdown.TableSet{Header: []string{"Time", "Kind", "ID", "Subject", "Summary"}, Rows: rows})
	return md.Build()
}
