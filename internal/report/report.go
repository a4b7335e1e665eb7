// Package report renders scribe results for people and tools.
//
// Three formats are supported: aligned plain text for terminals, Markdown
// for sharing, and indented JSON for programs.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/network"
	"scribe/internal/profile"
	"scribe/internal/store"
)

// Format selects an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat parses a format name. "md" is accepted for Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "txt":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want text, markdown or json)", s)
	}
}

// Renderer writes one result per call.
type Renderer interface {
	Fingerprint(fp *forensics.Fingerprint) error
	Attribution(res *attribution.Result) error
	// Anomaly renders a detection; rep is nil when nothing was breached.
	Anomaly(authorID string, rep *anomaly.Report) error
	Network(res *network.Result) error
	Ingest(res *engine.IngestResult) error
	Profiles(profiles []*profile.Profile) error
	Profile(p *profile.Profile, samples []store.SampleRecord) error
	History(events []store.EventSummary) error
}

// New returns a Renderer for format writing to w.
func New(w io.Writer, format Format) (Renderer, error) {
	switch format {
	case FormatText, "":
		return newTextRenderer(w), nil
	case FormatMarkdown:
		return newMarkdownRenderer(w), nil
	case FormatJSON:
		return newJSONRenderer(w), nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

var titleCaser = cases.Title(language.English)

// label turns an identifier such as "bot_farm" into "Bot Farm".
func label(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDeviation(d anomaly.Deviation) string {
	if d.Absolute {
		return fmt.Sprintf("%.1fpp", d.Deviation*100)
	}
	return fmt.Sprintf("%.1f%%", d.Deviation*100)
}

func formatThreshold(d anomaly.Deviation) string {
	if d.Threshold == 0 {
		return "-"
	}
	if d.Absolute {
		return fmt.Sprintf("%.1fpp", d.Threshold*100)
	}
	return fmt.Sprintf("%.0f%%", d.Threshold*100)
}

func formatTemporal(c network.Cluster) string {
	if c.TemporalScore == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *c.TemporalScore)
}

func sizeSummary(s forensics.SampleSize) string {
	return fmt.Sprintf("%d chars, %d words, %d sentences", s.Chars, s.Words, s.Sentences)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
