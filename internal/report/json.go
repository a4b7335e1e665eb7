package report

import (
	"encoding/json"
	"io"
	"time"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/network"
	"scribe/internal/profile"
	"scribe/internal/store"
)

type jsonRenderer struct {
	enc *json.Encoder
}

func newJSONRenderer(w io.Writer) *jsonRenderer {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return &jsonRenderer{enc: enc}
}

// AnomalyOutput is the JSON shape of an anomaly check.
type AnomalyOutput struct {
	AuthorID  string          `json:"author_id"`
	Anomalous bool            `json:"anomalous"`
	Report    *anomaly.Report `json:"report"`
}

// ProfileOutput is the JSON shape of a profile with its recent samples.
type ProfileOutput struct {
	Profile *profile.Profile `json:"profile"`
	Samples []SampleOutput   `json:"samples,omitempty"`
}

// SampleOutput is one sample log entry.
type SampleOutput struct {
	FingerprintID string               `json:"fingerprint_id"`
	Version       string               `json:"version"`
	Size          forensics.SampleSize `json:"size"`
	CreatedAt     time.Time            `json:"created_at"`
}

func (r *jsonRenderer) Fingerprint(fp *forensics.Fingerprint) error {
	return r.enc.Encode(fp)
}

func (r *jsonRenderer) Attribution(res *attribution.Result) error {
	return r.enc.Encode(res)
}

func (r *jsonRenderer) Anomaly(authorID string, rep *anomaly.Report) error {
	return r.enc.Encode(AnomalyOutput{
		AuthorID:  authorID,
		Anomalous: rep != nil && rep.Anomalous,
		Report:    rep,
	})
}

func (r *jsonRenderer) Network(res *network.Result) error {
	return r.enc.Encode(res)
}

func (r *jsonRenderer) Ingest(res *engine.IngestResult) error {
	return r.enc.Encode(res)
}

func (r *jsonRenderer) Profiles(profiles []*profile.Profile) error {
	if profiles == nil {
		profiles = []*profile.Profile{}
	}
	return r.enc.Encode(profiles)
}

func (r *jsonRenderer) Profile(p *profile.Profile, samples []store.SampleRecord) error {
	return r.enc.Encode(NewProfileOutput(p, samples))
}

// NewProfileOutput pairs a profile with a summary of its recent samples.
func NewProfileOutput(p *profile.Profile, samples []store.SampleRecord) ProfileOutput {
	out := ProfileOutput{Profile: p}
	for _, s := range samples {
		out.Samples = append(out.Samples, SampleOutput{
			FingerprintID: s.FingerprintID,
			Version:       s.Version,
			Size:          s.Size,
			CreatedAt:     s.CreatedAt,
		})
	}
	return out
}

func (r *jsonRenderer) History(events []store.EventSummary) error {
	if events == nil {
		events = []store.EventSummary{}
	}
	return r.enc.Encode(events)
}
