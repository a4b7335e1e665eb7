// Package profile maintains per-author stylometric baselines as running
// centroids with per-dimension variance.
package profile

import (
	"fmt"
	"math"
	"time"

	"scribe/internal/forensics"
)

// Profile is the aggregated baseline of one author. Vector statistics cover
// the fingerprint dimensions; metric statistics cover the 13 raw metrics in
// canonical order. Means and M2 sums are maintained with Welford's
// algorithm, so no sample needs to be replayed.
type Profile struct {
	AuthorID     string    `json:"author_id"`
	Version      string    `json:"version"`
	Dimensions   int       `json:"dimensions"`
	SampleCount  int       `json:"sample_count"`
	Centroid     []float64 `json:"centroid"`
	M2           []float64 `json:"m2"`
	MetricMean   []float64 `json:"metric_mean"`
	MetricM2     []float64 `json:"metric_m2"`
	FirstUpdated time.Time `json:"first_updated"`
	LastUpdated  time.Time `json:"last_updated"`
}

// New creates an empty profile bound to the version and dimensionality of
// the first fingerprint it will receive.
func New(authorID, version string, dims int) *Profile {
	return &Profile{
		AuthorID:   authorID,
		Version:    version,
		Dimensions: dims,
		Centroid:   make([]float64, dims),
		M2:         make([]float64, dims),
		MetricMean: make([]float64, forensics.NumMetrics),
		MetricM2:   make([]float64, forensics.NumMetrics),
	}
}

// CheckCompatible reports whether fp can be added to or compared with p.
func (p *Profile) CheckCompatible(fp *forensics.Fingerprint) error {
	return forensics.CheckCompatible(fp, p.AuthorID, p.Version, p.Dimensions)
}

// Add folds one fingerprint into the running statistics.
func (p *Profile) Add(fp *forensics.Fingerprint, at time.Time) error {
	if err := p.CheckCompatible(fp); err != nil {
		return err
	}

	p.SampleCount++
	n := float64(p.SampleCount)
	welford(p.Centroid, p.M2, fp.Vector, n)
	welford(p.MetricMean, p.MetricM2, fp.Metrics.Values(), n)

	if p.FirstUpdated.IsZero() || at.Before(p.FirstUpdated) {
		p.FirstUpdated = at
	}
	if at.After(p.LastUpdated) {
		p.LastUpdated = at
	}
	return nil
}

// welford applies one update step. n is the count including x.
func welford(mean, m2, x []float64, n float64) {
	for i, v := range x {
		delta := v - mean[i]
		mean[i] += delta / n
		m2[i] += delta * (v - mean[i])
	}
}

// Variance returns the per-dimension sample variance of the vector.
func (p *Profile) Variance() []float64 {
	return variance(p.M2, p.SampleCount)
}

// MetricStdDev returns the per-metric sample standard deviation.
func (p *Profile) MetricStdDev() []float64 {
	v := variance(p.MetricM2, p.SampleCount)
	for i := range v {
		v[i] = math.Sqrt(v[i])
	}
	return v
}

func variance(m2 []float64, n int) []float64 {
	out := make([]float64, len(m2))
	if n < 2 {
		return out
	}
	for i, s := range m2 {
		out[i] = math.Max(0, s/float64(n-1))
	}
	return out
}

// Metrics returns the mean metrics of the author.
func (p *Profile) Metrics() forensics.StyleMetrics {
	m, err := forensics.MetricsFromValues(p.MetricMean)
	if err != nil {
		return forensics.StyleMetrics{}
	}
	return m
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Centroid = append([]float64(nil), p.Centroid...)
	c.M2 = append([]float64(nil), p.M2...)
	c.MetricMean = append([]float64(nil), p.MetricMean...)
	c.MetricM2 = append([]float64(nil), p.MetricM2...)
	return &c
}

// Validate checks internal consistency of a profile loaded from storage.
func (p *Profile) Validate() error {
	if p.AuthorID == "" {
		return fmt.Errorf("profile: empty author id")
	}
	if len(p.Centroid) != p.Dimensions || len(p.M2) != p.Dimensions {
		return fmt.Errorf("profile %s: vector length does not match %d dimensions", p.AuthorID, p.Dimensions)
	}
	if len(p.MetricMean) != forensics.NumMetrics || len(p.MetricM2) != forensics.NumMetrics {
		return fmt.Errorf("profile %s: expected %d metric statistics", p.AuthorID, forensics.NumMetrics)
	}
	if p.SampleCount < 0 {
		return fmt.Errorf("profile %s: negative sample count", p.AuthorID)
	}
	return nil
}
