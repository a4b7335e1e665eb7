package forensics

import (
	"encoding/hex"
	"math"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Builder turns features into fingerprints under one calibration.
type Builder struct {
	cal *Calibration
	now func() time.Time
}

// NewBuilder creates a builder. A nil calibration selects DefaultCalibration.
func NewBuilder(cal *Calibration) *Builder {
	if cal == nil {
		cal = DefaultCalibration()
	}
	return &Builder{cal: cal, now: time.Now}
}

// Calibration returns the calibration the builder uses.
func (b *Builder) Calibration() *Calibration { return b.cal }

// Build produces the fingerprint for f. The vector depends only on the
// metrics and the calibration.
func (b *Builder) Build(f *Features) *Fingerprint {
	digest := f.Digest
	if digest == "" {
		digest = metricsDigest(f.Metrics)
	}
	tag := b.cal.Tag()
	id := blake2b.Sum256([]byte(tag + ":" + digest))

	return &Fingerprint{
		ID:               hex.EncodeToString(id[:16]),
		Version:          tag,
		Vector:           b.Vector(f.Metrics),
		Metrics:          f.Metrics,
		Size:             f.Size,
		SentenceLengthCV: f.SentenceLengthCV,
		LowConfidence:    f.LowConfidence,
		CreatedAt:        b.now().UTC(),
	}
}

// Vector computes the L2-normalized fingerprint vector for m.
//
// Layout: 13 clipped, weighted z-scores in canonical metric order, then one
// dimension per cross-term holding z_a*z_b/ZClip scaled by the cross-term
// weight.
func (b *Builder) Vector(m StyleMetrics) []float64 {
	values := m.Values()
	z := make([]float64, NumMetrics)
	vec := make([]float64, 0, b.cal.Dimensions())

	for i, v := range values {
		z[i] = b.cal.Standardize(i, v)
		vec = append(vec, z[i]*b.cal.Weight(i))
	}
	for _, ct := range b.cal.crossTerms {
		vec = append(vec, z[ct[0]]*z[ct[1]]/ZClip*b.cal.crossTermWeight)
	}

	return Normalize(vec)
}

func metricsDigest(m StyleMetrics) string {
	buf := make([]byte, 0, NumMetrics*24)
	for _, v := range m.Values() {
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		buf = append(buf, ';')
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Normalize returns v scaled to unit L2 norm. A zero vector is returned
// unchanged.
func Normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	n := norm2(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func norm2(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
