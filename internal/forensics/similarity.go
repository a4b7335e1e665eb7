package forensics

import "math"

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Vectors of different lengths fail with
// IncompatibleFingerprintError. A zero vector has similarity 0 with
// everything.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, &IncompatibleFingerprintError{Dimensions: len(a), WantDimensions: len(b)}
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim)), nil
}

// Compare returns the cosine similarity of two fingerprints after checking
// that they share a version and dimensionality.
func Compare(a, b *Fingerprint) (float64, error) {
	if err := CheckCompatible(a, b.AuthorID, b.Version, len(b.Vector)); err != nil {
		return 0, err
	}
	return CosineSimilarity(a.Vector, b.Vector)
}

// L2Distance returns the Euclidean distance between a and b.
func L2Distance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, &IncompatibleFingerprintError{Dimensions: len(a), WantDimensions: len(b)}
	}
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s), nil
}

// SimilarityScore maps a cosine similarity in [-1, 1] onto 0-100. The map is
// linear and therefore strictly monotonic.
func SimilarityScore(sim float64) float64 {
	sim = math.Max(-1, math.Min(1, sim))
	return (sim + 1) / 2 * 100
}
