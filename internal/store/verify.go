package store

import (
	"context"
	"fmt"
	"math"

	"scribe/internal/profile"
)

// verifyTolerance absorbs floating-point drift between the incremental
// update path and a replay.
const verifyTolerance = 1e-9

// VerifyProfile replays the author's sample log and compares the result with
// the stored profile. It returns nil when they agree.
func (s *Store) VerifyProfile(ctx context.Context, authorID string) (*ProfileMismatch, error) {
	stored, err := s.Load(ctx, authorID)
	if err != nil {
		return nil, err
	}
	samples, err := s.Samples(ctx, authorID, 0)
	if err != nil {
		return nil, err
	}

	if len(samples) != stored.SampleCount {
		return &ProfileMismatch{
			AuthorID: authorID,
			Reason:   fmt.Sprintf("sample count %d, log holds %d", stored.SampleCount, len(samples)),
		}, nil
	}

	replay := profile.New(authorID, stored.Version, stored.Dimensions)
	for _, rec := range samples {
		if err := replay.Add(rec.Fingerprint(), rec.CreatedAt); err != nil {
			return &ProfileMismatch{AuthorID: authorID, Reason: fmt.Sprintf("sample %d: %v", rec.ID, err)}, nil
		}
	}

	checks := []struct {
		name       string
		got, want []float64
	}{
		{"centroid", stored.Centroid, replay.Centroid},
		{"m2", stored.M2, replay.M2},
		{"metric mean", stored.MetricMean, replay.MetricMean},
		{"metric m2", stored.MetricM2, replay.MetricM2},
	}
	for _, c := range checks {
		if i, ok := firstDifference(c.got, c.want); !ok {
			return &ProfileMismatch{
				AuthorID: authorID,
				Reason:   fmt.Sprintf("%s differs at index %d: stored %g, replay %g", c.name, i, c.got[i], c.want[i]),
			}, nil
		}
	}
	return nil, nil
}

// VerifyAllProfiles checks every stored profile against its sample log and
// returns the mismatches.
func (s *Store) VerifyAllProfiles(ctx context.Context) ([]ProfileMismatch, error) {
	profiles, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var bad []ProfileMismatch
	for _, p := range profiles {
		m, err := s.VerifyProfile(ctx, p.AuthorID)
		if err != nil {
			return nil, fmt.Errorf("verify profile %s: %w", p.AuthorID, err)
		}
		if m != nil {
			bad = append(bad, *m)
		}
	}
	return bad, nil
}

// firstDifference returns the first index where a and b differ beyond the
// tolerance. Lengths are equal for valid profiles.
func firstDifference(a, b []float64) (int, bool) {
	for i := range a {
		scale := math.Max(1, math.Abs(b[i]))
		if math.Abs(a[i]-b[i]) > verifyTolerance*scale {
			return i, false
		}
	}
	return 0, true
}
