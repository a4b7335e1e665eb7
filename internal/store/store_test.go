package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/forensics"
	"scribe/internal/network"
	"scribe/internal/profile"
	"scribe/internal/testcorpus"
)

// =============================================================================
// Helpers
// =============================================================================

var drivers = []string{DriverPure, DriverCGO}

func openTestStore(t *testing.T, driver string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scribe.db"), Options{Driver: driver})
	skipWithoutCGO(t, driver, err)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// skipWithoutCGO skips mattn/go-sqlite3 tests in CGO_ENABLED=0 builds.
func skipWithoutCGO(t *testing.T, driver string, err error) {
	t.Helper()
	if err != nil && driver == DriverCGO && strings.Contains(strings.ToLower(err.Error()), "cgo") {
		t.Skipf("%s driver unavailable: %v", driver, err)
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			fn(t, openTestStore(t, d))
		})
	}
}

func fingerprint(t *testing.T, text string) *forensics.Fingerprint {
	t.Helper()
	feat, err := forensics.NewExtractor(forensics.DefaultExtractorConfig(), nil).Extract(text, forensics.ExtractOptions{})
	require.NoError(t, err)
	return forensics.NewBuilder(nil).Build(feat)
}

// =============================================================================
// Open / Close
// =============================================================================

func TestOpenAndClose(t *testing.T) {
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "subdir", "nested", "scribe.db")
			s, err := Open(path, Options{Driver: d})
			skipWithoutCGO(t, d, err)
			require.NoError(t, err)

			assert.Equal(t, path, s.Path())
			assert.Equal(t, d, s.Driver())
			require.NoError(t, s.Ping(context.Background()))
			require.NoError(t, s.Close())
			assert.Error(t, s.Ping(context.Background()))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), Options{Driver: "postgres"})
	assert.Error(t, err)
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestOpenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.db")
	first, err := Open(path, Options{Driver: DriverPure})
	require.NoError(t, err)

	_, err = Open(path, Options{Driver: DriverPure})
	assert.ErrorIs(t, err, ErrStoreLocked)

	ro, err := Open(path, Options{Driver: DriverPure, ReadOnly: true})
	require.NoError(t, err)
	require.NoError(t, ro.Ping(context.Background()))
	require.NoError(t, ro.Close())

	require.NoError(t, first.Close())
	second, err := Open(path, Options{Driver: DriverPure})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

// =============================================================================
// Migrations
// =============================================================================

func TestMigrations(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()

	require.NoError(t, ValidateSchema(s.DB()))
	require.NoError(t, s.CheckSchema(ctx))

	v, err := appliedVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	// Migrating again is a no-op.
	require.NoError(t, MigrateDB(s.DB()))
	v, err = appliedVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	_, err = s.DB().Exec(`DROP TABLE calibration_snapshots`)
	require.NoError(t, err)
	assert.Error(t, ValidateSchema(s.DB()))
	assert.Error(t, s.CheckSchema(ctx))

	_, err = s.DB().Exec(`DELETE FROM schema_migrations WHERE version = ?`, len(migrations))
	require.NoError(t, err)
	assert.ErrorContains(t, s.CheckSchema(ctx), "schema version")

	require.NoError(t, MigrateDB(s.DB()))
	require.NoError(t, s.CheckSchema(ctx))
}

// =============================================================================
// Profiles
// =============================================================================

func TestProfileRoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		ps := profile.NewStore(s)

		var last *profile.Profile
		for v := 0; v < 3; v++ {
			p, err := ps.Upsert(ctx, "alice", fingerprint(t, testcorpus.Essay(v)))
			require.NoError(t, err)
			last = p
		}

		got, err := s.Load(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 3, got.SampleCount)
		assert.Equal(t, last.Version, got.Version)
		assert.Equal(t, last.Centroid, got.Centroid)
		assert.Equal(t, last.M2, got.M2)
		assert.Equal(t, last.MetricMean, got.MetricMean)
		assert.True(t, last.LastUpdated.Equal(got.LastUpdated))

		samples, err := s.Samples(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, samples, 3)
		assert.Less(t, samples[0].ID, samples[2].ID)
		assert.Equal(t, "alice", samples[0].AuthorID)
		assert.Len(t, samples[0].Vector, forensics.NewBuilder(nil).Calibration().Dimensions())

		recent, err := s.Samples(ctx, "alice", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, samples[1].ID, recent[0].ID)
		assert.Equal(t, samples[2].ID, recent[1].ID)

		ok, err := s.HasSample(ctx, "alice", samples[0].FingerprintID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.HasSample(ctx, "bob", samples[0].FingerprintID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLoadAndDeleteNotFound(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		_, err := s.Load(ctx, "ghost")
		assert.ErrorIs(t, err, forensics.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "ghost"), forensics.ErrNotFound)
	})
}

func TestDeleteRemovesSamples(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()
	ps := profile.NewStore(s)

	_, err := ps.Upsert(ctx, "alice", fingerprint(t, testcorpus.Essay(0)))
	require.NoError(t, err)
	_, err = ps.Upsert(ctx, "bob", fingerprint(t, testcorpus.Technical()))
	require.NoError(t, err)

	require.NoError(t, ps.Delete(ctx, "alice"))

	samples, err := s.Samples(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, samples)

	all, err := ps.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "bob", all[0].AuthorID)
}

func TestSaveWithoutSample(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()

	fp := fingerprint(t, testcorpus.Essay(0))
	p := profile.New("imported", fp.Version, fp.Dimensions())
	require.NoError(t, p.Add(fp, time.Now()))
	require.NoError(t, s.Save(ctx, p, nil))

	samples, err := s.Samples(ctx, "imported", 0)
	require.NoError(t, err)
	assert.Empty(t, samples)

	m, err := s.VerifyProfile(ctx, "imported")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Contains(t, m.Reason, "sample count")
}

func TestSaveRejectsInvalidProfile(t *testing.T) {
	s := openTestStore(t, DriverPure)
	bad := &profile.Profile{AuthorID: "x", Dimensions: 3}
	assert.Error(t, s.Save(context.Background(), bad, nil))
}

// =============================================================================
// Verification
// =============================================================================

func TestVerifyAllProfiles(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()
	ps := profile.NewStore(s)

	for v := 0; v < 3; v++ {
		_, err := ps.Upsert(ctx, "alice", fingerprint(t, testcorpus.Essay(v)))
		require.NoError(t, err)
	}
	_, err := ps.Upsert(ctx, "ops", fingerprint(t, testcorpus.Technical()))
	require.NoError(t, err)

	bad, err := s.VerifyAllProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)

	_, err = s.DB().Exec(`UPDATE author_profiles SET centroid = ? WHERE author_id = 'ops'`,
		`[`+strings.TrimSuffix(strings.Repeat("0.5,", 19), ",")+`]`)
	require.NoError(t, err)

	bad, err = s.VerifyAllProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, "ops", bad[0].AuthorID)
	assert.Contains(t, bad[0].Reason, "centroid")
}

// =============================================================================
// Event Logs
// =============================================================================

func TestAttributionEvents(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		ps := profile.NewStore(s)
		_, err := ps.Upsert(ctx, "alice", fingerprint(t, testcorpus.Essay(0)))
		require.NoError(t, err)

		res, err := attribution.New(ps, nil).Attribute(ctx, fingerprint(t, testcorpus.Essay(1)), nil)
		require.NoError(t, err)
		require.NoError(t, s.RecordAttribution(ctx, res))

		got, err := s.GetAttribution(ctx, res.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, res.FingerprintID, got.FingerprintID)
		require.Len(t, got.Matches, 1)
		assert.Equal(t, res.Matches[0], got.Matches[0])

		missing, err := s.GetAttribution(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		empty := &attribution.Result{ID: "empty", FingerprintID: "fp", CreatedAt: time.Now()}
		require.NoError(t, s.RecordAttribution(ctx, empty))
	})
}

func TestAnomalyEvents(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()
	ps := profile.NewStore(s)
	for v := 0; v < 3; v++ {
		_, err := ps.Upsert(ctx, "alice", fingerprint(t, testcorpus.Essay(v)))
		require.NoError(t, err)
	}

	report, err := anomaly.NewDetector(ps, nil).Detect(ctx, "alice", fingerprint(t, testcorpus.PassiveBurst()))
	require.NoError(t, err)
	require.NotNil(t, report)
	require.NoError(t, s.RecordAnomaly(ctx, report))

	got, err := s.GetAnomaly(ctx, report.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, report.Classification, got.Classification)
	assert.Equal(t, report.Breaches, got.Breaches)
	assert.Len(t, got.Deviations, len(report.Deviations))

	history, err := s.AnomalyHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.ID, history[0].ID)

	none, err := s.AnomalyHistory(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNetworkEvents(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		ex := forensics.NewExtractor(forensics.DefaultExtractorConfig(), nil)
		b := forensics.NewBuilder(nil)
		an := network.NewAnalyzer(func(_ context.Context, text string) (*forensics.Fingerprint, error) {
			feat, err := ex.Extract(text, forensics.ExtractOptions{})
			if err != nil {
				return nil, err
			}
			return b.Build(feat), nil
		}, nil)

		t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		res, err := an.AnalyzeTexts(ctx, map[string]string{
			"a": testcorpus.Essay(0),
			"b": testcorpus.Essay(1),
			"c": testcorpus.Essay(2),
			"d": testcorpus.Short,
		}, map[string][]time.Time{
			"a": {t0}, "b": {t0.Add(time.Minute)}, "c": {t0.Add(2 * time.Minute)},
		})
		require.NoError(t, err)
		require.NotEmpty(t, res.Clusters)
		require.NoError(t, s.RecordNetwork(ctx, res))

		got, err := s.GetNetwork(ctx, res.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, res.Accounts, got.Accounts)
		assert.Equal(t, res.Pairs, got.Pairs)
		assert.Equal(t, res.Clusters, got.Clusters)
		assert.Equal(t, res.Edges, got.Edges)
		assert.Equal(t, res.Skipped, got.Skipped)

		missing, err := s.GetNetwork(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestHistory(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordAttribution(ctx, &attribution.Result{
		ID: "attr-1", FingerprintID: "fp1", CreatedAt: base,
		Matches: []attribution.Match{{AuthorID: "alice", Score: 88.5}},
	}))
	require.NoError(t, s.RecordAnomaly(ctx, &anomaly.Report{
		ID: "anom-1", AuthorID: "alice", FingerprintID: "fp2", CreatedAt: base.Add(time.Hour),
		Classification: anomaly.ClassStyleDrift, Breaches: 2, Anomalous: true, Confidence: 0.55,
	}))
	require.NoError(t, s.RecordNetwork(ctx, &network.Result{ID: "net-1", Accounts: 4, CreatedAt: base.Add(2 * time.Hour)}))

	all, err := s.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventNetwork, all[0].Kind)
	assert.Equal(t, EventAnomaly, all[1].Kind)
	assert.Equal(t, EventAttribution, all[2].Kind)
	assert.Equal(t, "1 matches, top 88.50", all[2].Summary)
	assert.Equal(t, "style drift (2 breaches, confidence 0.55)", all[1].Summary)
	assert.True(t, all[0].CreatedAt.Equal(base.Add(2*time.Hour)))

	alice, err := s.History(ctx, HistoryFilter{Subject: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	recent, err := s.History(ctx, HistoryFilter{Since: base.Add(30 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "net-1", recent[0].ID)

	only, err := s.History(ctx, HistoryFilter{Kind: EventAnomaly})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "anom-1", only[0].ID)

	_, err = s.History(ctx, HistoryFilter{Kind: "bogus"})
	assert.Error(t, err)
}

func TestCalibrationSnapshots(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordCalibration(ctx, 1, "sfp1-c1-d19", []byte(`{"version":1}`), at))
	require.NoError(t, s.RecordCalibration(ctx, 1, "sfp1-c1-d19", []byte(`{"version":1,"again":true}`), at.Add(time.Hour)))
	require.NoError(t, s.RecordCalibration(ctx, 2, "sfp1-c2-d19", []byte(`{"version":2}`), at.Add(time.Hour)))

	snaps, err := s.Calibrations(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, `{"version":1}`, string(snaps[0].Spec))
	assert.True(t, snaps[0].InstalledAt.Equal(at))
	assert.Equal(t, "sfp1-c2-d19", snaps[1].Tag)
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()
	ps := profile.NewStore(s)
	_, err := ps.Upsert(ctx, "alice", fingerprint(t, testcorpus.Essay(0)))
	require.NoError(t, err)
	_, err = ps.Upsert(ctx, "alice", fingerprint(t, testcorpus.Essay(1)))
	require.NoError(t, err)

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Profiles)
	assert.EqualValues(t, 2, st.Samples)
	assert.Equal(t, len(migrations), st.SchemaVersion)
	assert.Greater(t, st.DatabaseSize, int64(0))
	assert.Equal(t, DriverPure, st.Driver)
}

func TestConcurrentUpserts(t *testing.T) {
	s := openTestStore(t, DriverPure)
	ctx := context.Background()
	ps := profile.NewStore(s)

	fps := make([]*forensics.Fingerprint, testcorpus.EssayVariants)
	for i := range fps {
		fps[i] = fingerprint(t, testcorpus.Essay(i))
	}

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			author := []string{"a", "b"}[i%2]
			_, err := ps.Upsert(ctx, author, fps[i%len(fps)])
			errs <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-errs)
	}

	for _, author := range []string{"a", "b"} {
		p, err := ps.Get(ctx, author)
		require.NoError(t, err)
		assert.Equal(t, 10, p.SampleCount)
		m, err := s.VerifyProfile(ctx, author)
		require.NoError(t, err)
		if m != nil {
			t.Errorf("profile %s inconsistent: %s", author, m.Reason)
		}
	}
	_, err := ps.Get(ctx, "c")
	assert.True(t, errors.Is(err, forensics.ErrNotFound))
}
