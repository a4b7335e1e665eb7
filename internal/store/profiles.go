package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"scribe/internal/forensics"
	"scribe/internal/profile"
)

var _ profile.Persistence = (*Store)(nil)

const profileColumns = `author_id, version, dimensions, sample_count, centroid, m2, metric_mean, metric_m2, first_updated, last_updated`

// Save writes the profile and appends sample to the author's sample log in
// one transaction. A nil sample only writes the profile.
func (s *Store) Save(ctx context.Context, p *profile.Profile, sample *forensics.Fingerprint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	centroid, err := encodeJSON(p.Centroid)
	if err != nil {
		return fmt.Errorf("encode centroid: %w", err)
	}
	m2, err := encodeJSON(p.M2)
	if err != nil {
		return fmt.Errorf("encode m2: %w", err)
	}
	metricMean, err := encodeJSON(p.MetricMean)
	if err != nil {
		return fmt.Errorf("encode metric mean: %w", err)
	}
	metricM2, err := encodeJSON(p.MetricM2)
	if err != nil {
		return fmt.Errorf("encode metric m2: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO author_profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(author_id) DO UPDATE SET
			version = excluded.version,
			dimensions = excluded.dimensions,
			sample_count = excluded.sample_count,
			centroid = excluded.centroid,
			m2 = excluded.m2,
			metric_mean = excluded.metric_mean,
			metric_m2 = excluded.metric_m2,
			first_updated = excluded.first_updated,
			last_updated = excluded.last_updated`,
		p.AuthorID, p.Version, p.Dimensions, p.SampleCount, centroid, m2, metricMean, metricM2,
		toNanos(p.FirstUpdated), toNanos(p.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	if sample != nil {
		if err := insertSample(ctx, tx, p.AuthorID, sample); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertSample(ctx context.Context, tx *sql.Tx, authorID string, fp *forensics.Fingerprint) error {
	vector, err := encodeJSON(fp.Vector)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	metrics, err := encodeJSON(fp.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO samples (author_id, fingerprint_id, version, vector, metrics, chars, words, sentences, sentence_length_cv, low_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		authorID, fp.ID, fp.Version, vector, metrics,
		fp.Size.Chars, fp.Size.Words, fp.Size.Sentences, fp.SentenceLengthCV,
		boolToInt(fp.LowConfidence), toNanos(fp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Load returns the author's profile or a *forensics.NotFoundError.
func (s *Store) Load(ctx context.Context, authorID string) (*profile.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM author_profiles WHERE author_id = ?`, authorID)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &forensics.NotFoundError{AuthorID: authorID}
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// List returns every profile ordered by author id.
func (s *Store) List(ctx context.Context) ([]*profile.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM author_profiles ORDER BY author_id`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []*profile.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// Delete removes the profile and its sample log.
func (s *Store) Delete(ctx context.Context, authorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE author_id = ?`, authorID); err != nil {
		return fmt.Errorf("delete samples: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM author_profiles WHERE author_id = ?`, authorID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return &forensics.NotFoundError{AuthorID: authorID}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Samples returns the author's sample log, oldest first. A positive limit
// keeps only the most recent entries.
func (s *Store) Samples(ctx context.Context, authorID string, limit int) ([]SampleRecord, error) {
	query := `
		SELECT id, author_id, fingerprint_id, version, vector, metrics, chars, words, sentences, sentence_length_cv, low_confidence, created_at
		FROM samples WHERE author_id = ? ORDER BY id DESC`
	args := []any{authorID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []SampleRecord
	for rows.Next() {
		var r SampleRecord
		var vector, metrics string
		var lowConf int
		var created int64
		if err := rows.Scan(&r.ID, &r.AuthorID, &r.FingerprintID, &r.Version, &vector, &metrics,
			&r.Size.Chars, &r.Size.Words, &r.Size.Sentences, &r.SentenceLengthCV, &lowConf, &created); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if r.Vector, err = decodeFloats(vector); err != nil {
			return nil, fmt.Errorf("decode sample %d vector: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
			return nil, fmt.Errorf("decode sample %d metrics: %w", r.ID, err)
		}
		r.LowConfidence = lowConf != 0
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// HasSample reports whether the author's log already holds the fingerprint.
func (s *Store) HasSample(ctx context.Context, authorID, fingerprintID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM samples WHERE author_id = ? AND fingerprint_id = ?`,
		authorID, fingerprintID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check sample: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(sc scanner) (*profile.Profile, error) {
	var p profile.Profile
	var centroid, m2, metricMean, metricM2 string
	var first, last int64
	if err := sc.Scan(&p.AuthorID, &p.Version, &p.Dimensions, &p.SampleCount,
		&centroid, &m2, &metricMean, &metricM2, &first, &last); err != nil {
		return nil, err
	}

	var err error
	if p.Centroid, err = decodeFloats(centroid); err != nil {
		return nil, fmt.Errorf("decode centroid: %w", err)
	}
	if p.M2, err = decodeFloats(m2); err != nil {
		return nil, fmt.Errorf("decode m2: %w", err)
	}
	if p.MetricMean, err = decodeFloats(metricMean); err != nil {
		return nil, fmt.Errorf("decode metric mean: %w", err)
	}
	if p.MetricM2, err = decodeFloats(metricM2); err != nil {
		return nil, fmt.Errorf("decode metric m2: %w", err)
	}
	p.FirstUpdated = fromNanos(first)
	p.LastUpdated = fromNanos(last)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
