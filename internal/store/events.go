package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/network"
)

// RecordAttribution appends an attribution result to the event log.
func (s *Store) RecordAttribution(ctx context.Context, r *attribution.Result) error {
	payload, err := encodeJSON(r)
	if err != nil {
		return fmt.Errorf("encode attribution: %w", err)
	}
	var topAuthor sql.NullString
	var topScore sql.NullFloat64
	if top, ok := r.Top(); ok {
		topAuthor = sql.NullString{String: top.AuthorID, Valid: true}
		topScore = sql.NullFloat64{Float64: top.Score, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attribution_events (id, fingerprint_id, top_author, top_score, match_count, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FingerprintID, topAuthor, topScore, len(r.Matches), payload, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert attribution event: %w", err)
	}
	return nil
}

// GetAttribution returns a recorded attribution result, or nil if the id
// is unknown.
func (s *Store) GetAttribution(ctx context.Context, id string) (*attribution.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM attribution_events WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attribution event: %w", err)
	}
	var r attribution.Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode attribution event: %w", err)
	}
	return &r, nil
}

// RecordAnomaly appends an anomaly report to the event log.
func (s *Store) RecordAnomaly(ctx context.Context, r *anomaly.Report) error {
	payload, err := encodeJSON(r)
	if err != nil {
		return fmt.Errorf("encode anomaly report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomaly_events (id, author_id, fingerprint_id, anomalous, classification, confidence, breaches, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AuthorID, r.FingerprintID, boolToInt(r.Anomalous), string(r.Classification),
		r.Confidence, r.Breaches, payload, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert anomaly event: %w", err)
	}
	return nil
}

// GetAnomaly returns a recorded anomaly report, or nil if the id is
// unknown.
func (s *Store) GetAnomaly(ctx context.Context, id string) (*anomaly.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM anomaly_events WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get anomaly event: %w", err)
	}
	var r anomaly.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode anomaly event: %w", err)
	}
	return &r, nil
}

// AnomalyHistory returns the author's recorded reports, newest first.
func (s *Store) AnomalyHistory(ctx context.Context, authorID string, limit int) ([]anomaly.Report, error) {
	query := `SELECT payload FROM anomaly_events WHERE author_id = ? ORDER BY created_at DESC, id`
	args := []any{authorID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomaly events: %w", err)
	}
	defer rows.Close()

	var out []anomaly.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan anomaly event: %w", err)
		}
		var r anomaly.Report
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode anomaly event: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anomaly events: %w", err)
	}
	return out, nil
}

// RecordNetwork stores a network analysis with its clusters and edges.
func (s *Store) RecordNetwork(ctx context.Context, r *network.Result) error {
	skipped, err := encodeJSON(r.Skipped)
	if err != nil {
		return fmt.Errorf("encode skipped accounts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO network_runs (id, accounts, pairs, cluster_count, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Accounts, r.Pairs, len(r.Clusters), skipped, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert network run: %w", err)
	}

	clusterStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO network_clusters (run_id, cluster_id, kind, members, confidence, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer clusterStmt.Close()

	for _, c := range r.Clusters {
		members, err := encodeJSON(c.Members)
		if err != nil {
			return fmt.Errorf("encode cluster members: %w", err)
		}
		payload, err := encodeJSON(c)
		if err != nil {
			return fmt.Errorf("encode cluster: %w", err)
		}
		if _, err := clusterStmt.ExecContext(ctx, r.ID, c.ID, string(c.Kind), members, c.Confidence, payload); err != nil {
			return fmt.Errorf("insert network cluster: %w", err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO network_edges (run_id, account_a, account_b, similarity, confidence, coordinated)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer edgeStmt.Close()

	for _, e := range r.Edges {
		if _, err := edgeStmt.ExecContext(ctx, r.ID, e.A, e.B, e.Similarity, e.Confidence, boolToInt(e.Coordinated)); err != nil {
			return fmt.Errorf("insert network edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetNetwork rebuilds a recorded network analysis, or returns nil if the id
// is unknown.
func (s *Store) GetNetwork(ctx context.Context, id string) (*network.Result, error) {
	r := &network.Result{ID: id, Edges: []network.Edge{}, Clusters: []network.Cluster{}}
	var skipped sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT accounts, pairs, skipped, created_at FROM network_runs WHERE id = ?`, id,
	).Scan(&r.Accounts, &r.Pairs, &skipped, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get network run: %w", err)
	}
	r.CreatedAt = fromNanos(created)
	if skipped.Valid && skipped.String != "" && skipped.String != "null" {
		if err := json.Unmarshal([]byte(skipped.String), &r.Skipped); err != nil {
			return nil, fmt.Errorf("decode skipped accounts: %w", err)
		}
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM network_clusters WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("query network clusters: %w", err)
	}
	for crows.Next() {
		var payload string
		if err := crows.Scan(&payload); err != nil {
			crows.Close()
			return nil, fmt.Errorf("scan network cluster: %w", err)
		}
		var c network.Cluster
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			crows.Close()
			return nil, fmt.Errorf("decode network cluster: %w", err)
		}
		r.Clusters = append(r.Clusters, c)
	}
	crows.Close()
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("iterate network clusters: %w", err)
	}

	erows, err := s.db.QueryContext(ctx, `
		SELECT account_a, account_b, similarity, confidence, coordinated
		FROM network_edges WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("query network edges: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var e network.Edge
		var coordinated int
		if err := erows.Scan(&e.A, &e.B, &e.Similarity, &e.Confidence, &coordinated); err != nil {
			return nil, fmt.Errorf("scan network edge: %w", err)
		}
		e.Coordinated = coordinated != 0
		r.Edges = append(r.Edges, e)
	}
	if err := erows.Err(); err != nil {
		return nil, fmt.Errorf("iterate network edges: %w", err)
	}
	return r, nil
}

// History lists recorded events across all logs, newest first.
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]EventSummary, error) {
	var parts []string
	var args []any
	add := func(kind EventKind, sel, subjectCol string) {
		if f.Kind != "" && f.Kind != kind {
			return
		}
		q := sel
		var where []string
		if f.Subject != "" && subjectCol != "" {
			where = append(where, subjectCol+" = ?")
			args = append(args, f.Subject)
		} else if f.Subject != "" {
			where = append(where, "0")
		}
		if !f.Since.IsZero() {
			where = append(where, "created_at >= ?")
			args = append(args, toNanos(f.Since))
		}
		if len(where) > 0 {
			q += " WHERE " + strings.Join(where, " AND ")
		}
		parts = append(parts, q)
	}

	add(EventAttribution, `SELECT 'attribution', id, COALESCE(top_author, ''),
		printf('%d matches, top %.2f', match_count, COALESCE(top_score, 0)), created_at FROM attribution_events`, "top_author")
	add(EventAnomaly, `SELECT 'anomaly', id, author_id,
		printf('%s (%d breaches, confidence %.2f)', classification, breaches, confidence), created_at FROM anomaly_events`, "author_id")
	add(EventNetwork, `SELECT 'network', id, '',
		printf('%d accounts, %d clusters', accounts, cluster_count), created_at FROM network_runs`, "")

	if len(parts) == 0 {
		return nil, fmt.Errorf("unknown event kind %q", f.Kind)
	}

	query := strings.Join(parts, " UNION ALL ") + " ORDER BY 5 DESC, 2"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []EventSummary
	for rows.Next() {
		var e EventSummary
		var kind string
		var created int64
		if err := rows.Scan(&kind, &e.ID, &e.Subject, &e.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Kind = EventKind(kind)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// RecordCalibration stores a calibration snapshot. Re-installing a known
// version keeps the first record.
func (s *Store) RecordCalibration(ctx context.Context, version int, tag string, spec []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_snapshots (version, tag, spec, installed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO NOTHING`,
		version, tag, string(spec), toNanos(at),
	)
	if err != nil {
		return fmt.Errorf("insert calibration snapshot: %w", err)
	}
	return nil
}

// Calibrations lists calibration snapshots by version.
func (s *Store) Calibrations(ctx context.Context) ([]CalibrationSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, tag, spec, installed_at FROM calibration_snapshots ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query calibration snapshots: %w", err)
	}
	defer rows.Close()

	var out []CalibrationSnapshot
	for rows.Next() {
		var c CalibrationSnapshot
		var spec string
		var at int64
		if err := rows.Scan(&c.Version, &c.Tag, &spec, &at); err != nil {
			return nil, fmt.Errorf("scan calibration snapshot: %w", err)
		}
		c.Spec = []byte(spec)
		c.InstalledAt = fromNanos(at)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calibration snapshots: %w", err)
	}
	return out, nil
}
