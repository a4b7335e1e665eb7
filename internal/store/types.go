// Package store provides SQLite-backed persistence for scribe: author
// profiles, their sample log, and the attribution, anomaly and network
// event logs.
package store

import (
	"time"

	"scribe/internal/forensics"
)

// SampleRecord is one entry of an author's sample log. Samples are kept for
// audit and verification; profiles never need them replayed.
type SampleRecord struct {
	ID               int64
	AuthorID         string
	FingerprintID    string
	Version          string
	Vector           []float64
	Metrics          forensics.StyleMetrics
	Size             forensics.SampleSize
	SentenceLengthCV float64
	LowConfidence    bool
	CreatedAt        time.Time
}

// Fingerprint rebuilds the fingerprint the sample was recorded from.
func (r *SampleRecord) Fingerprint() *forensics.Fingerprint {
	return &forensics.Fingerprint{
		ID:               r.FingerprintID,
		AuthorID:         r.AuthorID,
		Version:          r.Version,
		Vector:           append([]float64(nil), r.Vector...),
		Metrics:          r.Metrics,
		Size:             r.Size,
		SentenceLengthCV: r.SentenceLengthCV,
		LowConfidence:    r.LowConfidence,
		CreatedAt:        r.CreatedAt,
	}
}

// EventKind identifies an event log.
type EventKind string

const (
	EventAttribution EventKind = "attribution"
	EventAnomaly     EventKind = "anomaly"
	EventNetwork     EventKind = "network"
)

// EventSummary is one row of the combined event history.
type EventSummary struct {
	Kind      EventKind `json:"kind"`
	ID        string    `json:"id"`
	Subject   string    `json:"subject,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryFilter narrows History. Zero values match everything.
type HistoryFilter struct {
	Kind    EventKind
	Subject string
	Since   time.Time
	Limit   int
}

// CalibrationSnapshot records an installed calibration.
type CalibrationSnapshot struct {
	Version     int
	Tag         string
	Spec        []byte
	InstalledAt time.Time
}

// Stats summarizes the database contents.
type Stats struct {
	Driver            string
	Profiles          int64
	Samples           int64
	AttributionEvents int64
	AnomalyEvents     int64
	NetworkRuns       int64
	SchemaVersion     int
	DatabaseSize      int64
}

// ProfileMismatch is a stored profile whose statistics disagree with a
// replay of its sample log.
type ProfileMismatch struct {
	AuthorID string
	Reason   string
}
