package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/logging"
	"scribe/internal/profile"
	"scribe/internal/report"
	"scribe/internal/schema"
	"scribe/internal/store"
)

const (
	defaultMaxBody      = 16 << 20
	defaultSampleLimit  = 10
	maxSampleLimit      = 1000
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.decodeAnalyze(w, r)
	if !ok {
		return
	}
	if doc.Fingerprint != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "text or sentences is required", nil)
		return
	}
	fp, err := s.fingerprintFor(r.Context(), doc)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fp)
}

func (s *Server) handleAttribute(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.decodeAnalyze(w, r)
	if !ok {
		return
	}
	fp, err := s.fingerprintFor(r.Context(), doc)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.Attribute(r.Context(), fp, doc.Candidates)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnomaly(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.decodeAnalyze(w, r)
	if !ok {
		return
	}
	if doc.AuthorID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "author_id is required", nil)
		return
	}
	fp, err := s.fingerprintFor(r.Context(), doc)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	rep, err := s.engine.DetectAnomaly(r.Context(), doc.AuthorID, fp)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.AnomalyOutput{
		AuthorID:  doc.AuthorID,
		Anomalous: rep != nil && rep.Anomalous,
		Report:    rep,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	doc, err := s.schemas.DecodeBatch(body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	samples := make([]engine.BatchSample, len(doc.Samples))
	for i, b := range doc.Samples {
		samples[i] = engine.BatchSample{AuthorID: b.AuthorID, Text: b.Text, Source: b.Source}
	}
	opts := forensics.ExtractOptions{AllowShortSample: r.URL.Query().Get("allow_short") == "true"}
	res, err := s.engine.IngestBatch(r.Context(), samples, opts)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	doc, err := s.schemas.DecodeNetwork(body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.AnalyzeNetwork(r.Context(), doc.Accounts)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	ps, err := s.engine.Profiles(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if ps == nil {
		ps = []*profile.Profile{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, ok := queryInt(w, r, "samples", defaultSampleLimit, maxSampleLimit)
	if !ok {
		return
	}
	p, err := s.engine.Profile(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var samples []store.SampleRecord
	if limit > 0 {
		samples, err = s.engine.Samples(r.Context(), id, limit)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, report.NewProfileOutput(p, samples))
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.HistoryFilter{Subject: q.Get("subject")}

	switch kind := store.EventKind(q.Get("kind")); kind {
	case "", store.EventAttribution, store.EventAnomaly, store.EventNetwork:
		f.Kind = kind
	default:
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "unknown event kind "+string(kind), nil)
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "since must be an RFC 3339 timestamp", nil)
			return
		}
		f.Since = since
	}
	limit, ok := queryInt(w, r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		return
	}
	f.Limit = limit

	events, err := s.engine.History(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if events == nil {
		events = []store.EventSummary{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	cal := s.engine.Calibration()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    cal.Version(),
		"tag":        cal.Tag(),
		"dimensions": cal.DimensionNames(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Request helpers
// =============================================================================

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func (s *Server) decodeAnalyze(w http.ResponseWriter, r *http.Request) (*schema.AnalyzeDocument, bool) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return nil, false
	}
	doc, err := s.schemas.DecodeAnalyze(body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return nil, false
	}
	return doc, true
}

// fingerprintFor returns the supplied fingerprint or extracts one from the
// request text or its pre-tokenized sentences.
func (s *Server) fingerprintFor(ctx context.Context, doc *schema.AnalyzeDocument) (*forensics.Fingerprint, error) {
	if doc.Fingerprint != nil {
		return doc.Fingerprint, nil
	}
	if doc.Sentences != nil {
		seg := forensics.Segmented{Raw: doc.Text, Sentences: doc.Sentences}
		return s.engine.ExtractSegmented(ctx, seg, extractOptions(doc))
	}
	return s.engine.ExtractFingerprint(ctx, doc.Text, extractOptions(doc))
}

func extractOptions(doc *schema.AnalyzeDocument) forensics.ExtractOptions {
	return forensics.ExtractOptions{AllowShortSample: doc.AllowShort}
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def, upper int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > upper {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input",
			key+" must be an integer between 0 and "+strconv.Itoa(upper), nil)
		return 0, false
	}
	return n, true
}

// =============================================================================
// Responses
// =============================================================================

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message   string           `json:"message"`
	Type      string           `json:"type"`
	Problems  []schema.Problem `json:"problems,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, typ, msg string, problems []schema.Problem) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Type: typ, Problems: problems}})
}

// writeEngineError maps err onto an HTTP status. Internal failures are
// logged and reported without detail.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, typ, msg := http.StatusInternalServerError, "internal", "internal error"
	var problems []schema.Problem

	var tooLarge *http.MaxBytesError
	var invalid *schema.Error
	switch {
	case errors.As(err, &tooLarge):
		status, typ, msg = http.StatusRequestEntityTooLarge, "request_too_large", err.Error()
	case errors.As(err, &invalid):
		status, typ, msg = http.StatusUnprocessableEntity, "invalid_input", err.Error()
		problems = invalid.Problems
	case errors.Is(err, forensics.ErrInsufficientSample):
		status, typ, msg = http.StatusUnprocessableEntity, "insufficient_sample", err.Error()
	case errors.Is(err, forensics.ErrInvalidInput):
		status, typ, msg = http.StatusUnprocessableEntity, "invalid_input", err.Error()
	case errors.Is(err, forensics.ErrIncompatibleFingerprint):
		status, typ, msg = http.StatusConflict, "incompatible_fingerprint", err.Error()
	case errors.Is(err, forensics.ErrNotFound):
		status, typ, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		status, typ, msg = http.StatusGatewayTimeout, "timeout", "request timed out"
	case errors.Is(err, context.Canceled):
		status, typ, msg = http.StatusServiceUnavailable, "canceled", "request canceled"
	default:
		logging.ForRequest(r.Context(), s.logger).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Message:   msg,
		Type:      typ,
		Problems:  problems,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}
