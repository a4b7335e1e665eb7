// Package tracing records spans for engine operations and HTTP requests
// and propagates W3C trace context across the API boundary.
//
// A nil *Tracer and a nil *Span are valid and record nothing, so callers
// never check whether tracing is enabled.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// TraceID identifies a trace.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// IsValid reports whether t is non-zero.
func (t TraceID) IsValid() bool { return t != TraceID{} }

// SpanID identifies a span within a trace.
type SpanID [8]byte

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

// IsValid reports whether s is non-zero.
func (s SpanID) IsValid() bool { return s != SpanID{} }

// SpanContext is the part of a span that crosses process boundaries.
type SpanContext struct {
	TraceID TraceID
	SpanID  SpanID
	Sampled bool
	Remote  bool
}

// IsValid reports whether both ids are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// Status is the outcome of a span.
type Status string

const (
	StatusUnset Status = "unset"
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Span is one timed operation.
type Span struct {
	tracer *Tracer
	name   string
	sc     SpanContext
	parent SpanID
	start  time.Time

	mu        sync.Mutex
	end       time.Time
	attrs     map[string]any
	status    Status
	statusMsg string
	ended     atomic.Bool
}

// Context returns the span's context. A nil span has an invalid context.
func (s *Span) Context() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return s.sc
}

// SetAttribute attaches key=value to the span.
func (s *Span) SetAttribute(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// SetStatus sets the span outcome.
func (s *Span) SetStatus(code Status, msg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status = code
	s.statusMsg = msg
	s.mu.Unlock()
}

// RecordError marks the span failed. A nil err is ignored.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.SetAttribute("error.type", fmt.Sprintf("%T", err))
	s.SetStatus(StatusError, err.Error())
}

// End finishes the span and hands it to the exporter. Later calls do
// nothing.
func (s *Span) End() {
	if s == nil || s.ended.Swap(true) {
		return
	}
	s.mu.Lock()
	s.end = s.tracer.now()
	s.mu.Unlock()
	if s.sc.Sampled {
		s.tracer.export(s.Data())
	}
}

// SpanData is the exported form of a span.
type SpanData struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Service    string         `json:"service,omitempty"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	DurationMs float64        `json:"duration_ms"`
	Status     Status         `json:"status"`
	StatusMsg  string         `json:"status_message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Data snapshots the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		attrs[k] = v
	}
	d := SpanData{
		Name:       s.name,
		TraceID:    s.sc.TraceID.String(),
		SpanID:     s.sc.SpanID.String(),
		Service:    s.tracer.service,
		Start:      s.start,
		End:        s.end,
		DurationMs: float64(s.end.Sub(s.start)) / float64(time.Millisecond),
		Status:     s.status,
		StatusMsg:  s.statusMsg,
		Attributes: attrs,
	}
	if s.parent.IsValid() {
		d.ParentID = s.parent.String()
	}
	return d
}

// Exporter receives finished, sampled spans.
type Exporter interface {
	Export(SpanData) error
	Close() error
}

// WriterExporter writes one JSON object per span.
type WriterExporter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewWriterExporter writes spans to w. Close closes w when it is an
// io.Closer.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w, enc: json.NewEncoder(w)}
}

func (e *WriterExporter) Export(d SpanData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(d)
}

func (e *WriterExporter) Close() error {
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Config configures a Tracer.
type Config struct {
	Service string
	// SampleRatio is the fraction of traces exported, 0 to 1.
	SampleRatio float64
	Exporter    Exporter
	// OnError sees export failures. Nil drops them.
	OnError func(error)
}

// Tracer starts spans.
type Tracer struct {
	service   string
	threshold uint64
	all       bool
	exporter  Exporter
	onError   func(error)
	now       func() time.Time
}

// New creates a tracer. It fails without an exporter.
func New(cfg Config) (*Tracer, error) {
	if cfg.Exporter == nil {
		return nil, errors.New("tracing: no exporter")
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("tracing: sample ratio %v outside [0, 1]", cfg.SampleRatio)
	}
	return &Tracer{
		service:   cfg.Service,
		threshold: uint64(cfg.SampleRatio * float64(^uint64(0))),
		all:       cfg.SampleRatio == 1,
		exporter:  cfg.Exporter,
		onError:   cfg.OnError,
		now:       time.Now,
	}, nil
}

// sampled decides by trace id so every span of a trace agrees.
func (t *Tracer) sampled(id TraceID) bool {
	if t.all {
		return true
	}
	return binary.BigEndian.Uint64(id[:8]) < t.threshold
}

// Start begins a span as a child of the span or remote context in ctx.
// With a nil tracer it returns ctx unchanged and a nil span.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}

	parent := parentContext(ctx)
	s := &Span{
		tracer: t,
		name:   name,
		start:  t.now(),
		attrs:  make(map[string]any),
		status: StatusUnset,
	}
	if parent.TraceID.IsValid() {
		s.sc.TraceID = parent.TraceID
		s.sc.Sampled = parent.Sampled
		s.parent = parent.SpanID
	} else {
		rand.Read(s.sc.TraceID[:])
		s.sc.Sampled = t.sampled(s.sc.TraceID)
	}
	rand.Read(s.sc.SpanID[:])

	return context.WithValue(ctx, spanKey{}, s), s
}

func (t *Tracer) export(d SpanData) {
	if err := t.exporter.Export(d); err != nil && t.onError != nil {
		t.onError(err)
	}
}

// Close flushes and closes the exporter.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	return t.exporter.Close()
}

type (
	spanKey   struct{}
	remoteKey struct{}
)

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// ContextWithRemote makes sc the parent of the next span started from ctx.
func ContextWithRemote(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, remoteKey{}, sc)
}

func parentContext(ctx context.Context) SpanContext {
	if s := SpanFromContext(ctx); s != nil {
		return s.sc
	}
	sc, _ := ctx.Value(remoteKey{}).(SpanContext)
	return sc
}

// ParseTraceParent parses a version 00 W3C traceparent header, e.g.
// 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01.
func ParseTraceParent(h string) (SpanContext, error) {
	if len(h) != 55 || h[2] != '-' || h[35] != '-' || h[52] != '-' {
		return SpanContext{}, errors.New("malformed traceparent")
	}
	if h[0:2] != "00" {
		return SpanContext{}, fmt.Errorf("unsupported traceparent version %q", h[0:2])
	}

	var sc SpanContext
	if _, err := hex.Decode(sc.TraceID[:], []byte(h[3:35])); err != nil {
		return SpanContext{}, fmt.Errorf("trace id: %w", err)
	}
	if _, err := hex.Decode(sc.SpanID[:], []byte(h[36:52])); err != nil {
		return SpanContext{}, fmt.Errorf("span id: %w", err)
	}
	var flags [1]byte
	if _, err := hex.Decode(flags[:], []byte(h[53:55])); err != nil {
		return SpanContext{}, fmt.Errorf("trace flags: %w", err)
	}
	if !sc.IsValid() {
		return SpanContext{}, errors.New("traceparent has zero ids")
	}
	sc.Sampled = flags[0]&0x01 != 0
	sc.Remote = true
	return sc, nil
}

// FormatTraceParent renders sc as a traceparent header.
func FormatTraceParent(sc SpanContext) string {
	flags := "00"
	if sc.Sampled {
		flags = "01"
	}
	return "00-" + sc.TraceID.String() + "-" + sc.SpanID.String() + "-" + flags
}
