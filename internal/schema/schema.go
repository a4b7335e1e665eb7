// Package schema validates JSON documents accepted by scribe against the
// embedded JSON Schemas before they are decoded.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"scribe/internal/forensics"
	"scribe/internal/network"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const baseURL = "https://scribe.local/schemas/"

// Name identifies an embedded schema.
type Name string

const (
	NetworkInput   Name = "network-input"
	BatchInput     Name = "batch-input"
	AnalyzeRequest Name = "analyze-request"
	Fingerprint    Name = "fingerprint"
)

// Names lists every embedded schema.
var Names = []Name{NetworkInput, BatchInput, AnalyzeRequest, Fingerprint}

func (n Name) url() string {
	return baseURL + string(n) + ".schema.json"
}

// Problem is one validation failure.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error reports a document that does not match its schema. It matches
// forensics.ErrInvalidInput under errors.Is.
type Error struct {
	Schema   Name
	Problems []Problem
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Path+": "+p.Message)
	}
	return fmt.Sprintf("invalid %s document: %s", e.Schema, strings.Join(parts, "; "))
}

func (e *Error) Is(target error) bool { return target == forensics.ErrInvalidInput }

// Validator holds the compiled schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[Name]*jsonschema.Schema
}

// New compiles all embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	for _, name := range Names {
		data, err := schemaFS.ReadFile("schemas/" + string(name) + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name.url(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[Name]*jsonschema.Schema, len(Names))}
	for _, name := range Names {
		s, err := compiler.Compile(name.url())
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

var (
	defaultValidator *Validator
	defaultErr       error
	defaultOnce      sync.Once
)

// Default returns a shared Validator. The embedded schemas are fixed at
// build time, so a compile failure is a programming error.
func Default() *Validator {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	if defaultErr != nil {
		panic(defaultErr)
	}
	return defaultValidator
}

// Validate checks data against the named schema.
func (v *Validator) Validate(name Name, data []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &Error{Schema: name, Problems: []Problem{{Path: "/", Message: "malformed JSON: " + err.Error()}}}
	}
	if dec.More() {
		return &Error{Schema: name, Problems: []Problem{{Path: "/", Message: "trailing data after JSON document"}}}
	}

	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &Error{Schema: name, Problems: problems(ve)}
		}
		return fmt.Errorf("validate %s: %w", name, err)
	}
	return nil
}

// Decode validates data against the named schema and unmarshals it into out.
func (v *Validator) Decode(name Name, data []byte, out any) error {
	if err := v.Validate(name, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Schema: name, Problems: []Problem{{Path: "/", Message: err.Error()}}}
	}
	return nil
}

// problems flattens the leaf errors of a validation failure.
func problems(ve *jsonschema.ValidationError) []Problem {
	seen := make(map[Problem]bool)
	var out []Problem
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			p := Problem{Path: e.InstanceLocation, Message: e.Message}
			if p.Path == "" {
				p.Path = "/"
			}
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// NetworkDocument is the input of a network analysis.
type NetworkDocument struct {
	Accounts []network.Account `json:"accounts"`
}

// BatchSample is one sample of a batch ingest.
type BatchSample struct {
	AuthorID string `json:"author_id"`
	Text     string `json:"text"`
	Source   string `json:"source,omitempty"`
}

// BatchDocument is the input of a batch ingest.
type BatchDocument struct {
	Samples []BatchSample `json:"samples"`
}

// AnalyzeDocument is a request to fingerprint, attribute or check text. A
// nil Candidates ranks every profile; an empty list ranks none. Sentences
// carries pre-tokenized text; Text is then only the raw form used for
// character counts.
type AnalyzeDocument struct {
	Text        string                 `json:"text,omitempty"`
	Sentences   [][]string             `json:"sentences,omitempty"`
	Fingerprint *forensics.Fingerprint `json:"fingerprint,omitempty"`
	AuthorID    string                 `json:"author_id,omitempty"`
	Candidates  []string               `json:"candidates,omitempty"`
	AllowShort  bool                   `json:"allow_short,omitempty"`
}

// DecodeNetwork validates and decodes a network analysis document.
func (v *Validator) DecodeNetwork(data []byte) (*NetworkDocument, error) {
	var doc NetworkDocument
	if err := v.Decode(NetworkInput, data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DecodeBatch validates and decodes a batch ingest document.
func (v *Validator) DecodeBatch(data []byte) (*BatchDocument, error) {
	var doc BatchDocument
	if err := v.Decode(BatchInput, data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DecodeAnalyze validates and decodes an analysis request.
func (v *Validator) DecodeAnalyze(data []byte) (*AnalyzeDocument, error) {
	var doc AnalyzeDocument
	if err := v.Decode(AnalyzeRequest, data, &doc); err != nil {
		return nil, err
	}
	if doc.Fingerprint != nil {
		if err := importFingerprint(doc.Fingerprint, "/fingerprint"); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

// DecodeFingerprint validates and decodes an exported fingerprint. A vector
// whose length disagrees with the version tag is rejected; an accepted
// vector is renormalized to unit length.
func (v *Validator) DecodeFingerprint(data []byte) (*forensics.Fingerprint, error) {
	var fp forensics.Fingerprint
	if err := v.Decode(Fingerprint, data, &fp); err != nil {
		return nil, err
	}
	if err := importFingerprint(&fp, ""); err != nil {
		return nil, err
	}
	return &fp, nil
}

// importFingerprint checks fp against its version tag and normalizes it in
// place. at is the JSON pointer of fp in the enclosing document.
func importFingerprint(fp *forensics.Fingerprint, at string) error {
	var dims int
	if i := strings.LastIndex(fp.Version, "-d"); i >= 0 {
		fmt.Sscanf(fp.Version[i+2:], "%d", &dims)
	}
	if dims != len(fp.Vector) {
		name := Fingerprint
		if at != "" {
			name = AnalyzeRequest
		}
		return &Error{Schema: name, Problems: []Problem{{
			Path:    at + "/vector",
			Message: fmt.Sprintf("has %d dimensions, version %s declares %d", len(fp.Vector), fp.Version, dims),
		}}}
	}
	fp.Vector = forensics.Normalize(fp.Vector)
	if fp.CreatedAt.IsZero() {
		fp.CreatedAt = time.Now().UTC()
	}
	return nil
}
