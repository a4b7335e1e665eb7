package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"scribe/internal/forensics"
)

// Persistence stores profiles. Load and Delete of an unknown author return
// a *forensics.NotFoundError. Save receives the updated profile together
// with the sample that produced it.
type Persistence interface {
	Save(ctx context.Context, p *Profile, sample *forensics.Fingerprint) error
	Load(ctx context.Context, authorID string) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
	Delete(ctx context.Context, authorID string) error
}

// Store is the profile store. Writes for one author are serialized; writes
// for different authors and all reads proceed concurrently. Returned
// profiles are copies.
type Store struct {
	persist Persistence
	locks   keyedMutex
	now     func() time.Time
}

// NewStore creates a store over p. A nil p keeps profiles in memory.
func NewStore(p Persistence) *Store {
	if p == nil {
		p = NewMemoryPersistence()
	}
	return &Store{persist: p, now: time.Now}
}

// Upsert adds fp to the author's profile, creating it on first use.
func (s *Store) Upsert(ctx context.Context, authorID string, fp *forensics.Fingerprint) (*Profile, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return nil, &forensics.InvalidInputError{Reason: "empty author id"}
	}
	if fp == nil {
		return nil, &forensics.InvalidInputError{Reason: "nil fingerprint"}
	}

	unlock := s.locks.Lock(authorID)
	defer unlock()

	p, err := s.persist.Load(ctx, authorID)
	if errors.Is(err, forensics.ErrNotFound) {
		p = New(authorID, fp.Version, fp.Dimensions())
	} else if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", authorID, err)
	}

	if err := p.Add(fp, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.persist.Save(ctx, p, fp.WithAuthor(authorID)); err != nil {
		return nil, fmt.Errorf("save profile %s: %w", authorID, err)
	}
	return p.Clone(), nil
}

// Get returns the author's profile.
func (s *Store) Get(ctx context.Context, authorID string) (*Profile, error) {
	p, err := s.persist.Load(ctx, authorID)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// List returns all profiles ordered by author id.
func (s *Store) List(ctx context.Context) ([]*Profile, error) {
	ps, err := s.persist.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]*Profile, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuthorID < out[j].AuthorID })
	return out, nil
}

// Delete removes the author's profile.
func (s *Store) Delete(ctx context.Context, authorID string) error {
	unlock := s.locks.Lock(authorID)
	defer unlock()
	return s.persist.Delete(ctx, authorID)
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// MemoryPersistence keeps profiles in a map. Samples are counted but not
// retained.
type MemoryPersistence struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	samples  map[string]int
}

// NewMemoryPersistence creates an empty in-memory persistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		profiles: make(map[string]*Profile),
		samples:  make(map[string]int),
	}
}

func (m *MemoryPersistence) Save(_ context.Context, p *Profile, _ *forensics.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.AuthorID] = p.Clone()
	m.samples[p.AuthorID]++
	return nil
}

func (m *MemoryPersistence) Load(_ context.Context, authorID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[authorID]
	if !ok {
		return nil, &forensics.NotFoundError{AuthorID: authorID}
	}
	return p.Clone(), nil
}

func (m *MemoryPersistence) List(_ context.Context) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *MemoryPersistence) Delete(_ context.Context, authorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[authorID]; !ok {
		return &forensics.NotFoundError{AuthorID: authorID}
	}
	delete(m.profiles, authorID)
	delete(m.samples, authorID)
	return nil
}

// SampleCount returns how many samples were saved for an author.
func (m *MemoryPersistence) SampleCount(authorID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.samples[authorID]
}
