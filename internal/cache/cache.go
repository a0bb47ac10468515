package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

// Store is the in-memory period cache. An entry older than the TTL is
// treated as absent by GetSync even while it is still physically held.
type Store struct {
	mu  sync.RWMutex
	m   map[model.Period]*model.Entry
	ttl time.Duration
	now func() time.Time
}

func New(ttl time.Duration) *Store {
	return &Store{
		m:   make(map[model.Period]*model.Entry),
		ttl: ttl,
		now: time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) fresh(e *model.Entry) bool {
	return s.now().Sub(e.LastUpdate) <= s.ttl
}

// GetSync returns a copy of the entry if it exists and is not stale.
func (s *Store) GetSync(p model.Period) (model.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[p]
	if !ok || !s.fresh(e) {
		return model.Entry{}, false
	}
	return e.Clone(), true
}

// Peek returns the entry regardless of age.
func (s *Store) Peek(p model.Period) (model.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[p]
	if !ok {
		return model.Entry{}, false
	}
	return e.Clone(), true
}

// Set replaces the entry for p, stamping a new LastUpdate and Version.
func (s *Store) Set(p model.Period, records []model.Session) model.Entry {
	e := &model.Entry{
		Records:    model.CloneSessions(records),
		LastUpdate: s.now(),
		Version:    uuid.Must(uuid.NewV7()).String(),
	}
	if e.Records == nil {
		e.Records = []model.Session{}
	}
	s.mu.Lock()
	s.m[p] = e
	s.mu.Unlock()
	return e.Clone()
}

func (s *Store) Remove(p model.Period) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[p]
	delete(s.m, p)
	return ok
}

// IsStale reports whether p is older than the TTL. A missing entry is stale.
func (s *Store) IsStale(p model.Period) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[p]
	return !ok || !s.fresh(e)
}

// Update applies fn to the records of a physically present entry, stale or
// not. LastUpdate and Version are left as they are. It reports whether an
// entry existed.
func (s *Store) Update(p model.Period, fn func([]model.Session) []model.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[p]
	if !ok {
		return false
	}
	e.Records = fn(e.Records)
	if e.Records == nil {
		e.Records = []model.Session{}
	}
	return true
}

// Locate finds the period holding the session with the given id.
func (s *Store) Locate(id string) (model.Period, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p, e := range s.m {
		for _, r := range e.Records {
			if r.ID == id {
				return p, true
			}
		}
	}
	return model.Period{}, false
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.m = make(map[model.Period]*model.Entry)
	s.mu.Unlock()
}

// Snapshot copies every physically present entry, ordered by period.
func (s *Store) Snapshot(userID string) model.Snapshot {
	s.mu.RLock()
	entries := make([]model.SnapshotEntry, 0, len(s.m))
	for p, e := range s.m {
		entries = append(entries, model.SnapshotEntry{Period: p, Entry: e.Clone()})
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Period.Before(entries[j].Period) })
	return model.Snapshot{UserID: userID, Entries: entries, Timestamp: s.now()}
}

// Restore replaces the whole content with the given entries, dropping any
// older than the TTL.
func (s *Store) Restore(entries []model.SnapshotEntry) (kept, dropped int) {
	m := make(map[model.Period]*model.Entry, len(entries))
	now := s.now()
	for _, se := range entries {
		if now.Sub(se.Entry.LastUpdate) > s.ttl {
			dropped++
			continue
		}
		e := se.Entry.Clone()
		if e.Records == nil {
			e.Records = []model.Session{}
		}
		m[se.Period] = &e
	}
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
	return len(m), dropped
}

// Stats summarises the physically present entries.
type Stats struct {
	PeriodsCached int       `json:"periodsCached"`
	TotalRecords  int       `json:"totalRecords"`
	OldestEntry   time.Time `json:"oldestEntry"`
	NewestEntry   time.Time `json:"newestEntry"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, e := range s.m {
		st.PeriodsCached++
		st.TotalRecords += len(e.Records)
		if st.OldestEntry.IsZero() || e.LastUpdate.Before(st.OldestEntry) {
			st.OldestEntry = e.LastUpdate
		}
		if e.LastUpdate.After(st.NewestEntry) {
			st.NewestEntry = e.LastUpdate
		}
	}
	return st
}
