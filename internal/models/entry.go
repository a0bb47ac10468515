package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the cached state of one period.
type Entry struct {
	Records    []Session
	LastUpdate time.Time
	Version    string
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	e.Records = CloneSessions(e.Records)
	return e
}

type entryJSON struct {
	Records    []Session `json:"records"`
	LastUpdate int64     `json:"lastUpdate"`
	Version    string    `json:"version"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	recs := e.Records
	if recs == nil {
		recs = []Session{}
	}
	return json.Marshal(entryJSON{
		Records:    recs,
		LastUpdate: e.LastUpdate.UnixMilli(),
		Version:    e.Version,
	})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Records = raw.Records
	e.LastUpdate = time.UnixMilli(raw.LastUpdate)
	e.Version = raw.Version
	return nil
}

// SnapshotEntry is one [periodKey, entry] pair of a persisted snapshot.
type SnapshotEntry struct {
	Period Period
	Entry  Entry
}

func (s SnapshotEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{s.Period.String(), s.Entry})
}

func (s *SnapshotEntry) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("snapshot entry: want [key, entry], got %d elements", len(pair))
	}
	var key string
	if err := json.Unmarshal(pair[0], &key); err != nil {
		return fmt.Errorf("snapshot entry key: %w", err)
	}
	p, err := ParsePeriod(key)
	if err != nil {
		return fmt.Errorf("snapshot entry key: %w", err)
	}
	s.Period = p
	return json.Unmarshal(pair[1], &s.Entry)
}

// Snapshot is the durable mirror of a user's whole cache.
type Snapshot struct {
	UserID    string
	Entries   []SnapshotEntry
	Timestamp time.Time
}

type snapshotJSON struct {
	UserID    string          `json:"userId"`
	Entries   []SnapshotEntry `json:"entries"`
	Timestamp int64           `json:"timestamp"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	entries := s.Entries
	if entries == nil {
		entries = []SnapshotEntry{}
	}
	return json.Marshal(snapshotJSON{
		UserID:    s.UserID,
		Entries:   entries,
		Timestamp: s.Timestamp.UnixMilli(),
	})
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.UserID = raw.UserID
	s.Entries = raw.Entries
	s.Timestamp = time.UnixMilli(raw.Timestamp)
	return nil
}
