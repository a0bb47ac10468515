package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

// Memory keeps encoded snapshots in a map. Documents are stored encoded so
// that callers never share state through it.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte

	// FailSave, when set, is returned by Save.
	FailSave error
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, userID string, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	m.docs[Key(userID)] = b
	return nil
}

func (m *Memory) Load(_ context.Context, userID string) (*model.Snapshot, error) {
	m.mu.Lock()
	b, ok := m.docs[Key(userID)]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decode(userID, b)
}

func (m *Memory) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.docs, Key(userID))
	m.mu.Unlock()
	return nil
}

// Put stores a raw document under key. Tests use it to plant foreign data.
func (m *Memory) Put(key string, doc []byte) {
	m.mu.Lock()
	m.docs[key] = doc
	m.mu.Unlock()
}
