// internal/store/store.go
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	TableNodes         = "nodes"
	TablePeers         = "peers"
	TableRegistrations = "registrations"
)

var ErrNotFound = errors.New("store: not found")

// Rows is keyed row storage. Rows are JSON documents addressed by table and
// primary key; Put replaces any existing row.
type Rows interface {
	Get(table, key string, dst any) error
	Put(table, key string, row any) error
	List(table string) ([]json.RawMessage, error)
}

// Memory keeps rows in process.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Get(table, key string, dst any) error {
	m.mu.RLock()
	raw, ok := m.tables[table][key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}
	return json.Unmarshal(raw, dst)
}

func (m *Memory) Put(table, key string, row any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	m.set(table, key, raw)
	return nil
}

func (m *Memory) set(table, key string, raw json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]json.RawMessage)
		m.tables[table] = t
	}
	t[key] = raw
}

// List returns the rows of table ordered by key.
func (m *Memory) List(table string) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tables[table]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, t[k])
	}
	return out, nil
}

func (m *Memory) snapshot() map[string]map[string]json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]json.RawMessage, len(m.tables))
	for name, t := range m.tables {
		cp := make(map[string]json.RawMessage, len(t))
		for k, v := range t {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}
