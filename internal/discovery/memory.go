package discovery

import (
	"context"
	"sync"
)

// MemoryProvider is a test/in-process Provider implementation, used where a
// real Consul agent is unavailable.
type MemoryProvider struct {
	mu       sync.Mutex
	services map[string][]ServiceEntry // name -> entries
	kv       map[string][]byte
	index    uint64
}

// NewMemoryProvider constructs an empty in-memory Provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		services: make(map[string][]ServiceEntry),
		kv:       make(map[string][]byte),
	}
}

func (m *MemoryProvider) Register(_ context.Context, serviceID, name, host string, port int, tags []string, meta map[string]string, _ CheckSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.services[name]
	for i, e := range entries {
		if e.ServiceID == serviceID {
			entries[i] = ServiceEntry{ServiceID: serviceID, Name: name, Address: host, Port: port, Tags: tags, Meta: meta, Passing: true}
			m.index++
			return nil
		}
	}
	m.services[name] = append(entries, ServiceEntry{ServiceID: serviceID, Name: name, Address: host, Port: port, Tags: tags, Meta: meta, Passing: true})
	m.index++
	return nil
}

func (m *MemoryProvider) Deregister(_ context.Context, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, entries := range m.services {
		for i, e := range entries {
			if e.ServiceID == serviceID {
				m.services[name] = append(entries[:i], entries[i+1:]...)
				m.index++
				return nil
			}
		}
	}
	return nil
}

func (m *MemoryProvider) Service(_ context.Context, name string, passingOnly bool) ([]ServiceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ServiceEntry
	for _, e := range m.services[name] {
		if passingOnly && !e.Passing {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryProvider) KVGet(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryProvider) KVPut(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

// Watch returns the current entries for name and the current index at once;
// unlike the Provider contract it does not block, and waitIndex is ignored.
func (m *MemoryProvider) Watch(ctx context.Context, name string, waitIndex uint64) ([]ServiceEntry, uint64, error) {
	m.mu.Lock()
	idx := m.index
	entries := append([]ServiceEntry(nil), m.services[name]...)
	m.mu.Unlock()
	return entries, idx, nil
}

// SetPassing marks serviceID's passing flag within name, simulating an
// externally-observed passive health-check result.
func (m *MemoryProvider) SetPassing(name, serviceID string, passing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.services[name] {
		if e.ServiceID == serviceID {
			m.services[name][i].Passing = passing
			m.index++
			return
		}
	}
}
