package keyring

import (
	"fmt"
	"sync"
	"time"

	"github.com/kairos-io/ykfde/secret"
)

// Memory is an in process Cache with the same expiry behaviour as the
// kernel keyring.
type Memory struct {
	// Now defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   *secret.Buffer
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Lookup(purpose string) (*secret.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAbsent, purpose)
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		_ = e.value.Close()
		delete(m.entries, purpose)
		return nil, fmt.Errorf("%w: %s", ErrAbsent, purpose)
	}
	return e.value.Clone()
}

func (m *Memory) Store(purpose string, value *secret.Buffer, ttl time.Duration) error {
	c, err := value.Clone()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = map[string]memoryEntry{}
	}
	if old, ok := m.entries[purpose]; ok {
		_ = old.value.Close()
	}
	e := memoryEntry{value: c}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[purpose] = e
	return nil
}

// Close wipes every cached secret.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		_ = e.value.Close()
		delete(m.entries, k)
	}
}
