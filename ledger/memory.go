package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/x402-gateway/types"
)

type entry struct {
	state     State
	expiresAt time.Time
}

// MemoryLedger keeps entries in process memory. Expired entries are dropped
// lazily on access and in bulk by Purge.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *MemoryLedger) Reserve(_ context.Context, key string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok {
		return replayed(key, e.state)
	}
	m.entries[key] = entry{state: StatePending, expiresAt: expiresAt}
	return nil
}

func (m *MemoryLedger) Commit(_ context.Context, key string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{state: StateSettled, expiresAt: expiresAt}
	return nil
}

func (m *MemoryLedger) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && e.state == StatePending {
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryLedger) Lookup(_ context.Context, key string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	return e.state, ok, nil
}

// Purge removes every expired entry and returns how many were dropped.
func (m *MemoryLedger) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of entries, expired or not.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunJanitor purges on every tick until ctx is done.
func (m *MemoryLedger) RunJanitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Purge()
		}
	}
}

// live returns the entry for key, deleting it if expired. Callers hold mu.
func (m *MemoryLedger) live(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func replayed(key string, state State) error {
	return &types.X402Error{
		Code:    types.ErrReplayedAuthorization,
		Message: "authorization nonce has already been used",
		Data:    map[string]any{"key": key, "state": string(state)},
	}
}
