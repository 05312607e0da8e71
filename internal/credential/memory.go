package credential

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"execution-core/internal/model"
)

// MemoryStore serves accounts from memory. Used in tests and DRY_RUN without a seed file.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	secrets  map[string]Secret
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.Account),
		secrets:  make(map[string]Secret),
	}
}

// Put adds or replaces an account and its login.
func (m *MemoryStore) Put(acc model.Account, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = acc
	m.secrets[acc.ID] = Secret{Username: acc.Username, Password: password}
}

func (m *MemoryStore) Account(_ context.Context, id string) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	return acc, nil
}

func (m *MemoryStore) Secret(_ context.Context, id string) (Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sec, ok := m.secrets[id]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	return sec, nil
}

func (m *MemoryStore) Accounts(_ context.Context) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetDisabled(_ context.Context, id string, disabled bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	acc.Disabled = disabled
	acc.DisabledReason = ""
	if disabled {
		acc.DisabledReason = reason
	}
	m.accounts[id] = acc
	return nil
}
