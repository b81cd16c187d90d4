package principal

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

type record struct {
	Username string
	Role     string
}

// MemProvider — провайдер в памяти для разработки и тестов.
type MemProvider struct {
	mu   sync.Mutex
	byID map[string]record
}

func NewMemProvider() *MemProvider {
	return &MemProvider{byID: make(map[string]record)}
}

func (m *MemProvider) CreateEphemeralPrincipal(_ context.Context, username, role string) (string, error) {
	if username == "" {
		return "", errors.New("empty username")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.byID[id] = record{Username: username, Role: role}
	return id, nil
}

func (m *MemProvider) DeletePrincipal(_ context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, principalID)
	return nil
}

func (m *MemProvider) PrincipalExists(_ context.Context, principalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[principalID]
	return ok, nil
}

// Len — сколько учёток живо (для тестов).
func (m *MemProvider) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
