package repository

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

// MemoryUsers is the in-memory counterpart of UserRepo.
type MemoryUsers struct {
	mu     sync.Mutex
	byID   map[uint64]model.User
	nextID uint64
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{byID: map[uint64]model.User{}}
}

func (m *MemoryUsers) Create(_ context.Context, email, passwordHash, role string) (uint64, error) {
	email = normalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return 0, ErrEmailExists
		}
	}
	m.nextID++
	now := time.Now().UTC()
	m.byID[m.nextID] = model.User{
		ID:           m.nextID,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return m.nextID, nil
}

func (m *MemoryUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	email = normalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (m *MemoryUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

// MemoryTokens is the in-memory counterpart of TokenRepo.
type MemoryTokens struct {
	mu     sync.Mutex
	byHash map[string]model.RefreshToken
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{byHash: map[string]model.RefreshToken{}}
}

func (m *MemoryTokens) StoreRefresh(_ context.Context, userID uint64, tokenHash string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[tokenHash] = model.RefreshToken{
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: exp,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryTokens) ValidateRefresh(_ context.Context, tokenHash string, now time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byHash[tokenHash]
	if !ok || t.RevokedAt != nil || now.After(t.ExpiresAt) {
		return 0, ErrNotFound
	}
	return t.UserID, nil
}

func (m *MemoryTokens) RevokeByHash(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byHash[tokenHash]; ok && t.RevokedAt == nil {
		now := time.Now().UTC()
		t.RevokedAt = &now
		m.byHash[tokenHash] = t
	}
	return nil
}

func (m *MemoryTokens) RevokeAllForUser(_ context.Context, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for h, t := range m.byHash {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
			m.byHash[h] = t
		}
	}
	return nil
}
