package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MemoryBackend is an in-memory Backend, used in tests and as a reference
// implementation. Keys are stored bcrypt-hashed, mirroring how a real
// database-backed implementation would avoid keeping raw key material.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]*memoryRecord // keyHash (sha256) -> record
}

type memoryRecord struct {
	key        ApiKey
	bcryptHash []byte
	lastUsedAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*memoryRecord)}
}

// GenerateKey creates a new random api key, registers it in the backend
// with the given level, and returns the raw key to hand to a caller.
func (m *MemoryBackend) GenerateKey(level string) (string, *ApiKey, error) {
	raw, err := randomKey()
	if err != nil {
		return "", nil, err
	}
	bh, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}

	rec := &ApiKey{ID: raw, OwnerID: "owner-" + raw[:8], Level: level, Status: StatusActive}
	m.mu.Lock()
	m.records[HashKey(raw)] = &memoryRecord{key: *rec, bcryptHash: bh}
	m.mu.Unlock()
	return raw, rec, nil
}

func (m *MemoryBackend) SetStatus(rawKey string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[HashKey(rawKey)]; ok {
		rec.key.Status = status
	}
}

func (m *MemoryBackend) LookupByHash(ctx context.Context, keyHash string) (*ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[keyHash]
	if !ok {
		return nil, nil
	}
	key := rec.key
	return &key, nil
}

func (m *MemoryBackend) SetLastUsedAt(ctx context.Context, keyHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[keyHash]
	if !ok {
		return nil
	}
	if at.After(rec.lastUsedAt) {
		rec.lastUsedAt = at
	}
	return nil
}

func (m *MemoryBackend) LastUsedAt(rawKey string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[HashKey(rawKey)]
	if !ok {
		return time.Time{}
	}
	return rec.lastUsedAt
}

// VerifyBcrypt confirms rawKey matches the bcrypt hash on file, the same
// defense-in-depth check a real backend would run on top of the sha256
// index lookup.
func (m *MemoryBackend) VerifyBcrypt(rawKey string) bool {
	m.mu.Lock()
	rec, ok := m.records[HashKey(rawKey)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(rec.bcryptHash, []byte(rawKey)) == nil
}

func randomKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("sk-%s", hex.EncodeToString(buf)), nil
}
