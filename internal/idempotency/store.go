package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrKeyReused is returned when a key comes back with a different request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Record holds the first response produced for an idempotency key, plus a
// fingerprint of the request that produced it.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether the stored record was produced by the same request body.
func (r *Record) Matches(fingerprint string) bool {
	return r.Fingerprint == "" || r.Fingerprint == fingerprint
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the replayable record for key, or ErrKeyReused when the key
// was first used with a different body. A nil record means the key is fresh.
func Lookup(ctx context.Context, s Store, key string, body []byte) (*Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.Matches(Fingerprint(body)) {
		return nil, ErrKeyReused
	}
	return rec, nil
}

// Store abstracts idempotency persistence.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Purger is implemented by stores that do not expire keys on their own.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.data {
		if !rec.ExpiresAt.After(cutoff) {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

// FileStore persists records to a single JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}
