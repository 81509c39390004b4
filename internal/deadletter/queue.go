package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry records a money-moving event the coordinator could not finish.
// Operators (and the resume job) work from these files.
type Entry struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	TransactionID string          `json:"transactionId"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error"`
}

// Queue is a directory of JSON files, one per entry. An empty path disables it.
type Queue struct {
	dir string
	mu  sync.Mutex
}

func NewQueue(dir string) *Queue {
	return &Queue{dir: dir}
}

func (q *Queue) Enabled() bool {
	return q != nil && q.dir != ""
}

func (q *Queue) Write(txID, kind string, payload any, cause error) (Entry, error) {
	entry := Entry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		TransactionID: txID,
		Kind:          kind,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if !q.Enabled() {
		return entry, nil
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return entry, fmt.Errorf("dlq marshal payload: %w", err)
		}
		entry.Payload = raw
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return entry, fmt.Errorf("dlq marshal: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return entry, fmt.Errorf("dlq mkdir: %w", err)
	}
	name := fmt.Sprintf("%d-%s-%s.json", entry.Timestamp.UnixNano(), sanitize(txID), entry.ID)
	if err := os.WriteFile(filepath.Join(q.dir, name), data, 0o600); err != nil {
		return entry, fmt.Errorf("dlq write: %w", err)
	}
	return entry, nil
}

func (q *Queue) Depth() (int, error) {
	if !q.Enabled() {
		return 0, nil
	}
	entries, err := os.ReadDir(q.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

// List returns entries oldest first.
func (q *Queue) List() ([]Entry, error) {
	if !q.Enabled() {
		return nil, nil
	}
	files, err := os.ReadDir(q.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	out := make([]Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(q.dir, f.Name()))
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("dlq decode %s: %w", f.Name(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
