package chainwatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cursor records how far a watcher has scanned one chain, plus the block
// hashes it anchored on for reorg detection across restarts.
type Cursor struct {
	LastProcessedBlock uint64            `json:"last_processed_block"`
	Anchors            map[uint64]string `json:"anchors,omitempty"`
	UpdatedAt          string            `json:"updated_at"`
}

// CursorStore persists watcher cursors.
type CursorStore interface {
	Load() (Cursor, bool, error)
	Save(c Cursor) error
}

// FileCursorStore persists the cursor as a small JSON file, written with
// a tmp+rename so a crash never leaves a torn cursor.
type FileCursorStore struct {
	path string
}

func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (s *FileCursorStore) Load() (Cursor, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, false, nil
		}
		return Cursor{}, false, fmt.Errorf("chainwatch: read cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, false, fmt.Errorf("chainwatch: parse cursor: %w", err)
	}
	return c, true, nil
}

func (s *FileCursorStore) Save(c Cursor) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("chainwatch: create cursor dir: %w", err)
		}
	}
	c.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("chainwatch: marshal cursor: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("chainwatch: write cursor tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("chainwatch: rename cursor: %w", err)
	}
	return nil
}

// MemoryCursorStore is an in-memory CursorStore for tests.
type MemoryCursorStore struct {
	mu  sync.Mutex
	c   Cursor
	set bool
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{}
}

func (s *MemoryCursorStore) Load() (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, s.set, nil
}

func (s *MemoryCursorStore) Save(c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = c
	s.set = true
	return nil
}
