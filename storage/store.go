package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE STORE - Durable snapshot of the trend aggregate
// ═══════════════════════════════════════════════════════════════════════════════

// StateStore loads and saves one TrendState per instrument.
// It never interprets the fields it stores.
type StateStore interface {
	Load(instrument string) (types.TrendState, error)
	Save(st types.TrendState) error
}

// FileStore keeps the snapshot in a single JSON file.
// Writes go to a temp file in the same directory which is synced and renamed
// over the target, so a crash leaves either the old or the new snapshot.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates the parent directory if needed
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

// Path returns the snapshot location
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored state, or the initial state when nothing was saved yet
func (s *FileStore) Load(instrument string) (types.TrendState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", s.path).Msg("📂 No saved state, starting fresh")
		return types.NewTrendState(instrument), nil
	}
	if err != nil {
		return types.TrendState{}, err
	}

	var st types.TrendState
	if err := json.Unmarshal(bs, &st); err != nil {
		return types.TrendState{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if st.Instrument != "" && st.Instrument != instrument {
		log.Warn().
			Str("saved", st.Instrument).
			Str("configured", instrument).
			Msg("⚠️ Saved state belongs to another instrument, starting fresh")
		return types.NewTrendState(instrument), nil
	}
	st.Instrument = instrument
	return st.Normalize(), nil
}

// Save atomically replaces the snapshot
func (s *FileStore) Save(st types.TrendState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
