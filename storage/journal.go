package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/web3guy0/mxsbot/types"
)

// Journal records executed actions
type Journal interface {
	LogTrade(rec types.TradeRecord) error
	RecentTrades(limit int) ([]types.TradeRecord, error)
}

// JSONLJournal appends trades as JSON lines
type JSONLJournal struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

// NewJSONLJournal creates/opens the target file for appending
func NewJSONLJournal(path string) (*JSONLJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLJournal{
		path: path,
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// LogTrade writes a single record
func (j *JSONLJournal) LogTrade(rec types.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("journal closed")
	}
	return j.enc.Encode(rec)
}

// RecentTrades returns up to limit records, newest first
func (j *JSONLJournal) RecentTrades(limit int) ([]types.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var all []types.TradeRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec types.TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip torn lines
		}
		all = append(all, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]types.TradeRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Close flushes and closes the file handle
func (j *JSONLJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
