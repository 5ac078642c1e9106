package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/november222/onlyyou-sub000/internal/constants"
)

// FileStore keeps each record as a small file in the app data directory.
// It is the default backend; the boundary is an opaque local key-value
// store, so a flat file per key is enough.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (st *FileStore) path(key string) string {
	return filepath.Join(st.dir, key+".json")
}

func (st *FileStore) LoadSession() (*SavedSession, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := os.ReadFile(st.path(constants.SessionKey))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read saved session: %w", err)
	}

	var saved SavedSession
	if err := json.Unmarshal(raw, &saved); err != nil {
		return nil, false, fmt.Errorf("failed to decode saved session: %w", err)
	}
	return &saved, true, nil
}

func (st *FileStore) SaveSession(s *SavedSession) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode saved session: %w", err)
	}
	return st.writeAtomic(st.path(constants.SessionKey), raw)
}

func (st *FileStore) ForgetSession() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.Remove(st.path(constants.SessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to forget saved session: %w", err)
	}
	return nil
}

func (st *FileStore) CumulativeSeconds() (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.readCounter()
}

func (st *FileStore) AddCumulativeSeconds(delta int64) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	total, err := st.readCounter()
	if err != nil {
		return err
	}
	raw := strconv.FormatInt(total+delta, 10)
	return st.writeAtomic(st.path(constants.CumulativeSecondsKey), []byte(raw))
}

func (st *FileStore) Close() error {
	return nil
}

func (st *FileStore) readCounter() (int64, error) {
	raw, err := os.ReadFile(st.path(constants.CumulativeSecondsKey))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cumulative counter: %w", err)
	}
	total, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cumulative counter: %w", err)
	}
	return total, nil
}

// writeAtomic writes via a temp file and rename so a crash mid-write never
// leaves a truncated record.
func (st *FileStore) writeAtomic(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
