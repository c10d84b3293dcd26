package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "imgateway/pkg/logx"
)

// fileStore appends JSON Lines to <path> and keeps the newest MaxEntries
// records in memory. Once the file holds twice that many lines it is
// rewritten from the window.
type fileStore struct {
	log  logx.Logger
	path string
	max  int

	mu     sync.Mutex
	f      *os.File
	window []Delivery // oldest first
	lines  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, max: cfg.MaxEntries}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		s.lines++
		var d Delivery
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		s.push(d)
	}
	return sc.Err()
}

func (s *fileStore) push(d Delivery) {
	s.window = append(s.window, d)
	if len(s.window) > s.max {
		n := copy(s.window, s.window[len(s.window)-s.max:])
		s.window = s.window[:n]
	}
}

func (s *fileStore) AppendDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.f).Encode(d); err != nil {
		return err
	}
	s.push(d)
	s.lines++
	if s.lines >= 2*s.max {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(_ context.Context, limit int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.window) {
		limit = len(s.window)
	}
	out := make([]Delivery, 0, limit)
	for i := len(s.window) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.window[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w := bufio.NewWriter(s.f)
	enc := json.NewEncoder(w)
	for _, d := range s.window {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.lines = len(s.window)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
