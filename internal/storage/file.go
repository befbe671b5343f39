package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "outagewatch/pkg/logx"
)

// fileStore keeps each document in <dir>/<kind>.json.
//
// Writes go to <file>.tmp, are fsynced and renamed over the target, so a
// crash mid-write leaves the previous document intact.
type fileStore struct {
	dir string
	log logx.Logger

	mu     sync.Mutex // guards locks and closed
	locks  map[Kind]*sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	return &fileStore{dir: dir, log: log, locks: map[Kind]*sync.Mutex{}}, nil
}

func (s *fileStore) path(kind Kind) string {
	return filepath.Join(s.dir, string(kind)+".json")
}

func (s *fileStore) lock(kind Kind) (*sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	l := s.locks[kind]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[kind] = l
	}
	return l, nil
}

func (s *fileStore) Read(ctx context.Context, kind Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := s.lock(kind)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	b, err := os.ReadFile(s.path(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *fileStore) Write(ctx context.Context, kind Kind, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := s.lock(kind)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	target := s.path(kind)
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Debug("document written", logx.String("kind", string(kind)), logx.Int("bytes", len(data)))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
