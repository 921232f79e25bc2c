package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// maxRecordSize bounds a single length-prefixed record. Anything larger is
// treated as corruption rather than allocated blindly.
const maxRecordSize = 16 << 20

// FileStorage is an append-only file-backed Storage. Each record is a
// 4-byte big-endian length prefix followed by the JSON-encoded entry.
// On open, a partially written trailing record (a crash mid-append) is
// truncated away so the log recovers to its last complete entry.
type FileStorage struct {
	mu      sync.RWMutex
	f       *os.File
	entries []*Entry // in-memory mirror for reads
	logger  *zap.Logger
}

// OpenFileStorage opens or creates the audit log file at path and replays
// its records.
func OpenFileStorage(path string, logger *zap.Logger) (*FileStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s := &FileStorage{f: f, logger: logger}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// replay loads every complete record and truncates a torn tail.
func (s *FileStorage) replay() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek audit log: %w", err)
	}

	var offset int64
	var lenBuf [4]byte
	for {
		n, err := io.ReadFull(s.f, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return s.truncate(offset, "torn length prefix")
		}
		if err != nil {
			return fmt.Errorf("read audit record length: %w", err)
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size == 0 || size > maxRecordSize {
			return fmt.Errorf("audit record at offset %d has bad length %d", offset, size)
		}

		buf := make([]byte, size)
		if _, err := io.ReadFull(s.f, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return s.truncate(offset, "torn record body")
			}
			return fmt.Errorf("read audit record: %w", err)
		}

		e := &Entry{}
		if err := json.Unmarshal(buf, e); err != nil {
			return fmt.Errorf("decode audit record at offset %d: %w", offset, err)
		}
		s.entries = append(s.entries, e)
		offset += int64(n) + int64(size)
	}
	return nil
}

func (s *FileStorage) truncate(offset int64, reason string) error {
	s.logger.Warn("truncating incomplete audit log tail",
		zap.Int64("offset", offset),
		zap.String("reason", reason),
	)
	if err := s.f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate audit log: %w", err)
	}
	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek audit log: %w", err)
	}
	return nil
}

// Append implements Storage. The record is flushed to stable storage
// before Append returns.
func (s *FileStorage) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.entries)); e.Seq != want {
		return fmt.Errorf("append out of order: got seq %d, want %d", e.Seq, want)
	}

	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if len(buf) > maxRecordSize {
		return fmt.Errorf("audit record too large: %d bytes", len(buf))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := s.f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}

	s.entries = append(s.entries, e)
	return nil
}

// Get implements Storage.
func (s *FileStorage) Get(_ context.Context, seq uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return nil, fmt.Errorf("%w: seq %d", ErrSeqNotFound, seq)
	}
	return s.entries[seq], nil
}

// Len implements Storage.
func (s *FileStorage) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

// Scan implements Storage.
func (s *FileStorage) Scan(ctx context.Context, from uint64, fn func(*Entry) error) error {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	for _, e := range entries {
		if e.Seq < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Storage.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}
