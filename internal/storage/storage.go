// Package storage provides persistent and in-memory storage for delivery
// records.
//
// This package implements a two-tier storage system:
//  1. JSON array file for persistence (survives restarts, shared with the
//     importer and other tools)
//  2. In-memory copy for fast reads by the API and the orchestrator
//
// Thread-safety:
//   - One coarse mutex guards the in-memory copy and every file operation
//   - An advisory flock on "<file>.lock" serialises writers across processes
//   - Writes go to a temp file and are renamed over the original
//
// Read-modify-write goes through Update, which re-reads the file under the
// lock so concurrent writers never clobber each other's fields for a
// different record. Two writers touching the same record are last-writer-wins.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"logimon/internal/delivery"
	"logimon/internal/logger"
)

// ErrNotFound is returned by Update when no record carries the index.
var ErrNotFound = errors.New("record not found")

// Store is a thread-safe JSON record store.
//
// Data flow:
//
//	Read:   file → Reload → in-memory copy → Get
//	Update: lock → read file → fn(record) → write file → refresh copy
//	Save:   in-memory copy → write file
type Store struct {
	mu       sync.Mutex
	path     string
	lockPath string
	records  []delivery.DeliveryRecord
	now      func() time.Time
	log      logger.Logger
}

// New creates a Store for path and loads existing records.
//
// A missing file is normal on first run and yields an empty store; it is
// created on the first write.
func New(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		now:      time.Now,
		log:      log,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns a copy of all records in file order.
func (s *Store) Get() []delivery.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delivery.DeliveryRecord, len(s.records))
	for i := range s.records {
		out[i] = cloneRecord(s.records[i])
	}
	return out
}

// Record returns a copy of the record with the given index.
func (s *Store) Record(index string) (delivery.DeliveryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := delivery.Find(s.records, index)
	if !ok {
		return delivery.DeliveryRecord{}, false
	}
	return cloneRecord(*rec), true
}

// Reload replaces the in-memory copy with the file contents.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(syscall.LOCK_SH, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		s.records = records
		s.log.Debugf("📚 Loaded %d records from %s", len(records), s.path)
		return nil
	})
}

// Save writes the in-memory copy to the file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(syscall.LOCK_EX, func() error {
		return s.write(s.records)
	})
}

// Append adds a record and persists the collection.
func (s *Store) Append(rec delivery.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(syscall.LOCK_EX, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		if _, exists := delivery.Find(records, rec.Index); exists {
			return fmt.Errorf("append record %s: index already present", rec.Index)
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = s.now()
		}
		records = append(records, cloneRecord(rec))
		if err := s.write(records); err != nil {
			return err
		}
		s.records = records
		return nil
	})
}

// Update applies fn to the record with the given index and persists the
// result, all under the store lock. An error from fn aborts the write.
func (s *Store) Update(index string, fn func(*delivery.DeliveryRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(syscall.LOCK_EX, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		rec, ok := delivery.Find(records, index)
		if !ok {
			return fmt.Errorf("update record %s: %w", index, ErrNotFound)
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.now()
		if err := s.write(records); err != nil {
			return err
		}
		s.records = records
		return nil
	})
}

// ReplaceAll overwrites the whole collection, used by the importer.
func (s *Store) ReplaceAll(records []delivery.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]delivery.DeliveryRecord, len(records))
	for i := range records {
		copied[i] = cloneRecord(records[i])
	}

	return s.withLock(syscall.LOCK_EX, func() error {
		if err := s.write(copied); err != nil {
			return err
		}
		s.records = copied
		s.log.Infof("✓ Stored %d records in %s", len(copied), s.path)
		return nil
	})
}

// ReadFile decodes a records file without opening a store, for imports.
func ReadFile(path string) ([]delivery.DeliveryRecord, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records file: %w", err)
	}
	return decode(content)
}

func (s *Store) withLock(lockType int, fn func() error) error {
	lock, err := s.acquireLock(lockType)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	return fn()
}

func (s *Store) acquireLock(lockType int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(lock.Fd()), lockType); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return lock, nil
}

func releaseLock(lock *os.File) {
	_ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
	_ = lock.Close()
}

func (s *Store) read() ([]delivery.DeliveryRecord, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []delivery.DeliveryRecord{}, nil
		}
		return nil, fmt.Errorf("read records file: %w", err)
	}
	return decode(content)
}

func decode(content []byte) ([]delivery.DeliveryRecord, error) {
	if len(content) == 0 {
		return []delivery.DeliveryRecord{}, nil
	}
	var records []delivery.DeliveryRecord
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, fmt.Errorf("parse records file: %w", err)
	}
	if records == nil {
		records = []delivery.DeliveryRecord{}
	}
	return records, nil
}

func (s *Store) write(records []delivery.DeliveryRecord) error {
	if records == nil {
		records = []delivery.DeliveryRecord{}
	}
	content, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func cloneRecord(r delivery.DeliveryRecord) delivery.DeliveryRecord {
	out := r
	out.LoadStops = slices.Clone(r.LoadStops)
	out.UnloadStops = slices.Clone(r.UnloadStops)
	out.Processed = slices.Clone(r.Processed)
	if r.RouteResult != nil {
		rr := *r.RouteResult
		out.RouteResult = &rr
	}
	return out
}
