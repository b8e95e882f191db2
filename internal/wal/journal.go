// Package wal is the spill journal: an append-only file of queue entries
// that could not be written to the local store. Entries are replayed into
// the store by Drain, which truncates the journal in the same step.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gestor360/internal/store"
)

const defaultMaxFileSize = 16 * 1024 * 1024 // 16MB

var ErrJournalFull = errors.New("journal is full")

type Journal struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	size        int64
	maxFileSize int64
}

func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	return &Journal{
		path:        path,
		file:        f,
		size:        info.Size(),
		maxFileSize: defaultMaxFileSize,
	}, nil
}

// SetMaxSize changes the capacity; appends beyond it fail with ErrJournalFull.
func (j *Journal) SetMaxSize(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.maxFileSize = n
}

// Append writes one entry and syncs it to disk.
func (j *Journal) Append(e store.QueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal is closed")
	}
	if j.size+int64(len(data)) > j.maxFileSize {
		return ErrJournalFull
	}
	n, err := j.file.Write(data)
	j.size += int64(n)
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// ReadAll returns the journaled entries in append order. A torn final line
// (crash mid-write) is ignored.
func (j *Journal) ReadAll() ([]store.QueueEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readAll()
}

// Drain hands the journaled entries to restore and truncates the journal once
// restore succeeds. Appends wait until Drain returns, so none can land between
// the read and the truncate.
func (j *Journal) Drain(restore func([]store.QueueEntry) error) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, fmt.Errorf("journal is closed")
	}
	entries, err := j.readAll()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := restore(entries); err != nil {
		return 0, err
	}
	if err := j.reset(); err != nil {
		return len(entries), err
	}
	return len(entries), nil
}

func (j *Journal) readAll() ([]store.QueueEntry, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var entries []store.QueueEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), int(defaultMaxFileSize))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e store.QueueEntry
		if err := json.Unmarshal(line, &e); err != nil {
			if !bytes.HasSuffix(data, []byte{'\n'}) && bytes.HasSuffix(data, line) {
				break
			}
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

func (j *Journal) reset() error {
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.size = 0
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
