// Copyright 2026 The Bastion Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Sink persists audit entries outside the engine's in-memory ring.
type Sink interface {
	Write(entry Entry) error
	Flush() error
	Close() error
}

// SinkOption configures a JSONLSink.
type SinkOption func(*sinkConfig)

type sinkConfig struct {
	fsync  bool
	logger *slog.Logger
}

// WithFsync configures whether writes call fsync before returning.
// Defaults to true: a lost audit entry is worse than a slow one.
func WithFsync(enabled bool) SinkOption {
	return func(cfg *sinkConfig) {
		cfg.fsync = enabled
	}
}

// WithLogger sets the logger for sink operations.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) SinkOption {
	return func(cfg *sinkConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// JSONLSink is an append-only JSONL audit sink with hash chaining.
// Each written entry's hash incorporates the previous entry's hash,
// so any tampering with past lines is detectable.
type JSONLSink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastHash string
	fsync    bool
	closed   bool
	logger   *slog.Logger
}

// NewJSONLSink opens (or creates) the JSONL file at path for appending.
// If the file already holds entries, the chain resumes from the last line's
// hash.
func NewJSONLSink(path string, opts ...SinkOption) (*JSONLSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: sink path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create sink dir: %w", err)
	}

	cfg := sinkConfig{fsync: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	lastHash, _ := readLastLineHash(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open sink file: %w", err)
	}

	return &JSONLSink{
		path:     path,
		file:     f,
		lastHash: lastHash,
		fsync:    cfg.fsync,
		logger:   cfg.logger,
	}, nil
}

// Write appends one entry, extending the hash chain.
func (s *JSONLSink) Write(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit: sink is closed")
	}

	entry.PrevHash = s.lastHash
	if err := entry.ComputeHash(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	if s.fsync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("audit: fsync: %w", err)
		}
	}

	s.lastHash = entry.Hash
	return nil
}

// Flush is a no-op for fsync-enabled sinks; otherwise it syncs the file.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.fsync {
		return nil
	}
	return s.file.Sync()
}

// Close flushes and closes the underlying file. Safe to call twice.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// Path returns the file this sink appends to.
func (s *JSONLSink) Path() string {
	return s.path
}

// readLastLineHash reads the last non-empty line of a JSONL file and extracts
// its "hash" field. Returns the hash and true if successful.
func readLastLineHash(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lastLine = line
		}
	}
	if lastLine == "" {
		return "", false
	}

	var partial struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal([]byte(lastLine), &partial); err != nil {
		return "", false
	}
	return partial.Hash, partial.Hash != ""
}

// VerifyChain re-reads the file and checks every entry's hash and linkage.
// Returns the number of verified entries, or an error naming the first
// broken entry.
func VerifyChain(path string) (int, error) {
	entries, _, err := ReadEntriesFromOffset(path, 0)
	if err != nil {
		return 0, err
	}

	prev := ""
	for i := range entries {
		e := entries[i]
		if e.PrevHash != prev {
			return i, fmt.Errorf("audit: entry %s: chain broken (prev_hash mismatch)", e.ID)
		}
		ok, err := e.VerifyHash()
		if err != nil {
			return i, err
		}
		if !ok {
			return i, fmt.Errorf("audit: entry %s: hash mismatch", e.ID)
		}
		prev = e.Hash
	}
	return len(entries), nil
}
