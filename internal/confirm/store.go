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

// Package confirm holds high-risk operations that the engine handed back
// for human confirmation.
//
// When a verdict requires confirmation, the serve loop parks the operation
// here under a unique ID. A human confirms or rejects it through a control
// verb, or the request expires and is treated as a rejection.
package confirm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eklund/bastion/internal/policy"
)

// dedupWindow is how long an identical pending request suppresses a new one.
// Agents retry on timeout; a retry should land on the existing request.
const dedupWindow = 60 * time.Second

// Status is the state of a confirmation request.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request is one operation waiting for a human verdict.
type Request struct {
	// ID is a unique identifier (ULID).
	ID string

	// Operation is the original operation the engine evaluated.
	Operation policy.Operation

	// Verdict is the engine verdict that asked for confirmation.
	Verdict policy.Verdict

	// Status is the current state.
	Status Status

	// CreatedAt is when the request was parked.
	CreatedAt time.Time

	// ExpiresAt is when the request times out.
	ExpiresAt time.Time

	// ResolvedAt is when the request left the pending state.
	ResolvedAt time.Time

	// ResolvedBy names who resolved it (a user id, "cli", or "timeout").
	ResolvedBy string

	// dedupKey is the SHA-256 of type+target+user, for retry collapsing.
	dedupKey string

	// done is closed on resolution.
	done chan struct{}
}

// Done returns a channel that is closed when the request is resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Store holds pending confirmation requests.
type Store struct {
	mu       sync.Mutex
	pending  map[string]*Request
	timeout  time.Duration
	onExpire func(*Request)
	stop     chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets how long a request stays pending before expiring.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithExpireCallback sets a callback invoked when a request expires.
func WithExpireCallback(fn func(*Request)) Option {
	return func(s *Store) {
		s.onExpire = fn
	}
}

// NewStore creates a confirmation store. A background goroutine drops
// resolved requests every 5 minutes; call Close to stop it.
func NewStore(opts ...Option) *Store {
	s := &Store{
		pending: make(map[string]*Request),
		timeout: 5 * time.Minute,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Cleanup(10 * time.Minute)
			case <-s.stop:
				return
			}
		}
	}()

	return s
}

// Close stops the background cleanup goroutine.
func (s *Store) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// maxPending caps the number of simultaneously pending requests so a flood
// of high-risk operations cannot exhaust memory.
const maxPending = 1000

// ErrTooManyPending is returned when the pending request limit is reached.
var ErrTooManyPending = fmt.Errorf("confirm: too many pending requests (limit: %d)", maxPending)

func dedupKey(op policy.Operation) string {
	target := op.Command
	if target == "" {
		target = op.FilePath
	}
	h := sha256.Sum256([]byte(string(op.Type) + "\x00" + target + "\x00" + op.UserID))
	return hex.EncodeToString(h[:])
}

// Create parks an operation and returns the pending request.
//
// If an identical request (same type, target, and user) is already pending
// and younger than the dedup window, that request is returned instead of a
// duplicate.
func (s *Store) Create(op policy.Operation, v policy.Verdict) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := dedupKey(op)

	for _, req := range s.pending {
		if req.Status == StatusPending && req.dedupKey == key && now.Sub(req.CreatedAt) < dedupWindow {
			return req, nil
		}
	}

	pendingCount := 0
	for _, req := range s.pending {
		if req.Status == StatusPending {
			pendingCount++
		}
	}
	if pendingCount >= maxPending {
		return nil, ErrTooManyPending
	}

	req := &Request{
		ID:        ulid.Make().String(),
		Operation: op,
		Verdict:   v,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.timeout),
		dedupKey:  key,
		done:      make(chan struct{}),
	}
	s.pending[req.ID] = req

	go s.watchExpiry(req)

	return req, nil
}

// Resolve confirms or rejects a pending request.
// Returns an error if the id is unknown or the request is already resolved.
func (s *Store) Resolve(id string, confirmed bool, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[id]
	if !ok {
		return fmt.Errorf("confirm: unknown id %q", id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("confirm: %s is already %s", id, req.Status)
	}

	if confirmed {
		req.Status = StatusConfirmed
	} else {
		req.Status = StatusRejected
	}
	req.ResolvedAt = time.Now()
	req.ResolvedBy = resolvedBy

	close(req.done)
	return nil
}

// Get returns a request by ID.
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[id]
	return req, ok
}

// Pending returns all pending requests, oldest first.
func (s *Store) Pending() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Request, 0, len(s.pending))
	for _, req := range s.pending {
		if req.Status == StatusPending {
			result = append(result, req)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Cleanup removes resolved requests older than the given age and returns
// how many were removed.
func (s *Store) Cleanup(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, req := range s.pending {
		if req.Status != StatusPending && req.ResolvedAt.Before(cutoff) {
			delete(s.pending, id)
			removed++
		}
	}
	return removed
}

func (s *Store) watchExpiry(req *Request) {
	timer := time.NewTimer(time.Until(req.ExpiresAt))
	defer timer.Stop()

	select {
	case <-req.done:
		return
	case <-s.stop:
		return
	case <-timer.C:
		s.mu.Lock()
		if req.Status == StatusPending {
			req.Status = StatusExpired
			req.ResolvedAt = time.Now()
			req.ResolvedBy = "timeout"
			close(req.done)

			if s.onExpire != nil {
				go s.onExpire(req)
			}
		}
		s.mu.Unlock()
	}
}
