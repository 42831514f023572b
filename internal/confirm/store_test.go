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

package confirm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eklund/bastion/internal/policy"
)

func riskyOp(command string) policy.Operation {
	return policy.Operation{
		Type:    policy.OpExecute,
		Command: command,
		UserID:  "alice",
	}
}

func confirmVerdict() policy.Verdict {
	return policy.Verdict{
		RequiresConfirmation: true,
		Reason:               "High-risk operation requires explicit user confirmation",
		RiskLevel:            policy.RiskHigh,
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "confirmed", StatusConfirmed.String())
	assert.Equal(t, "rejected", StatusRejected.String())
	assert.Equal(t, "expired", StatusExpired.String())
	assert.Equal(t, "status(42)", Status(42).String())
}

func TestCreateAndConfirm(t *testing.T) {
	s := NewStore()
	defer s.Close()

	req, err := s.Create(riskyOp("terraform apply"), confirmVerdict())
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.True(t, req.ExpiresAt.After(req.CreatedAt))

	require.NoError(t, s.Resolve(req.ID, true, "alice"))

	select {
	case <-req.Done():
	default:
		t.Fatal("Done channel not closed after resolution")
	}

	got, ok := s.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.False(t, got.ResolvedAt.IsZero())
}

func TestResolveErrors(t *testing.T) {
	s := NewStore()
	defer s.Close()

	err := s.Resolve("nope", true, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown id")

	req, err := s.Create(riskyOp("terraform apply"), confirmVerdict())
	require.NoError(t, err)
	require.NoError(t, s.Resolve(req.ID, false, "alice"))

	err = s.Resolve(req.ID, true, "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already rejected")
}

func TestCreateDeduplicatesRetries(t *testing.T) {
	s := NewStore()
	defer s.Close()

	first, err := s.Create(riskyOp("terraform apply"), confirmVerdict())
	require.NoError(t, err)

	// Same type, target, and user within the window lands on the same request.
	retry, err := s.Create(riskyOp("terraform apply"), confirmVerdict())
	require.NoError(t, err)
	assert.Equal(t, first.ID, retry.ID)

	// A different user is a different request.
	op := riskyOp("terraform apply")
	op.UserID = "bob"
	other, err := s.Create(op, confirmVerdict())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// Resolution frees the slot: the next identical operation gets a new id.
	require.NoError(t, s.Resolve(first.ID, false, "alice"))
	fresh, err := s.Create(riskyOp("terraform apply"), confirmVerdict())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestPendingOldestFirst(t *testing.T) {
	s := NewStore()
	defer s.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		req, err := s.Create(riskyOp(fmt.Sprintf("task %d", i)), confirmVerdict())
		require.NoError(t, err)
		ids = append(ids, req.ID)
		time.Sleep(2 * time.Millisecond)
	}

	pending := s.Pending()
	require.Len(t, pending, 3)
	for i, req := range pending {
		assert.Equal(t, ids[i], req.ID)
	}
}

func TestExpiry(t *testing.T) {
	expired := make(chan *Request, 1)
	s := NewStore(
		WithTimeout(20*time.Millisecond),
		WithExpireCallback(func(req *Request) { expired <- req }),
	)
	defer s.Close()

	req, err := s.Create(riskyOp("terraform apply"), confirmVerdict())
	require.NoError(t, err)

	select {
	case got := <-expired:
		assert.Equal(t, req.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expire callback never fired")
	}

	got, ok := s.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, "timeout", got.ResolvedBy)

	// An expired request cannot be resolved after the fact.
	err = s.Resolve(req.ID, true, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already expired")
}

func TestCleanupDropsResolved(t *testing.T) {
	s := NewStore()
	defer s.Close()

	resolved, err := s.Create(riskyOp("task a"), confirmVerdict())
	require.NoError(t, err)
	require.NoError(t, s.Resolve(resolved.ID, true, "alice"))

	open, err := s.Create(riskyOp("task b"), confirmVerdict())
	require.NoError(t, err)

	removed := s.Cleanup(0)
	assert.Equal(t, 1, removed)

	_, ok := s.Get(resolved.ID)
	assert.False(t, ok)
	_, ok = s.Get(open.ID)
	assert.True(t, ok)
}

func TestPendingCap(t *testing.T) {
	s := NewStore()
	defer s.Close()

	for i := 0; i < maxPending; i++ {
		_, err := s.Create(riskyOp(fmt.Sprintf("task %d", i)), confirmVerdict())
		require.NoError(t, err)
	}

	_, err := s.Create(riskyOp("one too many"), confirmVerdict())
	assert.ErrorIs(t, err, ErrTooManyPending)
}
