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

// Package audit records the outcome of every auto-approval decision.
//
// The engine keeps a bounded in-memory ring of recent entries for policy
// feedback (the frequency risk term) and operator queries. Persistence is
// deliberately left to an external sink: JSONLSink appends entries to a
// hash-chained JSONL file so that tampering with past decisions is
// detectable.
package audit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Decision is the recorded outcome of one engine decision or control action.
type Decision string

const (
	// DecisionApproved marks an operation that was auto-approved.
	DecisionApproved Decision = "approved"

	// DecisionDenied marks an operation the engine refused.
	DecisionDenied Decision = "denied"

	// DecisionRequiresConfirmation marks a high-risk operation handed back
	// to a human. Not a denial: the caller re-prompts and resubmits.
	DecisionRequiresConfirmation Decision = "requires_confirmation"

	// DecisionActivated records an emergency stop activation.
	DecisionActivated Decision = "activated"

	// DecisionDeactivated records an emergency stop deactivation.
	DecisionDeactivated Decision = "deactivated"
)

// Entry is an immutable record of one past decision.
//
// Entries are written to the JSONL sink one per line. The hash chain fields
// are populated by the sink; the in-memory ring leaves them empty.
type Entry struct {
	// ID is a ULID assigned when the entry is recorded.
	ID string `json:"id"`

	// Timestamp is when the decision was made (UTC).
	Timestamp time.Time `json:"timestamp"`

	// OperationID correlates this entry with the submitted operation.
	// Best-effort only: derived ids can collide under identical
	// millisecond timestamps.
	OperationID string `json:"operation_id,omitempty"`

	// OpType is the operation type ("read", "execute", ...).
	OpType string `json:"operation"`

	// FilePath is the target path for file-touching operations.
	FilePath string `json:"file_path,omitempty"`

	// Command is the shell command for execute operations.
	Command string `json:"command,omitempty"`

	// UserID and SessionID are caller-supplied correlation identifiers.
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Decision is the outcome.
	Decision Decision `json:"decision"`

	// Reason is the human-readable explanation attached to the verdict.
	Reason string `json:"reason"`

	// RiskLevel is the resolved risk level, if risk assessment ran.
	RiskLevel string `json:"risk_level,omitempty"`

	// PrevHash is the hash of the preceding entry in the JSONL chain.
	// Empty for the first entry and for in-memory entries.
	PrevHash string `json:"prev_hash,omitempty"`

	// Hash is the SHA-256 hash of this entry (excluding the hash field).
	Hash string `json:"hash,omitempty"`
}

// ComputeHash calculates the SHA-256 hash for this entry.
//
// The hash covers all fields except Hash itself, with PrevHash prepended
// to the marshaled payload to form the chain:
//
//	hash(entry_N) = SHA-256(prev_hash + json(entry_N without hash))
func (e *Entry) ComputeHash() error {
	e.Hash = ""

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry for hashing: %w", err)
	}

	payload := append([]byte(e.PrevHash), data...)
	h := sha256.Sum256(payload)
	e.Hash = "sha256:" + hex.EncodeToString(h[:])
	return nil
}

// VerifyHash checks whether the entry's hash is correct.
func (e *Entry) VerifyHash() (bool, error) {
	expected := e.Hash

	if err := e.ComputeHash(); err != nil {
		return false, err
	}
	computed := e.Hash
	e.Hash = expected

	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
}
