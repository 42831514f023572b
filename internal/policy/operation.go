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

// Package policy implements Bastion's auto-approval decision engine.
//
// The engine scores the risk of an agent-requested operation against
// configurable thresholds, rate limits, and allow/deny lists, and decides
// whether the agent may proceed without human confirmation. Evaluation runs
// through a fixed gate sequence; the first failing gate wins and produces a
// denial (or a requires-confirmation verdict for high-risk operations).
//
// Every outcome is a returned Verdict, never an error: the calling
// orchestrator can always render a decision to the user without exception
// paths.
package policy

import (
	"fmt"
	"hash/fnv"
	"time"
)

// OpType identifies the kind of operation an agent is requesting.
type OpType string

const (
	OpRead       OpType = "read"
	OpWrite      OpType = "write"
	OpExecute    OpType = "execute"
	OpDelete     OpType = "delete"
	OpBrowser    OpType = "browser"
	OpMCP        OpType = "mcp"
	OpModeSwitch OpType = "mode_switch"
	OpSubtask    OpType = "subtask"
	OpFollowup   OpType = "followup"
	OpTodoUpdate OpType = "todo_update"
	OpResubmit   OpType = "resubmit"
)

// Known reports whether t is one of the recognized operation types.
func (t OpType) Known() bool {
	switch t {
	case OpRead, OpWrite, OpExecute, OpDelete, OpBrowser, OpMCP,
		OpModeSwitch, OpSubtask, OpFollowup, OpTodoUpdate, OpResubmit:
		return true
	default:
		return false
	}
}

// Operation describes a pending agent action submitted for approval.
// It is constructed by the caller and never mutated by the engine.
type Operation struct {
	// ID correlates the operation with its audit entry. Optional: when
	// absent the engine derives one from type, target, and timestamp.
	ID string `json:"id,omitempty"`

	// Type is the operation kind.
	Type OpType `json:"type"`

	// FilePath is the target path for file-touching operations.
	FilePath string `json:"filePath,omitempty"`

	// Command is the shell command for execute operations.
	Command string `json:"command,omitempty"`

	// UserID and SessionID are optional correlation identifiers.
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Timestamp is when the operation was submitted. Zero means "now".
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RateKey returns the rate-limiter key for this operation:
// "type:userID", with "default" standing in for an absent user.
func (op Operation) RateKey() string {
	user := op.UserID
	if user == "" {
		user = "default"
	}
	return string(op.Type) + ":" + user
}

// target returns the path or command the operation acts on, for id
// derivation and audit summaries.
func (op Operation) target() string {
	if op.Command != "" {
		return op.Command
	}
	return op.FilePath
}

// deriveID builds a best-effort correlation id from the operation's type,
// target, and millisecond timestamp. Not cryptographically unique: two
// identical operations in the same millisecond collide, which is acceptable
// for audit linking.
func deriveID(op Operation, at time.Time) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%d", op.Type, op.target(), at.UnixMilli())
	return fmt.Sprintf("op-%x", h.Sum64())
}

// Verdict is the engine's decision output.
//
// Exactly one of three shapes is produced:
//   - approved:  Approved=true, AutoApproved=true
//   - denied:    Approved=false, RequiresConfirmation=false
//   - confirm:   Approved=false, RequiresConfirmation=true (caller must
//     re-prompt a human; this is not a denial)
type Verdict struct {
	// Approved reports whether the operation may proceed unattended.
	Approved bool `json:"approved"`

	// AutoApproved is set on approvals to distinguish them from
	// human-confirmed resubmissions.
	AutoApproved bool `json:"autoApproved,omitempty"`

	// RequiresConfirmation is set when a high-risk operation needs a
	// human decision before proceeding.
	RequiresConfirmation bool `json:"requiresConfirmation,omitempty"`

	// Reason is a human-readable explanation suitable for direct display.
	Reason string `json:"reason"`

	// RiskLevel is the resolved risk level, when risk assessment ran.
	RiskLevel RiskLevel `json:"riskLevel,omitempty"`

	// RiskFactors lists the score contributions, for the confirmation UI.
	RiskFactors []string `json:"riskFactors,omitempty"`
}

// Denied reports whether the operation was hard-denied (not merely held
// for confirmation).
func (v Verdict) Denied() bool {
	return !v.Approved && !v.RequiresConfirmation
}
