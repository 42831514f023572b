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

// Package sdk provides the public API for integrating Bastion into
// agent runtimes.
//
// The SDK wraps tool functions with auto-approval checks. When a wrapped
// function is called, Bastion evaluates the operation and either lets it
// proceed, returns *ErrConfirmationRequired so the runtime can escalate to
// a human, or returns *ErrDenied.
//
// Basic usage:
//
//	guard, err := sdk.NewGuard("bastion.yaml", "/workspace")
//	safeExec := guard.WrapExecute(unsafeExec)
//	result, err := safeExec(ctx, map[string]any{"command": "git push"})
//	// If denied: err is *ErrDenied
package sdk

import "fmt"

// ErrDenied is returned when an operation is blocked.
// It carries the operation type and a human-readable reason.
type ErrDenied struct {
	// Operation is the operation type that was blocked (e.g., "execute").
	Operation string

	// Message is a human-readable reason for the denial.
	Message string

	// RiskLevel is the resolved risk level, if risk assessment ran.
	RiskLevel string
}

// Error implements the error interface.
func (e *ErrDenied) Error() string {
	if e.RiskLevel != "" {
		return fmt.Sprintf("bastion: denied %q (%s risk): %s", e.Operation, e.RiskLevel, e.Message)
	}
	return fmt.Sprintf("bastion: denied %q: %s", e.Operation, e.Message)
}

// ErrConfirmationRequired is returned when an operation needs explicit
// human approval before it may proceed. It is not a denial: the runtime
// should surface the reason and risk factors to the user and re-submit
// after approval with confirmation handled out of band.
type ErrConfirmationRequired struct {
	// Operation is the operation type awaiting confirmation.
	Operation string

	// Message is the human-readable reason.
	Message string

	// RiskFactors explains what drove the risk score up.
	RiskFactors []string
}

// Error implements the error interface.
func (e *ErrConfirmationRequired) Error() string {
	return fmt.Sprintf("bastion: %q requires confirmation: %s", e.Operation, e.Message)
}
