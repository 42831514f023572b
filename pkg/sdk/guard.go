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

package sdk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eklund/bastion/internal/policy"
)

// contextKey is an unexported type for context keys, preventing collisions
// with keys from other packages.
type contextKey string

const (
	// UserKey is the context key for the user identifier.
	UserKey contextKey = "bastion-user"

	// SessionKey is the context key for the session identifier.
	SessionKey contextKey = "bastion-session"

	defaultUser    = "unknown-user"
	defaultSession = "unknown-session"
)

// ToolFunc is a runtime tool function wrapped by Bastion approval checks.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// Guard wraps the decision engine for agent runtime integrations.
type Guard struct {
	engine *policy.Engine
	logger *slog.Logger
}

// NewGuard creates a Guard from a settings file path and workspace root.
func NewGuard(settingsPath, workspaceRoot string) (*Guard, error) {
	e, err := policy.NewFromStore(policy.NewFileStore(settingsPath), workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("sdk: create engine: %w", err)
	}
	return &Guard{engine: e, logger: slog.Default()}, nil
}

// NewGuardFromEngine wraps an existing engine, sharing its audit log,
// rate-limit counters, and emergency stop with other surfaces.
func NewGuardFromEngine(e *policy.Engine) *Guard {
	return &Guard{engine: e, logger: slog.Default()}
}

// Engine exposes the underlying decision engine, e.g. to flip the
// emergency stop from runtime code.
func (g *Guard) Engine() *policy.Engine {
	return g.engine
}

// Wrap returns an approval-enforced wrapper for a tool function handling
// operations of the given type. Params are mapped onto the operation:
// "path" (or "file_path") becomes the file path, "command" the shell
// command.
func (g *Guard) Wrap(opType policy.OpType, fn ToolFunc) ToolFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		start := time.Now()
		op := buildOperation(ctx, opType, params)
		v := g.engine.Decide(op)

		g.logger.Info("sdk: operation evaluated",
			"operation", opType,
			"user", op.UserID,
			"session", op.SessionID,
			"approved", v.Approved,
			"eval_duration", time.Since(start),
		)

		if v.RequiresConfirmation {
			return nil, &ErrConfirmationRequired{
				Operation:   string(opType),
				Message:     v.Reason,
				RiskFactors: v.RiskFactors,
			}
		}
		if !v.Approved {
			return nil, &ErrDenied{
				Operation: string(opType),
				Message:   v.Reason,
				RiskLevel: string(v.RiskLevel),
			}
		}

		result, err := fn(ctx, params)
		g.logger.Info("sdk: operation completed",
			"operation", opType,
			"total_duration", time.Since(start),
			"error", err,
		)
		return result, err
	}
}

// WrapRead is shorthand for Wrap(policy.OpRead, fn).
func (g *Guard) WrapRead(fn ToolFunc) ToolFunc { return g.Wrap(policy.OpRead, fn) }

// WrapWrite is shorthand for Wrap(policy.OpWrite, fn).
func (g *Guard) WrapWrite(fn ToolFunc) ToolFunc { return g.Wrap(policy.OpWrite, fn) }

// WrapExecute is shorthand for Wrap(policy.OpExecute, fn).
func (g *Guard) WrapExecute(fn ToolFunc) ToolFunc { return g.Wrap(policy.OpExecute, fn) }

// Preflight checks whether an operation would be approved without executing
// anything. The check still consumes rate-limit budget on approval and
// records an audit entry, so the answer it gives is the answer a real
// submission would have gotten.
func (g *Guard) Preflight(ctx context.Context, opType policy.OpType, params map[string]any) PreflightResult {
	op := buildOperation(ctx, opType, params)
	v := g.engine.Decide(op)

	return PreflightResult{
		Approved:             v.Approved,
		RequiresConfirmation: v.RequiresConfirmation,
		Reason:               v.Reason,
		RiskLevel:            string(v.RiskLevel),
		RiskFactors:          v.RiskFactors,
	}
}

// PreflightResult is the outcome of a preflight approval check.
type PreflightResult struct {
	// Approved is true if the operation would proceed.
	Approved bool

	// RequiresConfirmation is true if a human must approve first.
	RequiresConfirmation bool

	// Reason is the human-readable explanation.
	Reason string

	// RiskLevel is the resolved risk level, if risk assessment ran.
	RiskLevel string

	// RiskFactors explains each risk score contribution.
	RiskFactors []string
}

// buildOperation creates a policy.Operation from context and tool params.
func buildOperation(ctx context.Context, opType policy.OpType, params map[string]any) policy.Operation {
	op := policy.Operation{
		Type:      opType,
		UserID:    valueOrDefault(ctx, UserKey, defaultUser),
		SessionID: valueOrDefault(ctx, SessionKey, defaultSession),
		Timestamp: time.Now(),
	}

	if path, ok := params["path"].(string); ok {
		op.FilePath = path
	} else if path, ok := params["file_path"].(string); ok {
		op.FilePath = path
	}
	if command, ok := params["command"].(string); ok {
		op.Command = command
	}
	return op
}

// valueOrDefault returns a context string value for key, or fallback.
func valueOrDefault(ctx context.Context, key contextKey, fallback string) string {
	if ctx == nil {
		return fallback
	}

	value, _ := ctx.Value(key).(string)
	if value == "" {
		return fallback
	}

	return value
}
