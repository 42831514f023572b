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

package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/eklund/bastion/internal/audit"
	"github.com/eklund/bastion/internal/metrics"
)

// protectedWritePatterns are project files a write operation may not touch
// unless alwaysAllowWriteProtected is set. Static, validated by tests.
var protectedWritePatterns = []pathPattern{
	{regexp.MustCompile(`(^|/)package(-lock)?\.json$`), "package manifest"},
	{regexp.MustCompile(`(^|/)\.git(/|$)`), "git metadata"},
	{regexp.MustCompile(`(^|/)node_modules(/|$)`), "installed dependencies"},
	{regexp.MustCompile(`(^|/)\.env(\.|$)`), "environment secrets"},
}

// maxAssessmentCache bounds the per-id assessment cache. When full, the
// cache is cleared wholesale; entries are only reused within a decision
// and across immediate retries, so eviction precision does not matter.
const maxAssessmentCache = 512

// Engine decides whether agent-requested operations may proceed without
// human confirmation.
//
// Decide runs a fixed gate sequence, short-circuiting at the first failing
// gate:
//
//	emergency stop → rate limit → critical risk → high-risk confirmation →
//	per-type toggle → command allow/deny lists → path gates → approve
//
// Every decision records exactly one audit entry (while audit logging is
// enabled). Engine owns all of its state — settings, rate-limit counters,
// audit ring, emergency stop — so tests can run isolated instances in
// parallel. It is safe for concurrent use.
type Engine struct {
	// decideMu serializes Decide so that a rate-limit check and the
	// tracking update for the resulting approval are atomic. Without it
	// two concurrent calls could both pass the check at the cap.
	decideMu sync.Mutex

	mu            sync.RWMutex
	settings      Settings
	workspaceRoot string

	scorer  *Scorer
	limiter *RateLimiter
	stop    *EmergencyStop
	log     *audit.Log
	store   *FileStore

	assessMu    sync.Mutex
	assessments map[string]Assessment

	sink   audit.Sink
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the engine's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// WithSink attaches an external audit sink. Entries are written to the sink
// in addition to the in-memory ring; sink failures are logged, never
// surfaced as decision errors.
func WithSink(sink audit.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithAuditCapacity overrides the in-memory audit ring size.
func WithAuditCapacity(capacity int) Option {
	return func(e *Engine) {
		if capacity > 0 {
			e.log = audit.NewLog(capacity)
		}
	}
}

// New creates an engine with the given settings and workspace root.
// The workspace root is used only for lexical path-containment checks;
// the engine performs no filesystem I/O.
func New(settings Settings, workspaceRoot string, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		settings:      settings,
		workspaceRoot: workspaceRoot,
		stop:          &EmergencyStop{},
		log:           audit.NewLog(audit.DefaultCapacity),
		assessments:   make(map[string]Assessment),
		logger:        slog.Default(),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.limiter = NewRateLimiter(e.clock)
	e.scorer = NewScorer(workspaceRoot, e.log.CountSince, e.clock)

	e.logger.Info("policy: engine ready",
		"workspace", workspaceRoot,
		"risk_assessment", settings.RiskAssessmentEnabled,
		"max_per_hour", settings.MaxAutoApprovalsPerHour,
	)
	return e, nil
}

// NewFromStore creates an engine whose settings come from a file store,
// enabling Reload.
func NewFromStore(store *FileStore, workspaceRoot string, opts ...Option) (*Engine, error) {
	settings, err := store.Load()
	if err != nil {
		return nil, err
	}
	e, err := New(settings, workspaceRoot, opts...)
	if err != nil {
		return nil, err
	}
	e.store = store
	return e, nil
}

// Decide evaluates one operation and returns the verdict.
func (e *Engine) Decide(op Operation) Verdict {
	e.decideMu.Lock()
	defer e.decideMu.Unlock()

	started := e.clock()
	if op.Timestamp.IsZero() {
		op.Timestamp = started
	}
	if op.ID == "" {
		op.ID = deriveID(op, op.Timestamp)
	}

	e.mu.RLock()
	s := e.settings
	root := e.workspaceRoot
	e.mu.RUnlock()

	// Gate 1: emergency stop wins over everything.
	if s.EmergencyStopEnabled {
		if active, _ := e.stop.State(); active {
			return e.conclude(op, s, started, Verdict{Reason: "Emergency stop is active"})
		}
	}

	// Gate 2: rate limits. Check never consumes budget; only an approval
	// at gate 8 updates tracking.
	allowed, limitReason := e.limiter.Check(op.RateKey(),
		s.MaxAutoApprovalsPerHour,
		time.Duration(s.RequestDelaySeconds)*time.Second)
	if !allowed {
		metrics.IncRateLimited()
		return e.conclude(op, s, started, Verdict{Reason: limitReason})
	}

	// Gates 3 and 4: risk assessment.
	var (
		level   RiskLevel
		factors []string
	)
	if s.RiskAssessmentEnabled {
		a := e.assess(op, s)
		level, factors = a.Level, a.Factors

		if a.Level == RiskCritical {
			return e.conclude(op, s, started, Verdict{
				Reason:      "Operation deemed too risky",
				RiskLevel:   a.Level,
				RiskFactors: a.Factors,
			})
		}
		if a.Level == RiskHigh && s.RequireConfirmationForHighRisk {
			return e.conclude(op, s, started, Verdict{
				RequiresConfirmation: true,
				Reason:               "High-risk operation requires confirmation",
				RiskLevel:            a.Level,
				RiskFactors:          a.Factors,
			})
		}
	}

	// Gate 5: per-type toggle.
	typeOK, known := s.typeAllowed(op.Type)
	if !known {
		return e.conclude(op, s, started, Verdict{
			Reason:    fmt.Sprintf("Unknown operation type %q", op.Type),
			RiskLevel: level,
		})
	}
	if !typeOK {
		return e.conclude(op, s, started, Verdict{
			Reason:    fmt.Sprintf("Auto-approval is disabled for %s operations", op.Type),
			RiskLevel: level,
		})
	}

	// Gate 6: command deny/allow lists. Deny matches always win.
	if op.Type == OpExecute {
		if reason, blocked := checkCommandLists(s, op.Command); blocked {
			return e.conclude(op, s, started, Verdict{Reason: reason, RiskLevel: level})
		}
	}

	// Gate 7: path gates for file-touching operations.
	if (op.Type == OpRead || op.Type == OpWrite || op.Type == OpDelete) && op.FilePath != "" {
		if !PathInWorkspace(root, op.FilePath) && !s.outsideAllowed(op.Type) {
			return e.conclude(op, s, started, Verdict{
				Reason:    fmt.Sprintf("Path %s is outside the workspace", op.FilePath),
				RiskLevel: level,
			})
		}
		if op.Type == OpWrite && !s.AlwaysAllowWriteProtected {
			if label, protected := protectedPath(op.FilePath); protected {
				return e.conclude(op, s, started, Verdict{
					Reason:    fmt.Sprintf("Write to protected file %s (%s)", op.FilePath, label),
					RiskLevel: level,
				})
			}
		}
	}

	// Gate 8: approve.
	return e.conclude(op, s, started, Verdict{
		Approved:     true,
		AutoApproved: true,
		Reason:       "Auto-approved",
		RiskLevel:    level,
		RiskFactors:  factors,
	})
}

// conclude finalizes a verdict: rate tracking on approval, one audit entry,
// metrics, and a debug log line.
func (e *Engine) conclude(op Operation, s Settings, started time.Time, v Verdict) Verdict {
	if v.Approved {
		e.limiter.Track(op.RateKey())
	}

	decision := audit.DecisionDenied
	switch {
	case v.Approved:
		decision = audit.DecisionApproved
	case v.RequiresConfirmation:
		decision = audit.DecisionRequiresConfirmation
	}

	if s.AuditLoggingEnabled {
		e.record(audit.Entry{
			Timestamp:   op.Timestamp.UTC(),
			OperationID: op.ID,
			OpType:      string(op.Type),
			FilePath:    op.FilePath,
			Command:     op.Command,
			UserID:      op.UserID,
			SessionID:   op.SessionID,
			Decision:    decision,
			Reason:      v.Reason,
			RiskLevel:   string(v.RiskLevel),
		})
	}

	metrics.ObserveDecision(string(op.Type), string(decision), string(v.RiskLevel), e.clock().Sub(started))

	e.logger.Debug("policy: decision",
		"operation", op.Type,
		"decision", decision,
		"reason", v.Reason,
		"risk_level", v.RiskLevel,
	)
	return v
}

// assess returns the cached assessment for the operation id, computing it
// once. Repeated submissions under new ids recompute fresh: the frequency
// and time-of-day terms are intentionally not stable across calls.
func (e *Engine) assess(op Operation, s Settings) Assessment {
	e.assessMu.Lock()
	defer e.assessMu.Unlock()

	if a, ok := e.assessments[op.ID]; ok {
		return a
	}

	a := e.scorer.Score(op, s.SafetyThresholds)
	if len(e.assessments) >= maxAssessmentCache {
		clear(e.assessments)
	}
	e.assessments[op.ID] = a
	return a
}

func (e *Engine) record(entry audit.Entry) {
	recorded := e.log.Record(entry)
	if e.sink != nil {
		if err := e.sink.Write(recorded); err != nil {
			e.logger.Error("policy: audit sink write failed", "error", err)
		}
	}
}

// checkCommandLists applies the deny list first (any case-insensitive
// substring match denies), then the allow list when non-empty.
func checkCommandLists(s Settings, command string) (string, bool) {
	lowered := strings.ToLower(command)

	for _, denied := range s.DeniedCommands {
		d := strings.ToLower(strings.TrimSpace(denied))
		if d == "" {
			continue
		}
		if strings.Contains(lowered, d) {
			return fmt.Sprintf("Command matches denied pattern %q", denied), true
		}
	}

	if len(s.AllowedCommands) == 0 {
		return "", false
	}
	for _, allowedPattern := range s.AllowedCommands {
		a := strings.ToLower(strings.TrimSpace(allowedPattern))
		if a == "" {
			continue
		}
		if a == "*" || strings.Contains(lowered, a) {
			return "", false
		}
	}
	return "Command does not match any allowed pattern", true
}

// protectedPath reports whether path matches a protected-file pattern.
func protectedPath(path string) (string, bool) {
	for _, p := range protectedWritePatterns {
		if p.re.MatchString(path) {
			return p.label, true
		}
	}
	return "", false
}

// ActivateEmergencyStop forces denial of all subsequent operations until
// deactivated. Records an audit entry with decision "activated".
func (e *Engine) ActivateEmergencyStop(reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}
	if !e.stop.Activate(reason) {
		return // already active
	}

	metrics.SetEmergencyStop(true)
	if e.CurrentSettings().AuditLoggingEnabled {
		e.record(audit.Entry{
			Timestamp: e.clock().UTC(),
			OpType:    "emergency_stop",
			Decision:  audit.DecisionActivated,
			Reason:    reason,
		})
	}
	e.logger.Warn("policy: emergency stop activated", "reason", reason)
}

// DeactivateEmergencyStop clears the stop. Records an audit entry with
// decision "deactivated".
func (e *Engine) DeactivateEmergencyStop() {
	if !e.stop.Deactivate() {
		return
	}

	metrics.SetEmergencyStop(false)
	if e.CurrentSettings().AuditLoggingEnabled {
		e.record(audit.Entry{
			Timestamp: e.clock().UTC(),
			OpType:    "emergency_stop",
			Decision:  audit.DecisionDeactivated,
			Reason:    "emergency stop cleared",
		})
	}
	e.logger.Info("policy: emergency stop deactivated")
}

// EmergencyStopActive reports the stop state and reason.
func (e *Engine) EmergencyStopActive() (bool, string) {
	return e.stop.State()
}

// EmergencyStopActivations returns the activation counter.
func (e *Engine) EmergencyStopActivations() int {
	return e.stop.Activations()
}

// CurrentSettings returns a copy of the active settings.
func (e *Engine) CurrentSettings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdateSettings replaces the active settings. Invalid settings are
// rejected and the previous configuration stays active.
func (e *Engine) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()

	e.logger.Info("policy: settings updated")
	return nil
}

// Reload re-reads the settings file and replaces the active configuration.
// Only available for engines created via NewFromStore.
func (e *Engine) Reload() error {
	if e.store == nil {
		return fmt.Errorf("policy: engine has no settings store")
	}
	s, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("policy: reload failed: %w", err)
	}
	return e.UpdateSettings(s)
}

// RecordResolution writes the audit entry for a human verdict on an
// operation that previously required confirmation. Confirmed operations are
// recorded as approved but are not counted against the auto-approval rate
// budget: the budget governs unattended approvals only.
func (e *Engine) RecordResolution(op Operation, confirmed bool, resolvedBy string) {
	s := e.CurrentSettings()
	if !s.AuditLoggingEnabled {
		return
	}

	decision := audit.DecisionDenied
	reason := fmt.Sprintf("Rejected by %s", resolvedBy)
	if confirmed {
		decision = audit.DecisionApproved
		reason = fmt.Sprintf("Confirmed by %s", resolvedBy)
	}

	e.record(audit.Entry{
		Timestamp:   e.clock().UTC(),
		OperationID: op.ID,
		OpType:      string(op.Type),
		FilePath:    op.FilePath,
		Command:     op.Command,
		UserID:      op.UserID,
		SessionID:   op.SessionID,
		Decision:    decision,
		Reason:      reason,
	})
}

// AuditLog returns past decisions matching the filter, newest first.
func (e *Engine) AuditLog(f audit.Filter) []audit.Entry {
	return e.log.Query(f, e.clock())
}

// SessionStats summarizes retained audit entries.
func (e *Engine) SessionStats() audit.Stats {
	return e.log.Stats()
}

// WorkspaceRoot returns the configured workspace root.
func (e *Engine) WorkspaceRoot() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workspaceRoot
}
