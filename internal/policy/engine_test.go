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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eklund/bastion/internal/audit"
)

// noon is a fixed clock anchor at midday so the time-of-day risk term
// stays out of tests that don't target it.
var noon = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

// testClock is an adjustable clock for deterministic rate-limit and
// frequency behavior.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// permissiveSettings enables every per-type toggle with no deny list, so
// individual tests can target one gate at a time.
func permissiveSettings() Settings {
	s := DefaultSettings()
	s.AlwaysAllowReadOnly = true
	s.AlwaysAllowReadOnlyOutsideWorkspace = true
	s.AlwaysAllowWrite = true
	s.AlwaysAllowWriteOutsideWorkspace = true
	s.AlwaysAllowWriteProtected = true
	s.AlwaysAllowExecute = true
	s.AlwaysAllowBrowser = true
	s.AlwaysAllowMcp = true
	s.AlwaysAllowModeSwitch = true
	s.AlwaysAllowSubtasks = true
	s.AlwaysAllowFollowupQuestions = true
	s.AlwaysAllowUpdateTodoList = true
	s.AlwaysApproveResubmit = true
	s.DeniedCommands = nil
	return s
}

func newTestEngine(t *testing.T, s Settings, clock *testClock) *Engine {
	t.Helper()
	if clock == nil {
		clock = newTestClock(noon)
	}
	e, err := New(s, "/workspace", WithClock(clock.Now))
	require.NoError(t, err)
	return e
}

func readOp(path string) Operation {
	return Operation{Type: OpRead, FilePath: path, UserID: "u1", SessionID: "s1"}
}

func execOp(command string) Operation {
	return Operation{Type: OpExecute, Command: command, UserID: "u1", SessionID: "s1"}
}

func TestDecide_EmergencyStopWinsOverEverything(t *testing.T) {
	e := newTestEngine(t, permissiveSettings(), nil)
	e.ActivateEmergencyStop("operator pulled the cord")

	// Even the most benign operation is denied while the stop is active.
	got := e.Decide(readOp("/workspace/README.md"))
	assert.False(t, got.Approved)
	assert.False(t, got.RequiresConfirmation)
	assert.Equal(t, "Emergency stop is active", got.Reason)

	// Denials never consume rate budget.
	assert.Equal(t, 0, e.limiter.Count(Operation{Type: OpRead, UserID: "u1"}.RateKey()))

	e.DeactivateEmergencyStop()
	got = e.Decide(readOp("/workspace/README.md"))
	assert.True(t, got.Approved)
}

func TestDecide_EmergencyStopDisabledInSettings(t *testing.T) {
	s := permissiveSettings()
	s.EmergencyStopEnabled = false
	e := newTestEngine(t, s, nil)
	e.ActivateEmergencyStop("ignored")

	got := e.Decide(readOp("/workspace/README.md"))
	assert.True(t, got.Approved, "stop gate is skipped when emergencyStopEnabled is false")
}

func TestDecide_EmergencyStopAuditEntries(t *testing.T) {
	e := newTestEngine(t, permissiveSettings(), nil)

	e.ActivateEmergencyStop("runaway agent")
	e.ActivateEmergencyStop("second call is a no-op")
	e.DeactivateEmergencyStop()

	entries := e.AuditLog(audit.Filter{})
	require.Len(t, entries, 2)
	assert.Equal(t, audit.DecisionDeactivated, entries[0].Decision)
	assert.Equal(t, audit.DecisionActivated, entries[1].Decision)
	assert.Equal(t, "runaway agent", entries[1].Reason)
	assert.Equal(t, 1, e.EmergencyStopActivations())
}

func TestDecide_RateLimitCap(t *testing.T) {
	s := permissiveSettings()
	s.MaxAutoApprovalsPerHour = 3
	e := newTestEngine(t, s, nil)

	for i := 0; i < 3; i++ {
		got := e.Decide(readOp(fmt.Sprintf("/workspace/f%d.txt", i)))
		require.True(t, got.Approved, "approval %d within the cap", i+1)
	}

	got := e.Decide(readOp("/workspace/f4.txt"))
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "rate limit")
}

func TestDecide_RateLimitKeyIsolation(t *testing.T) {
	s := permissiveSettings()
	s.MaxAutoApprovalsPerHour = 1
	e := newTestEngine(t, s, nil)

	require.True(t, e.Decide(readOp("/workspace/a.txt")).Approved)
	assert.False(t, e.Decide(readOp("/workspace/b.txt")).Approved)

	// A different user and a different type each get their own budget.
	other := readOp("/workspace/c.txt")
	other.UserID = "u2"
	assert.True(t, e.Decide(other).Approved)
	assert.True(t, e.Decide(Operation{Type: OpTodoUpdate, UserID: "u1"}).Approved)
}

func TestDecide_RateLimitMinimumDelay(t *testing.T) {
	s := permissiveSettings()
	s.RequestDelaySeconds = 10
	clock := newTestClock(noon)
	e := newTestEngine(t, s, clock)

	require.True(t, e.Decide(readOp("/workspace/a.txt")).Approved)

	got := e.Decide(readOp("/workspace/b.txt"))
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "wait 10s")

	clock.Advance(4 * time.Second)
	got = e.Decide(readOp("/workspace/b.txt"))
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "wait 6s")

	clock.Advance(6 * time.Second)
	assert.True(t, e.Decide(readOp("/workspace/b.txt")).Approved)
}

func TestDecide_HourlyCounterLazyReset(t *testing.T) {
	s := permissiveSettings()
	s.MaxAutoApprovalsPerHour = 1
	clock := newTestClock(noon)
	e := newTestEngine(t, s, clock)

	require.True(t, e.Decide(readOp("/workspace/a.txt")).Approved)
	require.False(t, e.Decide(readOp("/workspace/b.txt")).Approved)

	// No background timer: the reset happens on the next check after the
	// interval elapses.
	clock.Advance(61 * time.Minute)
	assert.True(t, e.Decide(readOp("/workspace/b.txt")).Approved)
}

func TestDecide_CriticalRiskDenied(t *testing.T) {
	e := newTestEngine(t, permissiveSettings(), nil)

	got := e.Decide(execOp("sudo rm -rf /var/lib/data"))
	assert.False(t, got.Approved)
	assert.False(t, got.RequiresConfirmation)
	assert.Equal(t, "Operation deemed too risky", got.Reason)
	assert.Equal(t, RiskCritical, got.RiskLevel)
	assert.NotEmpty(t, got.RiskFactors)
}

func TestDecide_HighRiskRequiresConfirmation(t *testing.T) {
	e := newTestEngine(t, permissiveSettings(), nil)

	// execute base 0.6 + background execution 0.2 = 0.8: high, not critical.
	got := e.Decide(execOp("sleep 900 &"))
	require.False(t, got.Approved)
	assert.True(t, got.RequiresConfirmation, "high risk is handed to a human, not silently denied")
	assert.Equal(t, RiskHigh, got.RiskLevel)
	assert.NotEmpty(t, got.RiskFactors)
	assert.False(t, got.Denied(), "confirmation verdicts must be distinguishable from denials")

	entries := e.AuditLog(audit.Filter{Decision: audit.DecisionRequiresConfirmation})
	require.Len(t, entries, 1)
}

func TestDecide_HighRiskApprovedWhenConfirmationDisabled(t *testing.T) {
	s := permissiveSettings()
	s.RequireConfirmationForHighRisk = false
	e := newTestEngine(t, s, nil)

	got := e.Decide(execOp("sleep 900 &"))
	assert.True(t, got.Approved)
	assert.Equal(t, RiskHigh, got.RiskLevel)
}

func TestDecide_RiskAssessmentDisabled(t *testing.T) {
	s := permissiveSettings()
	s.RiskAssessmentEnabled = false
	e := newTestEngine(t, s, nil)

	// Would be critical with assessment on; the deny list still catches it
	// if configured, but here it sails through to the toggles.
	got := e.Decide(execOp("sudo rm -rf /"))
	assert.True(t, got.Approved)
	assert.Empty(t, got.RiskLevel)
}

func TestDecide_UnknownTypeDenied(t *testing.T) {
	e := newTestEngine(t, permissiveSettings(), nil)

	got := e.Decide(Operation{Type: "teleport"})
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "Unknown operation type")
}

func TestDecide_TypeToggleDisabled(t *testing.T) {
	s := permissiveSettings()
	s.AlwaysAllowWrite = false
	e := newTestEngine(t, s, nil)

	got := e.Decide(Operation{Type: OpWrite, FilePath: "/workspace/main.go"})
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "disabled for write operations")
}

func TestDecide_DeleteSharesWriteToggles(t *testing.T) {
	s := permissiveSettings()
	s.AlwaysAllowWrite = false
	e := newTestEngine(t, s, nil)

	got := e.Decide(Operation{Type: OpDelete, FilePath: "/workspace/tmp.txt"})
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "disabled for delete operations")
}

func TestDecide_DenyListWinsOverAllowList(t *testing.T) {
	s := permissiveSettings()
	s.DeniedCommands = []string{"git push"}
	s.AllowedCommands = []string{"git"}
	e := newTestEngine(t, s, nil)

	got := e.Decide(execOp("git push origin main"))
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, `denied pattern "git push"`)

	// Deny matching is case-insensitive.
	got = e.Decide(execOp("GIT PUSH origin main"))
	assert.False(t, got.Approved)
}

func TestDecide_DefaultDenyListBlocksDestructiveCommand(t *testing.T) {
	s := permissiveSettings()
	s.DeniedCommands = DefaultSettings().DeniedCommands
	s.AllowedCommands = []string{"echo", "rm"}
	e := newTestEngine(t, s, nil)

	// Denied regardless of any allowedCommands entries. The risk gate may
	// fire first for a command this hot; either way it must not pass.
	got := e.Decide(execOp("echo hi && rm -rf /tmp/x"))
	assert.False(t, got.Approved)
	assert.False(t, got.RequiresConfirmation)
}

func TestDecide_AllowListRestrictsCommands(t *testing.T) {
	s := permissiveSettings()
	s.AllowedCommands = []string{"git", "npm test"}
	e := newTestEngine(t, s, nil)

	assert.True(t, e.Decide(execOp("git status")).Approved)
	assert.True(t, e.Decide(execOp("npm test -- --watch=false")).Approved)

	got := e.Decide(execOp("ls -la"))
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "does not match any allowed pattern")
}

func TestDecide_AllowListWildcard(t *testing.T) {
	s := permissiveSettings()
	s.AllowedCommands = []string{"*"}
	e := newTestEngine(t, s, nil)

	assert.True(t, e.Decide(execOp("ls -la")).Approved)
}

func TestDecide_EmptyCommandMatchesNothing(t *testing.T) {
	s := permissiveSettings()
	s.AllowedCommands = []string{"git"}
	e := newTestEngine(t, s, nil)

	// Missing command defaults to empty-string matching: it cannot match
	// the allow list, so it is denied rather than crashing.
	got := e.Decide(Operation{Type: OpExecute})
	assert.False(t, got.Approved)
}

func TestDecide_OutsideWorkspaceRead(t *testing.T) {
	s := permissiveSettings()
	s.AlwaysAllowReadOnlyOutsideWorkspace = false
	e := newTestEngine(t, s, nil)

	got := e.Decide(readOp("/etc/hosts"))
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "outside the workspace")

	s.AlwaysAllowReadOnlyOutsideWorkspace = true
	require.NoError(t, e.UpdateSettings(s))
	assert.True(t, e.Decide(readOp("/etc/hosts")).Approved)
}

func TestDecide_WorkspacePrefixNotFooledBySiblingDir(t *testing.T) {
	s := permissiveSettings()
	s.AlwaysAllowReadOnlyOutsideWorkspace = false
	e := newTestEngine(t, s, nil)

	got := e.Decide(readOp("/workspace-evil/secrets.txt"))
	assert.False(t, got.Approved, "/workspace-evil must not count as inside /workspace")
	assert.Contains(t, got.Reason, "outside the workspace")
}

func TestDecide_ProtectedFileWrite(t *testing.T) {
	s := permissiveSettings()
	s.AlwaysAllowWriteProtected = false
	s.RiskAssessmentEnabled = false
	e := newTestEngine(t, s, nil)

	got := e.Decide(Operation{Type: OpWrite, FilePath: "/workspace/.env"})
	assert.False(t, got.Approved)
	assert.Contains(t, got.Reason, "protected file")

	for _, path := range []string{
		"/workspace/package.json",
		"/workspace/package-lock.json",
		"/workspace/.git/config",
		"/workspace/node_modules/left-pad/index.js",
	} {
		got := e.Decide(Operation{Type: OpWrite, FilePath: path})
		assert.False(t, got.Approved, "write to %s should be blocked", path)
		assert.Contains(t, got.Reason, "protected file")
	}

	// Ordinary files are unaffected.
	assert.True(t, e.Decide(Operation{Type: OpWrite, FilePath: "/workspace/main.go"}).Approved)

	s.AlwaysAllowWriteProtected = true
	require.NoError(t, e.UpdateSettings(s))
	assert.True(t, e.Decide(Operation{Type: OpWrite, FilePath: "/workspace/package.json"}).Approved)
}

func TestDecide_AuditCompleteness(t *testing.T) {
	e := newTestEngine(t, permissiveSettings(), nil)

	const k = 7
	for i := 0; i < k; i++ {
		e.Decide(readOp(fmt.Sprintf("/workspace/f%d.txt", i)))
	}

	entries := e.AuditLog(audit.Filter{})
	require.Len(t, entries, k)

	// Newest first.
	assert.Equal(t, "/workspace/f6.txt", entries[0].FilePath)
	assert.Equal(t, "/workspace/f0.txt", entries[k-1].FilePath)

	for _, entry := range entries {
		assert.Equal(t, audit.DecisionApproved, entry.Decision)
		assert.NotEmpty(t, entry.OperationID)
	}
}

func TestDecide_AuditLoggingDisabled(t *testing.T) {
	s := permissiveSettings()
	s.AuditLoggingEnabled = false
	e := newTestEngine(t, s, nil)

	e.Decide(readOp("/workspace/a.txt"))
	assert.Empty(t, e.AuditLog(audit.Filter{}))
}

func TestDecide_DerivedOperationID(t *testing.T) {
	at := noon
	a := deriveID(Operation{Type: OpExecute, Command: "ls"}, at)
	b := deriveID(Operation{Type: OpExecute, Command: "ls"}, at)
	c := deriveID(Operation{Type: OpExecute, Command: "ls -la"}, at)

	assert.Equal(t, a, b, "same type, target, and millisecond derive the same id")
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "op-"))
}

func TestSessionStats(t *testing.T) {
	s := permissiveSettings()
	s.AlwaysAllowExecute = false
	e := newTestEngine(t, s, nil)

	e.Decide(readOp("/workspace/a.txt"))
	e.Decide(readOp("/workspace/b.txt"))
	e.Decide(execOp("ls"))

	stats := e.SessionStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByDecision[string(audit.DecisionApproved)])
	assert.Equal(t, 1, stats.ByDecision[string(audit.DecisionDenied)])
	assert.Equal(t, 2, stats.ByType["read"])
}

func TestUpdateSettings_RejectsInvalid(t *testing.T) {
	e := newTestEngine(t, permissiveSettings(), nil)

	bad := permissiveSettings()
	bad.SafetyThresholds = Thresholds{Low: 0.9, Medium: 0.5, High: 0.2}
	err := e.UpdateSettings(bad)
	require.Error(t, err)

	// Previous settings stay active.
	assert.True(t, e.Decide(readOp("/workspace/a.txt")).Approved)
}

func TestNewFromStore_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alwaysAllowExecute: false\n"), 0o644))

	e, err := NewFromStore(NewFileStore(path), "/workspace", WithClock(newTestClock(noon).Now))
	require.NoError(t, err)
	assert.False(t, e.Decide(execOp("ls")).Approved)

	require.NoError(t, os.WriteFile(path, []byte("alwaysAllowExecute: true\n"), 0o644))
	require.NoError(t, e.Reload())
	assert.True(t, e.Decide(execOp("ls")).Approved)

	// A broken file is rejected and the old settings stay active.
	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))
	require.Error(t, e.Reload())
	assert.True(t, e.Decide(execOp("pwd")).Approved)
}

func TestDecide_ConcurrentCallsAreSafe(t *testing.T) {
	s := permissiveSettings()
	s.MaxAutoApprovalsPerHour = 100
	e := newTestEngine(t, s, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				e.Decide(readOp(fmt.Sprintf("/workspace/g%d-%d.txt", n, j)))
			}
		}(i)
	}
	wg.Wait()

	// 400 submissions against a budget of 100: exactly 100 approvals.
	stats := e.SessionStats()
	assert.Equal(t, 400, stats.Total)
	assert.Equal(t, 100, stats.ByDecision[string(audit.DecisionApproved)])
}
