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

	"gopkg.in/yaml.v3"
)

// Thresholds are the risk-level cut points in [0,1]. Only Medium and High
// are compared during bucketing; Low documents the nominal low boundary and
// the critical cut point (0.9) is fixed.
type Thresholds struct {
	Low    float64 `yaml:"low" json:"low"`
	Medium float64 `yaml:"medium" json:"medium"`
	High   float64 `yaml:"high" json:"high"`
}

// Settings holds every recognized auto-approval option.
//
// The engine never reads or writes settings from disk itself; an external
// settings manager owns persistence and supplies updates through
// Engine.UpdateSettings or Engine.Reload.
type Settings struct {
	AlwaysAllowReadOnly                 bool `yaml:"alwaysAllowReadOnly" json:"alwaysAllowReadOnly"`
	AlwaysAllowReadOnlyOutsideWorkspace bool `yaml:"alwaysAllowReadOnlyOutsideWorkspace" json:"alwaysAllowReadOnlyOutsideWorkspace"`
	AlwaysAllowWrite                    bool `yaml:"alwaysAllowWrite" json:"alwaysAllowWrite"`
	AlwaysAllowWriteOutsideWorkspace    bool `yaml:"alwaysAllowWriteOutsideWorkspace" json:"alwaysAllowWriteOutsideWorkspace"`
	AlwaysAllowWriteProtected           bool `yaml:"alwaysAllowWriteProtected" json:"alwaysAllowWriteProtected"`
	AlwaysAllowExecute                  bool `yaml:"alwaysAllowExecute" json:"alwaysAllowExecute"`
	AlwaysAllowBrowser                  bool `yaml:"alwaysAllowBrowser" json:"alwaysAllowBrowser"`
	AlwaysAllowMcp                      bool `yaml:"alwaysAllowMcp" json:"alwaysAllowMcp"`
	AlwaysAllowModeSwitch               bool `yaml:"alwaysAllowModeSwitch" json:"alwaysAllowModeSwitch"`
	AlwaysAllowSubtasks                 bool `yaml:"alwaysAllowSubtasks" json:"alwaysAllowSubtasks"`
	AlwaysAllowFollowupQuestions        bool `yaml:"alwaysAllowFollowupQuestions" json:"alwaysAllowFollowupQuestions"`
	AlwaysAllowUpdateTodoList           bool `yaml:"alwaysAllowUpdateTodoList" json:"alwaysAllowUpdateTodoList"`
	AlwaysApproveResubmit               bool `yaml:"alwaysApproveResubmit" json:"alwaysApproveResubmit"`

	// AllowedCommands and DeniedCommands are case-insensitive substring
	// patterns for execute operations. Deny matches always win; the allow
	// list is consulted only when non-empty. "*" in the allow list
	// matches every command.
	AllowedCommands []string `yaml:"allowedCommands" json:"allowedCommands"`
	DeniedCommands  []string `yaml:"deniedCommands" json:"deniedCommands"`

	// AllowedMaxRequests caps total requests per task. Enforced by the
	// calling orchestrator, carried here so one settings object holds
	// every recognized option.
	AllowedMaxRequests int `yaml:"allowedMaxRequests" json:"allowedMaxRequests"`

	// RequestDelaySeconds is the minimum delay between auto-approvals
	// for the same rate-limit key.
	RequestDelaySeconds int `yaml:"requestDelaySeconds" json:"requestDelaySeconds"`

	// FollowupAutoApproveTimeoutMs is how long the caller waits for a
	// human on a requires-confirmation verdict before treating it as
	// denied. Honored by the caller, not the engine.
	FollowupAutoApproveTimeoutMs int `yaml:"followupAutoApproveTimeoutMs" json:"followupAutoApproveTimeoutMs"`

	EmergencyStopEnabled  bool `yaml:"emergencyStopEnabled" json:"emergencyStopEnabled"`
	AuditLoggingEnabled   bool `yaml:"auditLoggingEnabled" json:"auditLoggingEnabled"`
	RiskAssessmentEnabled bool `yaml:"riskAssessmentEnabled" json:"riskAssessmentEnabled"`

	SafetyThresholds Thresholds `yaml:"safetyThresholds" json:"safetyThresholds"`

	// MaxAutoApprovalsPerHour caps approvals per rate-limit key.
	// Zero disables the cap.
	MaxAutoApprovalsPerHour int `yaml:"maxAutoApprovalsPerHour" json:"maxAutoApprovalsPerHour"`

	RequireConfirmationForHighRisk bool `yaml:"requireConfirmationForHighRisk" json:"requireConfirmationForHighRisk"`
}

// DefaultSettings returns the conservative baseline: only read-only
// operations auto-approve, every safety mechanism is on.
func DefaultSettings() Settings {
	return Settings{
		AlwaysAllowReadOnly: true,
		DeniedCommands: []string{
			"rm -rf",
			"sudo rm",
			"mkfs",
			"dd if=",
			"chmod 777",
			":(){",
		},
		AllowedMaxRequests:             100,
		RequestDelaySeconds:            0,
		FollowupAutoApproveTimeoutMs:   60000,
		EmergencyStopEnabled:           true,
		AuditLoggingEnabled:            true,
		RiskAssessmentEnabled:          true,
		SafetyThresholds:               Thresholds{Low: 0.3, Medium: 0.6, High: 0.8},
		MaxAutoApprovalsPerHour:        50,
		RequireConfirmationForHighRisk: true,
	}
}

// Validate checks the settings for structural errors. Settings that fail
// validation are rejected wholesale; the engine keeps its previous config.
func (s Settings) Validate() error {
	th := s.SafetyThresholds
	for name, v := range map[string]float64{"low": th.Low, "medium": th.Medium, "high": th.High} {
		if v < 0 || v > 1 {
			return fmt.Errorf("policy: threshold %s out of range [0,1]: %v", name, v)
		}
	}
	if th.Low > th.Medium || th.Medium > th.High {
		return fmt.Errorf("policy: thresholds must be ordered low <= medium <= high (got %.2f/%.2f/%.2f)",
			th.Low, th.Medium, th.High)
	}
	if s.MaxAutoApprovalsPerHour < 0 {
		return fmt.Errorf("policy: maxAutoApprovalsPerHour must not be negative")
	}
	if s.RequestDelaySeconds < 0 {
		return fmt.Errorf("policy: requestDelaySeconds must not be negative")
	}
	if s.FollowupAutoApproveTimeoutMs < 0 {
		return fmt.Errorf("policy: followupAutoApproveTimeoutMs must not be negative")
	}
	return nil
}

// typeAllowed resolves the per-type auto-approval toggle.
// The second return is false for unrecognized types.
// Delete shares the write toggles: it is a destructive file mutation and
// there is no delete-specific setting.
func (s Settings) typeAllowed(t OpType) (allowed, known bool) {
	switch t {
	case OpRead:
		return s.AlwaysAllowReadOnly, true
	case OpWrite, OpDelete:
		return s.AlwaysAllowWrite, true
	case OpExecute:
		return s.AlwaysAllowExecute, true
	case OpBrowser:
		return s.AlwaysAllowBrowser, true
	case OpMCP:
		return s.AlwaysAllowMcp, true
	case OpModeSwitch:
		return s.AlwaysAllowModeSwitch, true
	case OpSubtask:
		return s.AlwaysAllowSubtasks, true
	case OpFollowup:
		return s.AlwaysAllowFollowupQuestions, true
	case OpTodoUpdate:
		return s.AlwaysAllowUpdateTodoList, true
	case OpResubmit:
		return s.AlwaysApproveResubmit, true
	default:
		return false, false
	}
}

// outsideAllowed resolves the outside-workspace toggle for a path type.
func (s Settings) outsideAllowed(t OpType) bool {
	switch t {
	case OpRead:
		return s.AlwaysAllowReadOnlyOutsideWorkspace
	case OpWrite, OpDelete:
		return s.AlwaysAllowWriteOutsideWorkspace
	default:
		return false
	}
}

// FileStore loads settings from a YAML file on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a settings store reading from path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads and parses the settings file. Options absent from the file
// keep their defaults.
func (st *FileStore) Load() (Settings, error) {
	absPath, err := filepath.Abs(st.path)
	if err != nil {
		return Settings{}, fmt.Errorf("policy: resolve path %q: %w", st.path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Settings{}, fmt.Errorf("policy: read settings file: %w", err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("policy: parse settings file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Path returns the file path this store reads from.
func (st *FileStore) Path() string {
	return st.path
}
