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
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// RiskLevel buckets an operation's accumulated risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// criticalScore is the fixed cut point for the critical level. It is not
// configurable: no threshold setting may allow a critical operation through.
const criticalScore = 0.9

// Assessment is the scorer's output for one operation.
type Assessment struct {
	// Level is the bucketed risk level.
	Level RiskLevel `json:"level"`

	// Score is the accumulated risk weight. Uncapped: many small
	// indicators can stack past the critical cut point.
	Score float64 `json:"score"`

	// Factors lists each score contribution in evaluation order.
	Factors []string `json:"factors"`
}

// typeBaseRisk is the fixed base risk per operation type.
// Unknown types score unknownTypeRisk.
var typeBaseRisk = map[OpType]float64{
	OpRead:       0.1,
	OpWrite:      0.4,
	OpExecute:    0.6,
	OpDelete:     0.8,
	OpBrowser:    0.3,
	OpMCP:        0.4,
	OpModeSwitch: 0.2,
	OpSubtask:    0.2,
	OpFollowup:   0.1,
	OpTodoUpdate: 0.1,
	OpResubmit:   0.2,
}

const unknownTypeRisk = 0.3

// pathPattern flags access to critical system files. First match wins;
// the weight is fixed so multiple matching patterns never double-count.
type pathPattern struct {
	re    *regexp.Regexp
	label string
}

const criticalPathWeight = 0.4

var criticalPathPatterns = []pathPattern{
	{regexp.MustCompile(`/etc/(passwd|shadow|sudoers)`), "system account file"},
	{regexp.MustCompile(`\.ssh/id_`), "SSH private key"},
	{regexp.MustCompile(`\.env$`), "environment secrets file"},
	{regexp.MustCompile(`\.aws/credentials`), "cloud credentials file"},
	{regexp.MustCompile(`(?i)(system32|program files)`), "Windows system directory"},
}

// commandPattern flags dangerous shell constructs. Weights stack: a command
// matching several patterns accumulates all of their weights.
type commandPattern struct {
	re     *regexp.Regexp
	weight float64
	label  string
}

var commandPatterns = []commandPattern{
	{regexp.MustCompile(`(?i)\brm\s+-[a-z]*[rf]`), 0.9, "recursive or forced file deletion"},
	{regexp.MustCompile(`(?i)\bmkfs\b`), 0.9, "filesystem creation"},
	{regexp.MustCompile(`(?i)\bformat\b\s+[a-z]:`), 0.9, "disk format"},
	{regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`), 0.9, "raw disk write"},
	{regexp.MustCompile(`(?i)(curl|wget)[^|]*\|\s*(ba|z|da)?sh\b`), 0.8, "remote script piped to shell"},
	{regexp.MustCompile(`(?i)\bchmod\s+777\b`), 0.5, "world-writable permissions"},
	{regexp.MustCompile(`(?i)\bsudo\b`), 0.4, "privilege escalation"},
	{regexp.MustCompile(`&\s*$`), 0.2, "background execution"},
	{regexp.MustCompile(`>\s*/dev/null\s+2>&1`), 0.2, "output suppression"},
}

const (
	longCommandLength   = 200
	longCommandWeight   = 0.2
	metacharLimit       = 5
	metacharWeight      = 0.2
	shellMetacharacters = "|&;<>$`(){}"
)

const (
	frequencyWindow = 5 * time.Minute
	frequencyLimit  = 20
	frequencyWeight = 0.3

	offHoursWeight = 0.1
	workdayStart   = 6
	workdayEnd     = 22
)

// Scorer maps an operation to a risk assessment.
//
// Scoring is deterministic given identical wall-clock time and audit state;
// the frequency and time-of-day terms make scores non-deterministic across
// repeated submissions.
type Scorer struct {
	workspaceRoot string

	// recent returns how many decisions were recorded in the trailing
	// window. Nil disables the frequency term.
	recent func(window time.Duration, now time.Time) int

	now func() time.Time
}

// NewScorer creates a scorer rooted at workspaceRoot. recent supplies the
// audit-log count for the frequency term; pass nil to disable it.
func NewScorer(workspaceRoot string, recent func(time.Duration, time.Time) int, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{
		workspaceRoot: workspaceRoot,
		recent:        recent,
		now:           now,
	}
}

// Score computes the risk assessment for op against the given thresholds.
// Terms are evaluated in a fixed order so the factors list reads as an
// auditable narrative of the score.
func (s *Scorer) Score(op Operation, th Thresholds) Assessment {
	var (
		score   float64
		factors []string
	)

	// 1. Type base risk.
	base, known := typeBaseRisk[op.Type]
	if !known {
		base = unknownTypeRisk
	}
	score += base
	if base >= 0.5 {
		factors = append(factors, fmt.Sprintf("high-risk operation type %q (+%.1f)", op.Type, base))
	}

	// 2. Path risk.
	if op.FilePath != "" {
		score += s.pathRisk(op.FilePath, &factors)
	}

	// 3. Command risk.
	if op.Type == OpExecute {
		score += commandRisk(op.Command, &factors)
	}

	now := s.now()

	// 4. Frequency risk.
	if s.recent != nil && s.recent(frequencyWindow, now) > frequencyLimit {
		score += frequencyWeight
		factors = append(factors, fmt.Sprintf("high recent operation frequency (+%.1f)", frequencyWeight))
	}

	// 5. Time-of-day risk.
	if hour := now.Hour(); hour < workdayStart || hour > workdayEnd {
		score += offHoursWeight
		factors = append(factors, fmt.Sprintf("operation outside working hours (+%.1f)", offHoursWeight))
	}

	return Assessment{
		Level:   bucket(score, th),
		Score:   score,
		Factors: factors,
	}
}

func (s *Scorer) pathRisk(path string, factors *[]string) float64 {
	var sub float64

	for _, p := range criticalPathPatterns {
		if p.re.MatchString(path) {
			sub += criticalPathWeight
			*factors = append(*factors, fmt.Sprintf("critical system file: %s (+%.1f)", p.label, criticalPathWeight))
			break // first match wins, no double-counting
		}
	}

	if s.workspaceRoot != "" && !PathInWorkspace(s.workspaceRoot, path) {
		sub += 0.2
		*factors = append(*factors, "path outside workspace (+0.2)")
	}

	if strings.HasPrefix(filepath.Base(path), ".") {
		sub += 0.1
		*factors = append(*factors, "hidden file (+0.1)")
	}

	return sub
}

func commandRisk(cmd string, factors *[]string) float64 {
	if cmd == "" {
		return 0
	}

	var sub float64
	for _, p := range commandPatterns {
		if p.re.MatchString(cmd) {
			sub += p.weight
			*factors = append(*factors, fmt.Sprintf("%s (+%.1f)", p.label, p.weight))
		}
	}

	if len(cmd) > longCommandLength {
		sub += longCommandWeight
		*factors = append(*factors, fmt.Sprintf("unusually long command, possibly obfuscated (+%.1f)", longCommandWeight))
	}

	meta := 0
	for _, ch := range cmd {
		if strings.ContainsRune(shellMetacharacters, ch) {
			meta++
		}
	}
	if meta > metacharLimit {
		sub += metacharWeight
		*factors = append(*factors, fmt.Sprintf("heavy shell metacharacter use (+%.1f)", metacharWeight))
	}

	return sub
}

// bucket resolves a score into a level. Critical is checked against the
// fixed cut point first; high and medium come from the configured
// thresholds; low is the fallthrough.
func bucket(score float64, th Thresholds) RiskLevel {
	switch {
	case score >= criticalScore:
		return RiskCritical
	case score >= th.High:
		return RiskHigh
	case score >= th.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// PathInWorkspace reports whether path sits inside root.
//
// Comparison is purely lexical on cleaned paths — no filesystem I/O. A path
// is inside the workspace only when it equals the root or extends it past a
// separator, so "/workspace-evil" is not inside "/workspace". Relative paths
// are treated as workspace-relative and therefore inside.
func PathInWorkspace(root, path string) bool {
	if root == "" {
		return true
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return true
	}
	cleanRoot := filepath.Clean(root)
	if cleaned == cleanRoot {
		return true
	}
	return strings.HasPrefix(cleaned, cleanRoot+string(filepath.Separator))
}
