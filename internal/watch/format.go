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

// Package watch provides the live terminal dashboard for audit entries.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/eklund/bastion/internal/audit"
)

const (
	maxVisibleEntries = 1000
	maxTargetWidth    = 80
)

// targetSummary picks the most useful display string for an entry:
// the command for executes, the path for file operations.
func targetSummary(entry audit.Entry) string {
	if cmd := strings.TrimSpace(entry.Command); cmd != "" {
		return cmd
	}
	return strings.TrimSpace(entry.FilePath)
}

func decisionMeta(decision audit.Decision) (icon string, color lipgloss.Color) {
	switch decision {
	case audit.DecisionApproved:
		return "✅", lipgloss.Color("10")
	case audit.DecisionDenied:
		return "\U0001f534", lipgloss.Color("9")
	case audit.DecisionRequiresConfirmation:
		return "\U0001f7e1", lipgloss.Color("11")
	case audit.DecisionActivated, audit.DecisionDeactivated:
		return "\U0001f6d1", lipgloss.Color("13")
	default:
		return "•", lipgloss.Color("7")
	}
}

func riskTag(level string) string {
	switch level {
	case "critical":
		return "CRIT"
	case "high":
		return "HIGH"
	case "medium":
		return "MED "
	case "low":
		return "LOW "
	default:
		return "    "
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func compactPath(path string, width int) string {
	path = strings.TrimSpace(path)
	if width <= 0 || path == "" {
		return ""
	}
	if len([]rune(path)) <= width {
		return path
	}

	base := filepath.Base(path)
	if len([]rune(base))+3 <= width {
		return "..." + string(filepath.Separator) + base
	}

	return truncateRunes(path, width)
}

// relativeTime formats the elapsed time as a human-readable string.
func relativeTime(now, ts time.Time) string {
	d := now.Sub(ts)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm ago", h, m)
		}
		return fmt.Sprintf("%dh ago", h)
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// formatEntryLine renders one feed row with a relative timestamp.
func formatEntryLine(entry audit.Entry, width int, now time.Time) string {
	icon, _ := decisionMeta(entry.Decision)
	timePart := fmt.Sprintf("%-8s", relativeTime(now, entry.Timestamp))

	typePart := truncateRunes(strings.TrimSpace(entry.OpType), 10)
	if typePart == "" {
		typePart = "-"
	}

	summary := targetSummary(entry)
	if entry.FilePath != "" && entry.Command == "" {
		summary = compactPath(summary, min(maxTargetWidth, max(20, width/2)))
	}
	if summary == "" {
		summary = "-"
	}
	summary = truncateRunes(summary, maxTargetWidth)

	base := fmt.Sprintf("%s %s %s %-10s %q  %s",
		icon, timePart, riskTag(entry.RiskLevel), typePart, summary,
		truncateRunes(entry.Reason, max(10, width/3)))
	return truncateRunes(base, width)
}

func trimEntries(entries []audit.Entry) []audit.Entry {
	if len(entries) <= maxVisibleEntries {
		return entries
	}
	trimmed := make([]audit.Entry, maxVisibleEntries)
	copy(trimmed, entries[:maxVisibleEntries])
	return trimmed
}
