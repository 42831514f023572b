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

package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eklund/bastion/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail inspection commands",
	}

	cmd.AddCommand(newAuditListCmd())
	cmd.AddCommand(newAuditStatsCmd())
	cmd.AddCommand(newAuditVerifyCmd())

	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		auditFile string
		since     time.Duration
		decision  string
		opType    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := loadAuditEntries(auditFile)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			printed := 0
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				if since > 0 && e.Timestamp.Before(now.Add(-since)) {
					continue
				}
				if decision != "" && !strings.EqualFold(decision, string(e.Decision)) {
					continue
				}
				if opType != "" && !strings.EqualFold(opType, e.OpType) {
					continue
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), renderAuditLine(e)); err != nil {
					return fmt.Errorf("audit: write output: %w", err)
				}
				printed++
				if limit > 0 && printed >= limit {
					break
				}
			}

			if printed == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no matching audit entries")
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&auditFile, "audit-file", defaultAuditFile, "JSONL audit file to read")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show entries newer than this (e.g. 30m, 24h)")
	cmd.Flags().StringVar(&decision, "decision", "", "Filter by decision (approved, denied, requires_confirmation)")
	cmd.Flags().StringVar(&opType, "type", "", "Filter by operation type")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to print (0 = all)")

	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var auditFile string
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize decisions in the audit trail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := loadAuditEntries(auditFile)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			byDecision := map[string]int{}
			byType := map[string]int{}
			total := 0
			for _, e := range entries {
				if since > 0 && e.Timestamp.Before(now.Add(-since)) {
					continue
				}
				total++
				byDecision[string(e.Decision)]++
				byType[e.OpType]++
			}

			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "total: %d\n\nby decision:\n", total); err != nil {
				return fmt.Errorf("audit: write stats: %w", err)
			}
			for _, line := range sortedCounts(byDecision) {
				if _, err := fmt.Fprintf(out, "  %s\n", line); err != nil {
					return fmt.Errorf("audit: write stats: %w", err)
				}
			}
			if _, err := fmt.Fprintf(out, "\nby operation:\n"); err != nil {
				return fmt.Errorf("audit: write stats: %w", err)
			}
			for _, line := range sortedCounts(byType) {
				if _, err := fmt.Fprintf(out, "  %s\n", line); err != nil {
					return fmt.Errorf("audit: write stats: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&auditFile, "audit-file", defaultAuditFile, "JSONL audit file to read")
	cmd.Flags().DurationVar(&since, "since", 0, "Only count entries newer than this")

	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	var auditFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit file's hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := expandHome(auditFile)
			if err != nil {
				return err
			}

			n, err := audit.VerifyChain(resolved)
			if err != nil {
				return &exitError{code: 3, msg: fmt.Sprintf("audit: chain verification failed after %d entries: %v", n, err)}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "verified %d entries, chain intact\n", n)
			return err
		},
	}

	cmd.Flags().StringVar(&auditFile, "audit-file", defaultAuditFile, "JSONL audit file to verify")

	return cmd
}

func loadAuditEntries(path string) ([]audit.Entry, error) {
	resolved, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	entries, _, err := audit.ReadEntriesFromOffset(resolved, 0)
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", resolved, err)
	}
	return entries, nil
}

func renderAuditLine(e audit.Entry) string {
	target := e.Command
	if target == "" {
		target = e.FilePath
	}
	if target == "" {
		target = "-"
	}

	risk := e.RiskLevel
	if risk == "" {
		risk = "-"
	}

	return fmt.Sprintf("%s  %-22s %-10s %-8s %-40q %s",
		e.Timestamp.Local().Format("2006-01-02 15:04:05"),
		e.Decision, e.OpType, risk, target, e.Reason)
}

// sortedCounts renders a count map as "key: n" lines, descending by count.
func sortedCounts(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	return lines
}
