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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eklund/bastion/internal/policy"
)

func newDecideCmd(opts *rootOptions) *cobra.Command {
	var (
		opType  string
		path    string
		command string
		user    string
		session string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Evaluate one operation and print the verdict",
		Long: `Evaluates a single operation against the configured auto-approval
settings and prints the verdict.

Exit codes:
  0  approved
  2  requires human confirmation
  3  denied

Examples:
  bastion decide --type execute --command "git push origin main"
  bastion decide --type write --path src/main.go --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := policy.OpType(strings.TrimSpace(opType))
			if t == "" {
				return fmt.Errorf("decide: --type is required")
			}

			engine, err := newEngine(opts)
			if err != nil {
				return err
			}

			v := engine.Decide(policy.Operation{
				Type:      t,
				FilePath:  path,
				Command:   command,
				UserID:    user,
				SessionID: session,
			})

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(v); err != nil {
					return fmt.Errorf("decide: encode verdict: %w", err)
				}
			} else if err := writeVerdictText(cmd, v); err != nil {
				return err
			}

			switch {
			case v.RequiresConfirmation:
				return &exitError{code: 2, msg: v.Reason}
			case !v.Approved:
				return &exitError{code: 3, msg: v.Reason}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opType, "type", "", "Operation type (read, write, execute, delete, browser, mcp, ...)")
	cmd.Flags().StringVar(&path, "path", "", "Target file path")
	cmd.Flags().StringVar(&command, "command", "", "Shell command for execute operations")
	cmd.Flags().StringVar(&user, "user", "", "User identifier for rate limiting and audit")
	cmd.Flags().StringVar(&session, "session", "", "Session identifier for audit")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the verdict as JSON")

	return cmd
}

func writeVerdictText(cmd *cobra.Command, v policy.Verdict) error {
	out := cmd.OutOrStdout()

	status := "DENIED"
	if v.RequiresConfirmation {
		status = "NEEDS CONFIRMATION"
	} else if v.Approved {
		status = "APPROVED"
	}

	if _, err := fmt.Fprintf(out, "%s: %s\n", status, v.Reason); err != nil {
		return fmt.Errorf("decide: write verdict: %w", err)
	}
	if v.RiskLevel != "" {
		if _, err := fmt.Fprintf(out, "risk: %s\n", v.RiskLevel); err != nil {
			return fmt.Errorf("decide: write verdict: %w", err)
		}
	}
	for _, factor := range v.RiskFactors {
		if _, err := fmt.Fprintf(out, "  - %s\n", factor); err != nil {
			return fmt.Errorf("decide: write verdict: %w", err)
		}
	}
	return nil
}
