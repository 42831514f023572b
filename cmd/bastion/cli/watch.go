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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eklund/bastion/internal/watch"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		auditFile string
		user      string
		decision  string
		opType    string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live TUI dashboard for audit decisions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := expandHome(auditFile)
			if err != nil {
				return err
			}
			resolved = filepath.Clean(resolved)

			if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
				return fmt.Errorf("watch: create audit dir: %w", err)
			}

			root, err := resolveWorkspace(opts)
			if err != nil {
				return err
			}

			return watch.Run(cmd.Context(), watch.Config{
				AuditFile: resolved,
				Workspace: root,
				User:      user,
				Decision:  decision,
				OpType:    opType,
				Out:       cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVar(&auditFile, "audit-file", defaultAuditFile, "JSONL audit file to tail")
	cmd.Flags().StringVar(&user, "user", "all", "Filter to a single user in view")
	cmd.Flags().StringVar(&decision, "decision", "", "Filter by decision (approved, denied, requires_confirmation)")
	cmd.Flags().StringVar(&opType, "type", "", "Filter by operation type (e.g. execute, read, write)")

	return cmd
}
