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
	"io"

	"github.com/spf13/cobra"

	"github.com/eklund/bastion/internal/audit"
	"github.com/eklund/bastion/internal/policy"
)

func newHookCmd(opts *rootOptions) *cobra.Command {
	var auditFile string

	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Agent hook — reads one operation JSON from stdin, returns a verdict",
		Long: `Integrates with agent hook systems: the agent pipes one operation as
JSON to stdin and reads the verdict as JSON from stdout. The decision is
appended to the JSONL audit file.

Operation JSON:
  {"type":"execute","command":"git push","userId":"u1","sessionId":"s1"}

The command always exits 0 when a verdict was produced; the agent reads the
"approved" and "requiresConfirmation" fields. Logging goes to stderr so
stdout stays machine-readable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := expandHome(auditFile)
			if err != nil {
				return err
			}

			logger := newLogger(opts)
			sink, err := audit.NewJSONLSink(resolved, audit.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("hook: open audit sink: %w", err)
			}
			defer sink.Close()

			engine, err := newEngine(opts, policy.WithSink(sink))
			if err != nil {
				return err
			}

			var op policy.Operation
			decoder := json.NewDecoder(io.LimitReader(cmd.InOrStdin(), 1<<20))
			if err := decoder.Decode(&op); err != nil {
				return fmt.Errorf("hook: decode operation JSON: %w", err)
			}

			v := engine.Decide(op)
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(v); err != nil {
				return fmt.Errorf("hook: encode verdict: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&auditFile, "audit-file", defaultAuditFile, "JSONL audit file to append to")

	return cmd
}
