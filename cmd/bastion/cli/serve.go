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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eklund/bastion/internal/audit"
	"github.com/eklund/bastion/internal/confirm"
	"github.com/eklund/bastion/internal/metrics"
	"github.com/eklund/bastion/internal/policy"
)

// serveLine is one stdin request: either an operation or a control verb.
// Control verbs flip the emergency stop of the running engine or resolve
// a pending confirmation:
//
//	{"control":"emergency_stop","reason":"runaway agent"}
//	{"control":"resume"}
//	{"control":"status"}
//	{"control":"pending"}
//	{"control":"confirm","id":"01J...","userId":"alice"}
//	{"control":"reject","id":"01J..."}
type serveLine struct {
	Control string `json:"control,omitempty"`
	Reason  string `json:"reason,omitempty"`

	policy.Operation
}

// verdictReply is a verdict plus the confirmation id assigned when the
// operation was parked for a human.
type verdictReply struct {
	policy.Verdict
	ConfirmationID string `json:"confirmationId,omitempty"`
}

// pendingItem is one parked operation in a "pending" control reply.
type pendingItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	FilePath  string    `json:"filePath,omitempty"`
	Command   string    `json:"command,omitempty"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// controlReply answers a control verb.
type controlReply struct {
	OK                  bool          `json:"ok"`
	EmergencyStopActive bool          `json:"emergencyStopActive"`
	EmergencyStopReason string        `json:"emergencyStopReason,omitempty"`
	Pending             []pendingItem `json:"pending,omitempty"`
	Error               string        `json:"error,omitempty"`
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		auditFile      string
		metricsAddr    string
		noReload       bool
		confirmTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Long-running decision loop over stdin/stdout",
		Long: `Reads newline-delimited operation JSON from stdin and writes one
verdict JSON per line to stdout. Decisions are appended to the JSONL audit
file. The settings file is hot-reloaded on change.

High-risk verdicts are parked under a confirmation id. Lines with a
"control" field manage the emergency stop or resolve a parked operation
instead of requesting a decision:

  {"control":"emergency_stop","reason":"runaway agent"}
  {"control":"resume"}
  {"control":"status"}
  {"control":"pending"}
  {"control":"confirm","id":"01J..."}
  {"control":"reject","id":"01J..."}

With --metrics-addr, prometheus metrics are served on /metrics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger(opts)

			resolved, err := expandHome(auditFile)
			if err != nil {
				return err
			}
			sink, err := audit.NewJSONLSink(resolved, audit.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("serve: open audit sink: %w", err)
			}
			defer sink.Close()

			engine, err := newEngine(opts, policy.WithSink(sink), policy.WithLogger(logger))
			if err != nil {
				return err
			}

			if !noReload {
				if watcher, werr := policy.NewSettingsWatcher(engine, logger); werr == nil {
					go func() {
						if runErr := watcher.Run(ctx); runErr != nil && ctx.Err() == nil {
							logger.Error("serve: settings watcher stopped", "error", runErr)
						}
					}()
				} else {
					logger.Debug("serve: settings hot reload disabled", "reason", werr)
				}
			}

			if metricsAddr != "" {
				startMetricsServer(ctx, metricsAddr, logger)
			}

			store := confirm.NewStore(
				confirm.WithTimeout(confirmTimeout),
				confirm.WithExpireCallback(func(req *confirm.Request) {
					logger.Info("serve: confirmation expired", "id", req.ID, "operation", req.Operation.Type)
					engine.RecordResolution(req.Operation, false, "timeout")
				}),
			)
			defer store.Close()

			logger.Info("serve: ready",
				"workspace", engine.WorkspaceRoot(),
				"audit_file", sink.Path(),
			)
			return serveLoop(ctx, cmd, engine, store, logger)
		},
	}

	cmd.Flags().StringVar(&auditFile, "audit-file", defaultAuditFile, "JSONL audit file to append to")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on (e.g. :9090)")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "Disable settings hot reload")
	cmd.Flags().DurationVar(&confirmTimeout, "confirm-timeout", 5*time.Minute, "How long parked high-risk operations wait for a human")

	return cmd
}

// serveLoop runs the line protocol until stdin closes or ctx is canceled.
// Malformed lines produce an error verdict instead of killing the loop.
func serveLoop(ctx context.Context, cmd *cobra.Command, engine *policy.Engine, store *confirm.Store, logger *slog.Logger) error {
	out := cmd.OutOrStdout()
	encoder := json.NewEncoder(out)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("serve: read stdin: %w", err)
				}
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}

			var req serveLine
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				logger.Warn("serve: malformed request line", "error", err)
				if encErr := encoder.Encode(controlReply{Error: fmt.Sprintf("malformed request: %v", err)}); encErr != nil {
					return fmt.Errorf("serve: write reply: %w", encErr)
				}
				continue
			}

			if req.Control != "" {
				if err := encoder.Encode(handleControl(engine, store, req)); err != nil {
					return fmt.Errorf("serve: write reply: %w", err)
				}
				continue
			}

			v := engine.Decide(req.Operation)
			reply := verdictReply{Verdict: v}
			if v.RequiresConfirmation {
				if parked, perr := store.Create(req.Operation, v); perr != nil {
					logger.Warn("serve: could not park operation", "error", perr)
				} else {
					reply.ConfirmationID = parked.ID
				}
			}
			if err := encoder.Encode(reply); err != nil {
				return fmt.Errorf("serve: write verdict: %w", err)
			}
		}
	}
}

func handleControl(engine *policy.Engine, store *confirm.Store, req serveLine) controlReply {
	switch req.Control {
	case "emergency_stop":
		engine.ActivateEmergencyStop(req.Reason)
	case "resume":
		engine.DeactivateEmergencyStop()
	case "status":
		// fall through to the state snapshot
	case "pending":
		reply := statusReply(engine)
		for _, p := range store.Pending() {
			reply.Pending = append(reply.Pending, pendingItem{
				ID:        p.ID,
				Type:      string(p.Operation.Type),
				FilePath:  p.Operation.FilePath,
				Command:   p.Operation.Command,
				Reason:    p.Verdict.Reason,
				ExpiresAt: p.ExpiresAt,
			})
		}
		return reply
	case "confirm", "reject":
		return resolvePending(engine, store, req)
	default:
		active, reason := engine.EmergencyStopActive()
		return controlReply{
			EmergencyStopActive: active,
			EmergencyStopReason: reason,
			Error:               fmt.Sprintf("unknown control verb %q", req.Control),
		}
	}

	return statusReply(engine)
}

func statusReply(engine *policy.Engine) controlReply {
	active, reason := engine.EmergencyStopActive()
	return controlReply{
		OK:                  true,
		EmergencyStopActive: active,
		EmergencyStopReason: reason,
	}
}

// resolvePending applies a human verdict to a parked operation and records
// the resolution in the audit trail.
func resolvePending(engine *policy.Engine, store *confirm.Store, req serveLine) controlReply {
	confirmed := req.Control == "confirm"
	resolvedBy := req.UserID
	if resolvedBy == "" {
		resolvedBy = "operator"
	}

	parked, ok := store.Get(req.Operation.ID)
	if !ok {
		reply := statusReply(engine)
		reply.OK = false
		reply.Error = fmt.Sprintf("unknown confirmation id %q", req.Operation.ID)
		return reply
	}
	if err := store.Resolve(parked.ID, confirmed, resolvedBy); err != nil {
		reply := statusReply(engine)
		reply.OK = false
		reply.Error = err.Error()
		return reply
	}

	engine.RecordResolution(parked.Operation, confirmed, resolvedBy)
	return statusReply(engine)
}

// startMetricsServer serves /metrics and /healthz until ctx is canceled.
func startMetricsServer(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serve: metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("serve: metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
