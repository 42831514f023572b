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

// Package cli contains bastion command-line subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eklund/bastion/internal/policy"
)

type rootOptions struct {
	settingsPath string
	workspace    string
	verbose      bool
}

// Execute runs the bastion CLI command tree.
func Execute() error {
	cmd := NewRootCmd(context.Background(), os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		var ec interface{ ExitCode() int }
		if !errors.As(err, &ec) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return err
	}
	return nil
}

// ExitCode returns the process exit code implied by err.
// Non-nil errors default to exit code 1 unless they expose ExitCode().
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		code := ec.ExitCode()
		if code > 0 {
			return code
		}
	}

	return 1
}

// exitError carries an explicit process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func (e *exitError) ExitCode() int { return e.code }

// NewRootCmd builds the bastion root command.
func NewRootCmd(ctx context.Context, outWriter, errWriter io.Writer) *cobra.Command {
	opts := &rootOptions{}
	var showVersion bool
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := &cobra.Command{
		Use:           "bastion",
		Short:         "Auto-approval risk gatekeeper for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				return writeVersion(cmd.OutOrStdout())
			}
			return cmd.Help()
		},
	}
	cmd.SetContext(ctx)
	cmd.SetOut(outWriter)
	cmd.SetErr(errWriter)

	cmd.PersistentFlags().StringVar(&opts.settingsPath, "settings", "bastion.yaml", "Path to settings file")
	cmd.PersistentFlags().StringVar(&opts.workspace, "workspace", "", "Workspace root for path gating (default: current directory)")
	cmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&showVersion, "version", false, "Print version information and exit")

	const (
		groupDecisions = "decisions"
		groupAudit     = "audit"
		groupConfig    = "config"
	)
	cmd.AddGroup(
		&cobra.Group{ID: groupDecisions, Title: "Decisions"},
		&cobra.Group{ID: groupAudit, Title: "Audit"},
		&cobra.Group{ID: groupConfig, Title: "Configuration"},
	)

	versionCmd := newVersionCmd()
	decideCmd := newDecideCmd(opts)
	hookCmd := newHookCmd(opts)
	serveCmd := newServeCmd(opts)
	auditCmd := newAuditCmd()
	watchCmd := newWatchCmd(opts)
	settingsCmd := newSettingsCmd(opts)

	decideCmd.GroupID = groupDecisions
	hookCmd.GroupID = groupDecisions
	serveCmd.GroupID = groupDecisions

	auditCmd.GroupID = groupAudit
	watchCmd.GroupID = groupAudit

	settingsCmd.GroupID = groupConfig

	cmd.AddCommand(versionCmd)
	cmd.AddCommand(decideCmd)
	cmd.AddCommand(hookCmd)
	cmd.AddCommand(serveCmd)
	cmd.AddCommand(auditCmd)
	cmd.AddCommand(watchCmd)
	cmd.AddCommand(settingsCmd)

	return cmd
}

// newLogger builds the CLI logger. Output goes to stderr: stdout is
// reserved for decision payloads in hook and serve modes.
func newLogger(opts *rootOptions) *slog.Logger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// resolveWorkspace returns the workspace root, defaulting to the current
// directory.
func resolveWorkspace(opts *rootOptions) (string, error) {
	if opts.workspace != "" {
		return filepath.Clean(opts.workspace), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("cli: resolve working directory: %w", err)
	}
	return wd, nil
}

// newEngine builds a decision engine from the CLI options. A missing
// settings file is not an error: the engine starts from defaults, which is
// how first runs before `bastion settings show > bastion.yaml` behave.
func newEngine(opts *rootOptions, engineOpts ...policy.Option) (*policy.Engine, error) {
	root, err := resolveWorkspace(opts)
	if err != nil {
		return nil, err
	}

	engineOpts = append(engineOpts, policy.WithLogger(newLogger(opts)))

	if _, statErr := os.Stat(opts.settingsPath); statErr == nil {
		return policy.NewFromStore(policy.NewFileStore(opts.settingsPath), root, engineOpts...)
	}
	return policy.New(policy.DefaultSettings(), root, engineOpts...)
}

// expandHome resolves a leading ~ in path against the user home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cli: resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// defaultAuditFile is where hook and serve append their JSONL trail when
// --audit-file is not given.
const defaultAuditFile = "~/.bastion/audit.jsonl"
