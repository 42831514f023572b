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
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eklund/bastion/internal/policy"
	"github.com/eklund/bastion/presets"
)

func newSettingsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and validate auto-approval settings",
	}

	cmd.AddCommand(newSettingsShowCmd(opts))
	cmd.AddCommand(newSettingsValidateCmd(opts))
	cmd.AddCommand(newSettingsInitCmd(opts))

	return cmd
}

func newSettingsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings as YAML",
		Long: `Prints the settings the engine would run with: the settings file
overlaid on the defaults. With no settings file present, prints the
defaults — useful to bootstrap a config:

  bastion settings show > bastion.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := policy.DefaultSettings()
			if _, err := os.Stat(opts.settingsPath); err == nil {
				loaded, loadErr := policy.NewFileStore(opts.settingsPath).Load()
				if loadErr != nil {
					return loadErr
				}
				s = loaded
			}

			data, err := yaml.Marshal(s)
			if err != nil {
				return fmt.Errorf("settings: marshal: %w", err)
			}
			if _, err := cmd.OutOrStdout().Write(data); err != nil {
				return fmt.Errorf("settings: write output: %w", err)
			}
			return nil
		},
	}
}

func newSettingsInitCmd(opts *rootOptions) *cobra.Command {
	var (
		preset string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file from a built-in preset",
		Long: fmt.Sprintf(`Writes the named preset to the settings path (--settings).
Available presets: %s.`, strings.Join(presets.Names, ", ")),
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := presets.Preset(preset)
			if err != nil {
				return &exitError{code: 2, msg: err.Error()}
			}

			if !force {
				if _, err := os.Stat(opts.settingsPath); err == nil {
					return &exitError{code: 2, msg: fmt.Sprintf("%s already exists (use --force to overwrite)", opts.settingsPath)}
				}
			}

			if err := os.WriteFile(opts.settingsPath, data, 0o600); err != nil {
				return fmt.Errorf("settings: write %s: %w", opts.settingsPath, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s preset to %s\n", preset, opts.settingsPath)
			return err
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "standard", "Preset to write ("+strings.Join(presets.Names, "|")+")")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing settings file")

	return cmd
}

func newSettingsValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the settings file for errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := policy.NewFileStore(opts.settingsPath).Load(); err != nil {
				return &exitError{code: 2, msg: fmt.Sprintf("settings: %v", err)}
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", opts.settingsPath)
			return err
		},
	}
}
