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

// Package presets embeds the built-in settings profiles.
package presets

import (
	"embed"
	"fmt"
)

//go:embed standard.yaml paranoid.yaml yolo.yaml
var FS embed.FS

// Names lists the available built-in settings presets.
var Names = []string{"standard", "paranoid", "yolo"}

// Preset returns the embedded settings YAML for a named preset.
func Preset(name string) ([]byte, error) {
	for _, p := range Names {
		if p == name {
			return FS.ReadFile(name + ".yaml")
		}
	}
	return nil, fmt.Errorf("unknown preset %q", name)
}
