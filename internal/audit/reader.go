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

package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadEntriesFromOffset reads JSONL audit entries from path starting at the
// given byte offset. Returns the parsed entries, the new file offset, and any
// error. Shared by the audit CLI commands and the watch TUI tailer.
//
// If the file has been truncated (offset > size), reading resets to the
// beginning. Partial (unterminated) lines are not consumed — the offset stays
// before them so they can be re-read once complete.
func ReadEntriesFromOffset(path string, offset int64) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("audit: stat %s: %w", path, err)
	}
	if offset > info.Size() {
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("audit: seek %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	cursor := offset
	entries := make([]Entry, 0, 8)

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, cursor, fmt.Errorf("audit: read line: %w", err)
		}

		// EOF with no data — done.
		if line == "" && errors.Is(err, io.EOF) {
			return entries, cursor, nil
		}

		// Partial line (no trailing newline) — don't consume it.
		if !strings.HasSuffix(line, "\n") {
			return entries, cursor, nil
		}

		cursor += int64(len(line))
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if errors.Is(err, io.EOF) {
				return entries, cursor, nil
			}
			continue
		}

		var entry Entry
		if unmarshalErr := json.Unmarshal([]byte(trimmed), &entry); unmarshalErr == nil {
			entries = append(entries, entry)
		}

		if errors.Is(err, io.EOF) {
			return entries, cursor, nil
		}
	}
}
