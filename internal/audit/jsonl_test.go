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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sinkEntry(i int) Entry {
	return Entry{
		ID:        fmt.Sprintf("e%d", i),
		Timestamp: anchor.Add(time.Duration(i) * time.Second),
		OpType:    "read",
		Decision:  DecisionApproved,
		Reason:    "test",
	}
}

func TestJSONLSink_WritesChainedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path, WithFsync(false))
	require.NoError(t, err)
	defer sink.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Write(sinkEntry(i)))
	}
	require.NoError(t, sink.Flush())

	entries, _, err := ReadEntriesFromOffset(path, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Empty(t, entries[0].PrevHash, "first entry anchors the chain")
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Hash, "sha256:"))
	}

	n, err := VerifyChain(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestJSONLSink_ResumesChainAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	sink, err := NewJSONLSink(path, WithFsync(false))
	require.NoError(t, err)
	require.NoError(t, sink.Write(sinkEntry(0)))
	require.NoError(t, sink.Close())

	sink, err = NewJSONLSink(path, WithFsync(false))
	require.NoError(t, err)
	require.NoError(t, sink.Write(sinkEntry(1)))
	require.NoError(t, sink.Close())

	entries, _, err := ReadEntriesFromOffset(path, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash,
		"a reopened sink links its first write to the existing chain tail")

	n, err := VerifyChain(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJSONLSink_WriteAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "double close is safe")

	assert.Error(t, sink.Write(sinkEntry(0)))
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path, WithFsync(false))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Write(sinkEntry(i)))
	}
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a decision on the middle line: its hash no longer matches.
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	lines[1] = strings.Replace(lines[1], `"decision":"approved"`, `"decision":"denied"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	_, err = VerifyChain(path)
	assert.Error(t, err)
}

func TestEntry_HashRoundTrip(t *testing.T) {
	e := sinkEntry(0)
	e.PrevHash = "sha256:abc"
	require.NoError(t, e.ComputeHash())

	ok, err := e.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)

	e.Reason = "edited"
	ok, err = e.VerifyHash()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadEntriesFromOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path, WithFsync(false))
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(sinkEntry(0)))
	require.NoError(t, sink.Flush())

	entries, offset, err := ReadEntriesFromOffset(path, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Greater(t, offset, int64(0))

	// Nothing new: same offset back.
	entries, next, err := ReadEntriesFromOffset(path, offset)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, offset, next)

	// Tail from the saved offset picks up only the new entry.
	require.NoError(t, sink.Write(sinkEntry(1)))
	require.NoError(t, sink.Flush())
	entries, next, err = ReadEntriesFromOffset(path, offset)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)
	assert.Greater(t, next, offset)
}

func TestReadEntriesFromOffset_PartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"e0","operation":"read","decision":"approved","reason":"x"}`+"\n"+`{"id":"e1","oper`), 0o600))

	entries, offset, err := ReadEntriesFromOffset(path, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Complete the partial line; the saved offset re-reads it whole.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`ation":"read","decision":"denied","reason":"y"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, _, err = ReadEntriesFromOffset(path, offset)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)
	assert.Equal(t, DecisionDenied, entries[0].Decision)
}

func TestReadEntriesFromOffset_TruncationResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"e0","operation":"read","decision":"approved","reason":"x"}`+"\n"), 0o600))

	_, offset, err := ReadEntriesFromOffset(path, 0)
	require.NoError(t, err)

	// Rotate: the file shrinks below the saved offset, so the read
	// restarts from the beginning.
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"n1","operation":"read","decision":"approved"}`+"\n"), 0o600))

	entries, _, err := ReadEntriesFromOffset(path, offset+1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].ID)
}
