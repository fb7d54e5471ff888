// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	v0 = "module m;\nwire a;\nendmodule\n"
	v1 = "module m;\nwire b;\nendmodule\n"
	v2 = "module m;\nwire c;\nendmodule\n"
	v3 = "module m;\nwire d;\nendmodule\n"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.v"), []byte(v0), 0o644))
	s, err := Open(dir, "m.v")
	require.NoError(t, err)
	_, err = s.BeginStep(PromptRef{ID: 1, Desc: "first"}, Status{}, []byte(v0))
	require.NoError(t, err)
	return s
}

// edit writes content to the live file and checkpoints it as a human edit.
func edit(t *testing.T, s *Store, content string) int {
	t.Helper()
	require.NoError(t, os.WriteFile(s.LivePath(), []byte(content), 0o644))
	mod, err := s.Checkpoint([]byte(content), Status{By: OriginHuman})
	require.NoError(t, err)
	return mod
}

func live(t *testing.T, s *Store) string {
	t.Helper()
	data, err := s.ReadLive()
	require.NoError(t, err)
	return string(data)
}

// assertNoChains checks that every marker of the step points at a real slot.
func assertNoChains(t *testing.T, s *Store) {
	t.Helper()
	for mod := 0; mod <= s.Mod(); mod++ {
		sl, err := s.Slot(mod)
		require.NoError(t, err)
		if !sl.IsReversion() {
			continue
		}
		target, err := s.Slot(sl.Target)
		require.NoError(t, err)
		assert.False(t, target.IsReversion(), "mod_%d -> mod_%d is a chain", mod, sl.Target)
	}
}

func TestBeginStep(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, 1, s.Step())
	assert.Equal(t, 0, s.Mod())

	st, err := s.Status()
	require.NoError(t, err)
	assert.True(t, st.Initial)
	assert.True(t, st.FEVPassed())

	ref, err := s.ReadPromptRef(1)
	require.NoError(t, err)
	assert.Equal(t, PromptRef{ID: 1, Desc: "first"}, ref)

	fi, err := os.Stat(filepath.Join(s.Root(), "history", "1", "mod_0", "m.v"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), fi.Mode().Perm())
	assert.Equal(t, s.OriginalPath(), filepath.Join(s.Root(), "history", "1", "mod_0", "m.v"))
}

func TestCheckpointNumbering(t *testing.T) {
	s := newStore(t)
	for i, content := range []string{v1, v2, v3} {
		assert.Equal(t, i+1, edit(t, s, content))
	}
	for mod := 0; mod <= 3; mod++ {
		assert.DirExists(t, filepath.Join(s.Root(), "history", "1", fmt.Sprintf("mod_%d", mod)))
	}

	_, err := s.BeginStep(PromptRef{ID: 2, Desc: "second"}, Status{}, []byte(v3))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Step())
	assert.Equal(t, 0, s.Mod())
	assert.Equal(t, 1, edit(t, s, v0))
	assert.DirExists(t, filepath.Join(s.Root(), "history", "2", "mod_1"))
}

func TestCheckpointModifiedAndSticky(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.LivePath(), []byte(v1), 0o644))
	_, err := s.Checkpoint([]byte(v1), Status{By: OriginLLM, Model: "gpt", Incomplete: Bool(true), Plan: "more to do"})
	require.NoError(t, err)

	mod := edit(t, s, v1)
	st, err := s.ReadStatus(mod)
	require.NoError(t, err)
	assert.False(t, st.Modified)
	assert.True(t, st.IsIncomplete())
	assert.Equal(t, "more to do", st.Plan)
	assert.Empty(t, st.Model)

	mod = edit(t, s, v2)
	st, err = s.ReadStatus(mod)
	require.NoError(t, err)
	assert.True(t, st.Modified)
	assert.True(t, st.IsIncomplete())

	_, err = s.BeginStep(PromptRef{ID: 2}, st, []byte(v2))
	require.NoError(t, err)
	st, err = s.Status()
	require.NoError(t, err)
	assert.Nil(t, st.Incomplete)
	assert.Empty(t, st.Plan)
}

func TestExtraFieldsCarryAcrossSteps(t *testing.T) {
	s := newStore(t)
	in := Status{By: OriginLLM}
	in.SetExtra("clock", "clk")
	_, err := s.Checkpoint([]byte(v1), in)
	require.NoError(t, err)
	edit(t, s, v2)

	st, err := s.Status()
	require.NoError(t, err)
	_, err = s.BeginStep(PromptRef{ID: 2}, st, []byte(v2))
	require.NoError(t, err)
	st, err = s.Status()
	require.NoError(t, err)
	assert.Equal(t, "clk", st.Extra["clock"])
}

func TestPending(t *testing.T) {
	s := newStore(t)
	pending, err := s.Pending()
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, os.WriteFile(s.LivePath(), []byte(v1), 0o644))
	pending, err = s.Pending()
	require.NoError(t, err)
	assert.True(t, pending)

	err = s.Revert(0)
	assert.True(t, errors.Is(err, ErrPendingEdits))
}

func TestUndoAtFirstModification(t *testing.T) {
	s := newStore(t)
	_, err := s.Undo()
	assert.True(t, errors.Is(err, ErrNoPrevious))
	assert.Equal(t, 0, s.Mod())
}

func TestUndoRedo(t *testing.T) {
	s := newStore(t)
	edit(t, s, v1)
	edit(t, s, v2)

	prev, err := s.Undo()
	require.NoError(t, err)
	assert.Equal(t, 1, prev)
	assert.Equal(t, 3, s.Mod())
	assert.Equal(t, v1, live(t, s))

	prev, err = s.Undo()
	require.NoError(t, err)
	assert.Equal(t, 0, prev)
	assert.Equal(t, 3, s.Mod(), "the marker slot is reused")
	assert.Equal(t, v0, live(t, s))
	assertNoChains(t, s)

	cands, err := s.RedoCandidates()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, cands)
	require.NoError(t, s.Redo(1))
	assert.Equal(t, v1, live(t, s))

	cands, err = s.RedoCandidates()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, cands)
	require.NoError(t, s.Redo(2))
	assert.Equal(t, v2, live(t, s))
	cur, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, cur)
	assertNoChains(t, s)

	err = s.Redo(1)
	assert.True(t, errors.Is(err, ErrBadSlot))
}

func TestRedoBranches(t *testing.T) {
	s := newStore(t)
	edit(t, s, v1)
	edit(t, s, v2)
	_, err := s.Undo()
	require.NoError(t, err)

	_, err = s.RedoCandidates()
	require.NoError(t, err)

	assert.Equal(t, 4, edit(t, s, v3))
	_, err = s.RedoCandidates()
	assert.True(t, errors.Is(err, ErrNotReverted))

	_, err = s.Undo()
	require.NoError(t, err)
	assert.Equal(t, 5, s.Mod())
	cands, err := s.RedoCandidates()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, cands)
	assertNoChains(t, s)

	hist, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, Entry{Slot: 0, Mod: 0}, Entry{Slot: hist[0].Slot, Mod: hist[0].Mod})
	assert.Equal(t, Entry{Slot: 5, Mod: 1}, Entry{Slot: hist[1].Slot, Mod: hist[1].Mod})
}

func TestMostRecentMatching(t *testing.T) {
	s := newStore(t)
	edit(t, s, v1)
	require.NoError(t, s.UpdateStatus(func(st *Status) { st.FEV = VerdictPassed }))
	edit(t, s, v2)
	require.NoError(t, s.UpdateStatus(func(st *Status) { st.FEV = VerdictFailed }))

	mod, ok, err := s.LastVerified()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, mod)

	target, err := os.Readlink(filepath.Join(s.Root(), "current", "feved.v"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "history", "1", "mod_1", "m.v"), target)
	target, err = os.Readlink(filepath.Join(s.Root(), "current", "chkpt.v"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "history", "1", "mod_2", "m.v"), target)

	_, err = s.Undo()
	require.NoError(t, err)
	_, err = s.Undo()
	require.NoError(t, err)
	mod, ok, err = s.LastModified()
	require.NoError(t, err)
	assert.False(t, ok, "mod_0 did not modify the artifact, got %d", mod)
}

func TestDiscardStep(t *testing.T) {
	s := newStore(t)
	edit(t, s, v1)
	_, err := s.BeginStep(PromptRef{ID: 2}, Status{}, []byte(v1))
	require.NoError(t, err)
	edit(t, s, v2)

	require.NoError(t, s.DiscardStep())
	assert.Equal(t, 1, s.Step())
	assert.Equal(t, 1, s.Mod())
	assert.NoDirExists(t, filepath.Join(s.Root(), "history", "2"))
	target, err := os.Readlink(filepath.Join(s.Root(), "current", "chkpt.v"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "history", "1", "mod_1", "m.v"), target)

	require.NoError(t, s.DiscardStep())
	assert.Equal(t, 0, s.Step())
	assert.True(t, errors.Is(s.DiscardStep(), ErrNoStep))
}

func TestOpenResumes(t *testing.T) {
	s := newStore(t)
	edit(t, s, v1)
	edit(t, s, v2)
	_, err := s.Undo()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "history", ".tmp-step_2", "mod_0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "history", "1", ".tmp-mod_4"), 0o755))

	again, err := Open(s.Root(), "m.v")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Step())
	assert.Equal(t, 3, again.Mod())
	cur, err := again.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, cur)

	mod := edit(t, again, v3)
	assert.Equal(t, 4, mod)
}

func TestTranscript(t *testing.T) {
	s := newStore(t)
	tr := &Transcript{
		RunID:    "run-1",
		Time:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Model:    "gpt-4o",
		Request:  json.RawMessage(`{"prompt":"split it"}`),
		Response: json.RawMessage(`{"verilog":"..."}`),
	}
	mod, err := s.Checkpoint([]byte(v1), Status{By: OriginLLM}, WithTranscript(tr))
	require.NoError(t, err)

	got, err := s.Transcript(mod)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, tr.Time.Equal(got.Time))
	assert.JSONEq(t, `{"prompt":"split it"}`, string(got.Request))

	got, err = s.Transcript(0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotHash(t *testing.T) {
	s := newStore(t)
	snap, err := s.Snapshot(0)
	require.NoError(t, err)
	assert.Equal(t, ContentHash([]byte(v0)), snap.Hash)
	assert.Len(t, snap.ShortHash(), 8)
	assert.Equal(t, v0, string(snap.Content))
}
