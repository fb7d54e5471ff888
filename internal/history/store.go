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

// Package history is the checkpoint store of a conversion session.
//
// The store lives under <root>/history as an arena of immutable modifications
// indexed by (step, mod). Each slot history/<step>/mod_<n> is either a directory
// holding the artifact snapshot and its status.json, or a reversion marker: a
// symlink to an earlier real slot of the same step. Markers never point at markers.
//
// The live artifact is <root>/<artifact>. The pointers current/chkpt.<ext> and
// current/feved.<ext> name the latest checkpoint and the latest snapshot that
// passed equivalence checking.
package history

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/pkg/errors"
)

var (
	ErrNoPrevious       = errors.New("no previous modification")
	ErrPendingEdits     = errors.New("the artifact has uncheckpointed edits")
	ErrNotReverted      = errors.New("the current modification is not a reversion")
	ErrNoStep           = errors.New("no step has been started")
	ErrChainedReversion = errors.New("reversion marker points at another reversion marker")
	ErrBadSlot          = errors.New("invalid modification slot")
)

const (
	HistoryDir    = "history"
	CurrentDir    = "current"
	StatusFile    = "status.json"
	PromptRefFile = "prompt_id.txt"

	modPrefix = "mod_"
)

// Store is the checkpoint store of one working directory. It is not safe for
// concurrent use.
type Store struct {
	root     string
	artifact string

	step int // 0 until the first step is begun
	mod  int // highest slot of the step, -1 when the step is empty
}

// Open reads the store under root for the artifact file name, re-deriving the
// current step and modification from the directory layout.
func Open(root, artifact string) (*Store, error) {
	s := &Store{root: root, artifact: artifact, mod: -1}
	if err := os.MkdirAll(filepath.Join(root, HistoryDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "create history dir")
	}
	entries, err := os.ReadDir(filepath.Join(root, HistoryDir))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > s.step {
			s.step = n
		}
	}
	if s.step > 0 {
		s.mod = s.lastSlot(s.step)
	}
	return s, nil
}

func (s *Store) lastSlot(step int) int {
	n := -1
	for utils.FileExists(s.slotPath(step, n+1)) {
		n++
	}
	return n
}

// Root is the working directory.
func (s *Store) Root() string { return s.root }

// Artifact is the artifact file name.
func (s *Store) Artifact() string { return s.artifact }

// LivePath is the path of the live, editable artifact.
func (s *Store) LivePath() string { return filepath.Join(s.root, s.artifact) }

// Step is the current step number, 0 before the first step.
func (s *Store) Step() int { return s.step }

// Mod is the current slot of the step, -1 when the step has none.
func (s *Store) Mod() int { return s.mod }

func (s *Store) stepDir(step int) string {
	return filepath.Join(s.root, HistoryDir, strconv.Itoa(step))
}

func (s *Store) slotPath(step, mod int) string {
	return filepath.Join(s.stepDir(step), modPrefix+strconv.Itoa(mod))
}

// ModDir is the directory of a modification of the current step, after resolving reversions.
func (s *Store) ModDir(mod int) (string, error) {
	actual, err := s.Resolve(mod)
	if err != nil {
		return "", err
	}
	return s.slotPath(s.step, actual), nil
}

// ArtifactPath is the snapshot path of a modification of the current step.
func (s *Store) ArtifactPath(mod int) (string, error) {
	dir, err := s.ModDir(mod)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, s.artifact), nil
}

// OriginalPath is the snapshot of the input artifact, history/1/mod_0.
func (s *Store) OriginalPath() string {
	return filepath.Join(s.slotPath(1, 0), s.artifact)
}

func parseModName(name string) (int, bool) {
	if !strings.HasPrefix(name, modPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, modPrefix))
	return n, err == nil && n >= 0
}

// Slot describes one slot of the current step.
type Slot struct {
	Index  int
	Target int // equal to Index unless the slot is a reversion marker
}

// IsReversion reports whether the slot is a reversion marker.
func (sl Slot) IsReversion() bool { return sl.Index != sl.Target }

// Slot reads slot mod of the current step.
func (s *Store) Slot(mod int) (Slot, error) {
	if s.step == 0 {
		return Slot{}, ErrNoStep
	}
	if mod < 0 || mod > s.mod {
		return Slot{}, errors.Wrapf(ErrBadSlot, "mod_%d of step %d", mod, s.step)
	}
	p := s.slotPath(s.step, mod)
	fi, err := os.Lstat(p)
	if err != nil {
		return Slot{}, err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return Slot{Index: mod, Target: mod}, nil
	}
	dest, err := os.Readlink(p)
	if err != nil {
		return Slot{}, err
	}
	target, ok := parseModName(dest)
	if !ok || target >= mod {
		return Slot{}, errors.Wrapf(ErrBadSlot, "mod_%d links to %q", mod, dest)
	}
	return Slot{Index: mod, Target: target}, nil
}

// Resolve follows a reversion marker to the modification it denotes.
func (s *Store) Resolve(mod int) (int, error) {
	sl, err := s.Slot(mod)
	if err != nil {
		return 0, err
	}
	if !sl.IsReversion() {
		return mod, nil
	}
	target, err := s.Slot(sl.Target)
	if err != nil {
		return 0, err
	}
	if target.IsReversion() {
		return 0, errors.Wrapf(ErrChainedReversion, "mod_%d -> mod_%d -> mod_%d", mod, sl.Target, target.Target)
	}
	return sl.Target, nil
}

// Current is the resolved current modification.
func (s *Store) Current() (int, error) {
	if s.mod < 0 {
		return 0, ErrNoStep
	}
	return s.Resolve(s.mod)
}

// ReadStatus returns the status of a modification of the current step. A slot
// without status.json has an empty status.
func (s *Store) ReadStatus(mod int) (Status, error) {
	dir, err := s.ModDir(mod)
	if err != nil {
		return Status{}, err
	}
	return readStatusFile(filepath.Join(dir, StatusFile))
}

func readStatusFile(path string) (Status, error) {
	var st Status
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, errors.Wrapf(err, "decode %s", path)
	}
	return st, nil
}

// Status returns the status of the current modification, or an empty status
// before the first step.
func (s *Store) Status() (Status, error) {
	if s.mod < 0 {
		return Status{}, nil
	}
	return s.ReadStatus(s.mod)
}

// Content returns the snapshot of a modification of the current step.
func (s *Store) Content(mod int) ([]byte, error) {
	p, err := s.ArtifactPath(mod)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Snapshot returns the snapshot of a modification of the current step.
func (s *Store) Snapshot(mod int) (*Snapshot, error) {
	actual, err := s.Resolve(mod)
	if err != nil {
		return nil, err
	}
	content, err := s.Content(actual)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(s.step, actual, content), nil
}

// Transcript returns the generator transcript stored with a modification, or nil.
func (s *Store) Transcript(mod int) (*Transcript, error) {
	dir, err := s.ModDir(mod)
	if err != nil {
		return nil, err
	}
	t, err := readTranscript(filepath.Join(dir, TranscriptFile))
	if os.IsNotExist(errors.Cause(err)) {
		return nil, nil
	}
	return t, err
}

// ReadLive returns the live artifact.
func (s *Store) ReadLive() ([]byte, error) {
	return os.ReadFile(s.LivePath())
}

// Pending reports whether the live artifact differs from the current checkpoint.
func (s *Store) Pending() (bool, error) {
	if s.mod < 0 {
		return false, nil
	}
	live, err := s.ReadLive()
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	snap, err := s.Content(s.mod)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(live, snap), nil
}

// ReadPromptRef returns the prompt reference of a step.
func (s *Store) ReadPromptRef(step int) (PromptRef, error) {
	var ref PromptRef
	data, err := os.ReadFile(filepath.Join(s.stepDir(step), PromptRefFile))
	if err != nil {
		return ref, err
	}
	err = json.Unmarshal(data, &ref)
	return ref, errors.Wrapf(err, "decode prompt_id.txt of step %d", step)
}

// WritePromptRef replaces the prompt reference of the current step.
func (s *Store) WritePromptRef(ref PromptRef) error {
	if s.step == 0 {
		return ErrNoStep
	}
	data, err := utils.MarshalJSONBytes(ref)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(filepath.Join(s.stepDir(s.step), PromptRefFile), data, 0o644)
}

// BeginStep opens the next step for ref with content as its mod_0. The status of
// mod_0 is {initial, fev: passed} plus the sticky fields of carry, normally the
// status the previous step ended with. The live artifact is set to content.
func (s *Store) BeginStep(ref PromptRef, carry Status, content []byte) (int, error) {
	step := s.step + 1
	final := s.stepDir(step)
	if utils.FileExists(final) {
		return 0, errors.Errorf("step directory %s already exists", final)
	}
	tmp := filepath.Join(s.root, HistoryDir, ".tmp-step_"+strconv.Itoa(step))
	if err := os.RemoveAll(tmp); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return 0, err
	}
	status := Status{Initial: true, FEV: VerdictPassed}.Carry(carry, false)
	refData, err := utils.MarshalJSONBytes(ref)
	if err != nil {
		return 0, err
	}
	build := func() error {
		if err := os.WriteFile(filepath.Join(tmp, PromptRefFile), refData, 0o644); err != nil {
			return err
		}
		return writeMod(filepath.Join(tmp, modPrefix+"0"), s.artifact, content, status, nil)
	}
	if err := build(); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, errors.Wrapf(err, "build step %d", step)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, errors.Wrapf(err, "finalize step %d", step)
	}
	s.step, s.mod = step, 0
	log.Debug("began step %d (prompt %d %q)", step, ref.ID, ref.Desc)
	if _, err := utils.WriteIfDifferent(s.LivePath(), content); err != nil {
		return step, errors.Wrap(err, "restore live artifact")
	}
	return step, s.updatePointers()
}

// CheckpointOption adds optional content to a checkpoint.
type CheckpointOption func(*checkpointOptions)

type checkpointOptions struct {
	transcript *Transcript
}

// WithTranscript stores the generator exchange next to the snapshot.
func WithTranscript(t *Transcript) CheckpointOption {
	return func(o *checkpointOptions) { o.transcript = t }
}

// Checkpoint appends content as a new modification of the current step. The
// propagation rules of Status are applied against the current modification and
// Modified is set when content differs from it.
func (s *Store) Checkpoint(content []byte, status Status, opts ...CheckpointOption) (int, error) {
	if s.step == 0 {
		return 0, ErrNoStep
	}
	var o checkpointOptions
	for _, opt := range opts {
		opt(&o)
	}
	if s.mod >= 0 {
		prev, err := s.Status()
		if err != nil {
			return 0, err
		}
		status = status.Carry(prev, true)
		prevContent, err := s.Content(s.mod)
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(prevContent, content) {
			status.Modified = true
		}
	}
	n := s.mod + 1
	dir := s.stepDir(s.step)
	tmp := filepath.Join(dir, ".tmp-"+modPrefix+strconv.Itoa(n))
	if err := os.RemoveAll(tmp); err != nil {
		return 0, err
	}
	if err := writeMod(tmp, s.artifact, content, status, o.transcript); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, errors.Wrapf(err, "build mod_%d", n)
	}
	if err := os.Rename(tmp, s.slotPath(s.step, n)); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, errors.Wrapf(err, "finalize mod_%d", n)
	}
	s.mod = n
	log.Debug("checkpointed history/%d/mod_%d (by %s)", s.step, n, status.By)
	return n, s.updatePointers()
}

func writeMod(dir, artifact string, content []byte, status Status, t *Transcript) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Snapshots are read-only so that an open editor cannot change them behind the store.
	if err := os.WriteFile(filepath.Join(dir, artifact), content, 0o444); err != nil {
		return err
	}
	if err := writeStatusFile(filepath.Join(dir, StatusFile), status); err != nil {
		return err
	}
	if t != nil {
		return writeTranscript(filepath.Join(dir, TranscriptFile), t)
	}
	return nil
}

func writeStatusFile(path string, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}

// UpdateStatus edits the status of the current modification in place.
func (s *Store) UpdateStatus(fn func(*Status)) error {
	if s.mod < 0 {
		return ErrNoStep
	}
	return s.UpdateStatusAt(s.mod, fn)
}

// UpdateStatusAt edits the status of a modification of the current step in place.
func (s *Store) UpdateStatusAt(mod int, fn func(*Status)) error {
	dir, err := s.ModDir(mod)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, StatusFile)
	st, err := readStatusFile(path)
	if err != nil {
		return err
	}
	fn(&st)
	if err := writeStatusFile(path, st); err != nil {
		return err
	}
	return s.updatePointers()
}

// Revert makes target the current modification by writing a reversion marker:
// the current slot is reused when it already is a marker, otherwise a new slot is
// appended. The live artifact is restored to the target's snapshot.
func (s *Store) Revert(target int) error {
	if s.mod < 0 {
		return ErrNoStep
	}
	pending, err := s.Pending()
	if err != nil {
		return err
	}
	if pending {
		return ErrPendingEdits
	}
	actual, err := s.Resolve(target)
	if err != nil {
		return err
	}
	cur, err := s.Slot(s.mod)
	if err != nil {
		return err
	}
	slot := s.mod + 1
	if cur.IsReversion() {
		slot = s.mod
	}
	if actual >= slot {
		return errors.Wrapf(ErrBadSlot, "cannot revert to mod_%d from mod_%d", actual, s.mod)
	}
	if err := s.setMarker(slot, actual); err != nil {
		return err
	}
	return s.restoreLive()
}

// Undo reverts to the modification preceding the current one. At mod_0 it fails
// with ErrNoPrevious.
func (s *Store) Undo() (int, error) {
	cur, err := s.Current()
	if err != nil {
		return 0, err
	}
	if cur == 0 {
		return 0, ErrNoPrevious
	}
	prev, err := s.Resolve(cur - 1)
	if err != nil {
		return 0, err
	}
	return prev, s.Revert(prev)
}

func (s *Store) setMarker(slot, target int) error {
	link := s.slotPath(s.step, slot)
	if err := utils.SymlinkAtomic(modPrefix+strconv.Itoa(target), link); err != nil {
		return err
	}
	if slot > s.mod {
		s.mod = slot
	}
	log.Debug("history/%d/mod_%d -> mod_%d", s.step, slot, target)
	return s.updatePointers()
}

func (s *Store) restoreLive() error {
	content, err := s.Content(s.mod)
	if err != nil {
		return err
	}
	_, err = utils.WriteIfDifferent(s.LivePath(), content)
	return err
}

// RedoCandidates lists the real modifications that were undone from the current
// one: those whose preceding slot resolves to it. The current slot must be a
// reversion marker.
func (s *Store) RedoCandidates() ([]int, error) {
	if s.mod < 0 {
		return nil, ErrNoStep
	}
	cur, err := s.Slot(s.mod)
	if err != nil {
		return nil, err
	}
	if !cur.IsReversion() {
		return nil, ErrNotReverted
	}
	var out []int
	for c := 1; c < s.mod; c++ {
		sl, err := s.Slot(c)
		if err != nil {
			return nil, err
		}
		if sl.IsReversion() {
			continue
		}
		prev, err := s.Resolve(c - 1)
		if err != nil {
			return nil, err
		}
		if prev == cur.Target {
			out = append(out, c)
		}
	}
	return out, nil
}

// Redo points the current reversion marker at candidate, one of RedoCandidates.
func (s *Store) Redo(candidate int) error {
	pending, err := s.Pending()
	if err != nil {
		return err
	}
	if pending {
		return ErrPendingEdits
	}
	cands, err := s.RedoCandidates()
	if err != nil {
		return err
	}
	if i := sort.SearchInts(cands, candidate); i == len(cands) || cands[i] != candidate {
		return errors.Wrapf(ErrBadSlot, "mod_%d is not a redo candidate", candidate)
	}
	if err := s.setMarker(s.mod, candidate); err != nil {
		return err
	}
	return s.restoreLive()
}

// MostRecentMatching walks back from the current modification, following
// reversions, and returns the first modification whose status satisfies pred.
func (s *Store) MostRecentMatching(pred func(mod int, st Status) bool) (int, bool, error) {
	for mod := s.mod; mod >= 0; mod-- {
		actual, err := s.Resolve(mod)
		if err != nil {
			return 0, false, err
		}
		st, err := s.ReadStatus(actual)
		if err != nil {
			return 0, false, err
		}
		if pred(actual, st) {
			return actual, true, nil
		}
		mod = actual
	}
	return 0, false, nil
}

// LastVerified is the most recent modification that passed equivalence checking.
func (s *Store) LastVerified() (int, bool, error) {
	return s.MostRecentMatching(func(_ int, st Status) bool { return st.FEVPassed() })
}

// LastModified is the most recent modification that changed the artifact.
func (s *Store) LastModified() (int, bool, error) {
	return s.MostRecentMatching(func(_ int, st Status) bool { return st.Modified })
}

// DiscardStep removes the current step and everything in it, making the
// previous step current again. The live artifact is left alone.
func (s *Store) DiscardStep() error {
	if s.step == 0 {
		return ErrNoStep
	}
	if err := os.RemoveAll(s.stepDir(s.step)); err != nil {
		return errors.Wrapf(err, "remove step %d", s.step)
	}
	log.Info("discarded step %d", s.step)
	s.step--
	s.mod = -1
	if s.step > 0 {
		s.mod = s.lastSlot(s.step)
	}
	return s.updatePointers()
}

// Entry is one line of the step history.
type Entry struct {
	Slot   int
	Mod    int // resolved modification
	Status Status
}

// History returns up to limit entries of the current step's line of history,
// oldest first, walking back from the current slot through reversions.
func (s *Store) History(limit int) ([]Entry, error) {
	var out []Entry
	for slot := s.mod; slot >= 0 && len(out) < limit; {
		actual, err := s.Resolve(slot)
		if err != nil {
			return nil, err
		}
		st, err := s.ReadStatus(actual)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Slot: slot, Mod: actual, Status: st})
		slot = actual - 1
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) updatePointers() error {
	cur := filepath.Join(s.root, CurrentDir)
	if err := os.MkdirAll(cur, 0o755); err != nil {
		return err
	}
	ext := filepath.Ext(s.artifact)
	chkpt := filepath.Join(cur, "chkpt"+ext)
	feved := filepath.Join(cur, "feved"+ext)
	if s.mod < 0 {
		_ = os.Remove(chkpt)
		_ = os.Remove(feved)
		return nil
	}
	rel := func(mod int) string {
		return filepath.Join("..", HistoryDir, strconv.Itoa(s.step), modPrefix+strconv.Itoa(mod), s.artifact)
	}
	actual, err := s.Current()
	if err != nil {
		return err
	}
	if err := utils.SymlinkAtomic(rel(actual), chkpt); err != nil {
		return err
	}
	verified, ok, err := s.LastVerified()
	if err != nil || !ok {
		return err
	}
	return utils.SymlinkAtomic(rel(verified), feved)
}
