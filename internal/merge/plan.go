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

package merge

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// ContextLines is the number of unchanged lines around each hunk.
const ContextLines = 3

// Plan holds the intermediate diffs of one reconstruction.
type Plan struct {
	baseline []string
	partial  []string

	// Raw is the unified diff from the partial update (orig) to the baseline (new).
	Raw []*diff.Hunk
	// Adjusted is Raw with elisions expanded into context. Hunks left without
	// changes are dropped.
	Adjusted []*diff.Hunk
}

// NewPlan diffs partial against baseline and adjusts the hunks. It fails with
// ErrAmbiguousElision when a marker cannot be placed.
func NewPlan(baseline, partial string) (*Plan, error) {
	p := &Plan{
		baseline: splitLines(ensureNewline(baseline)),
		partial:  splitLines(ensureNewline(partial)),
	}
	p.Raw = unifiedHunks(p.partial, p.baseline, ContextLines)
	adjusted, err := AdjustHunks(p.Raw)
	if err != nil {
		return nil, err
	}
	p.Adjusted = adjusted
	return p, nil
}

// Apply applies the adjusted diff in reverse to the baseline.
func (p *Plan) Apply() (string, error) {
	out, err := reverseApply(p.baseline, p.Adjusted)
	if err != nil {
		return "", err
	}
	return joinLines(out), nil
}

// Dump writes the raw and adjusted diffs as diff.txt and diff_mod.txt under dir.
func (p *Plan) Dump(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, hunks := range map[string][]*diff.Hunk{"diff.txt": p.Raw, "diff_mod.txt": p.Adjusted} {
		out, err := diff.PrintFileDiff(&diff.FileDiff{
			OrigName: "llm_resp",
			NewName:  "pre_llm",
			Hunks:    hunks,
		})
		if err != nil {
			return errors.Wrapf(err, "print %s", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), out, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// unifiedHunks computes the hunks turning a into b. Replacements list the
// deleted lines before the inserted ones, as diff -u does.
func unifiedHunks(a, b []string, context int) []*diff.Hunk {
	m := difflib.NewMatcher(a, b)
	var hunks []*diff.Hunk
	for _, group := range m.GetGroupedOpCodes(context) {
		first, last := group[0], group[len(group)-1]
		var body bytes.Buffer
		for _, op := range group {
			switch op.Tag {
			case 'e':
				writeLines(&body, ' ', a[op.I1:op.I2])
			case 'd':
				writeLines(&body, '-', a[op.I1:op.I2])
			case 'i':
				writeLines(&body, '+', b[op.J1:op.J2])
			case 'r':
				writeLines(&body, '-', a[op.I1:op.I2])
				writeLines(&body, '+', b[op.J1:op.J2])
			}
		}
		origLines := int32(last.I2 - first.I1)
		newLines := int32(last.J2 - first.J1)
		hunks = append(hunks, &diff.Hunk{
			OrigStartLine: startLine(first.I1, origLines),
			OrigLines:     origLines,
			NewStartLine:  startLine(first.J1, newLines),
			NewLines:      newLines,
			Body:          body.Bytes(),
		})
	}
	return hunks
}

func writeLines(buf *bytes.Buffer, tag byte, lines []string) {
	for _, l := range lines {
		buf.WriteByte(tag)
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
}

// startLine encodes a 0-based index as a unified-diff start line. An empty
// range names the line before it.
func startLine(index int, lines int32) int32 {
	if lines == 0 {
		return int32(index)
	}
	return int32(index) + 1
}

// startIndex is the inverse of startLine.
func startIndex(start, lines int32) int {
	if lines == 0 {
		return int(start)
	}
	return int(start) - 1
}

func hunkLines(h *diff.Hunk) []string {
	return splitLines(string(h.Body))
}

type lineState int

const (
	stateStart lineState = iota
	stateKeep
	stateAdded
	stateDeleted
	stateElided
	stateOmitted
)

// AdjustHunks rewrites hunks so that every elision deletion and the insertions
// following it become context. Orig lengths are recomputed per hunk and the length
// change is carried into the orig start of every later hunk. Hunks that end up
// with no change are dropped, but their length change is still carried.
func AdjustHunks(hunks []*diff.Hunk) ([]*diff.Hunk, error) {
	var out []*diff.Hunk
	var offset int32
	for i, h := range hunks {
		adj, changed, err := adjustHunk(h, offset)
		if err != nil {
			return nil, errors.Wrapf(err, "hunk %d (@@ -%d,%d +%d,%d @@)", i+1,
				h.OrigStartLine, h.OrigLines, h.NewStartLine, h.NewLines)
		}
		offset += adj.OrigLines - h.OrigLines
		if changed {
			out = append(out, adj)
		}
	}
	return out, nil
}

func adjustHunk(h *diff.Hunk, offset int32) (*diff.Hunk, bool, error) {
	var body bytes.Buffer
	var origLines, newLines int32
	changed := false
	state := stateStart
	for _, line := range hunkLines(h) {
		if line == "" {
			continue
		}
		tag, text := line[0], line[1:]
		switch {
		case tag == '-' && IsElision(text):
			if state != stateKeep {
				return nil, false, errors.Wrap(ErrAmbiguousElision, "no context line before elided text")
			}
			state = stateElided
			continue
		case tag == '+':
			changed = true
			if state == stateElided || state == stateOmitted {
				tag = ' '
				state = stateOmitted
			} else {
				state = stateAdded
			}
		case tag == '-':
			if state == stateElided {
				return nil, false, errors.Wrap(ErrAmbiguousElision, "no context line after elided text")
			}
			changed = true
			state = stateDeleted
		default:
			state = stateKeep
		}
		if tag != '+' {
			origLines++
		}
		if tag != '-' {
			newLines++
		}
		body.WriteByte(tag)
		body.WriteString(text)
		body.WriteByte('\n')
	}
	if newLines != h.NewLines {
		return nil, false, errors.Wrapf(ErrPatchApply, "hunk new length %d, counted %d", h.NewLines, newLines)
	}
	origIndex := startIndex(h.OrigStartLine, h.OrigLines) + int(offset)
	return &diff.Hunk{
		OrigStartLine: startLine(origIndex, origLines),
		OrigLines:     origLines,
		NewStartLine:  h.NewStartLine,
		NewLines:      h.NewLines,
		Section:       h.Section,
		Body:          body.Bytes(),
	}, changed, nil
}

// reverseApply turns the new side of hunks, found in base, back into their orig
// side. Every context and inserted line must match base exactly, and each hunk's
// orig start must match the position reached in the output.
func reverseApply(base []string, hunks []*diff.Hunk) ([]string, error) {
	out := make([]string, 0, len(base))
	pos := 0
	for i, h := range hunks {
		idx := startIndex(h.NewStartLine, h.NewLines)
		if idx < pos || idx > len(base) {
			return nil, errors.Wrapf(ErrPatchApply, "hunk %d starts at line %d, outside the file", i+1, h.NewStartLine)
		}
		out = append(out, base[pos:idx]...)
		pos = idx
		if want := startIndex(h.OrigStartLine, h.OrigLines); len(out) != want {
			return nil, errors.Wrapf(ErrPatchApply, "hunk %d expects orig line %d, reached %d", i+1, want+1, len(out)+1)
		}
		for _, line := range hunkLines(h) {
			if line == "" {
				continue
			}
			tag, text := line[0], line[1:]
			if tag == '-' {
				out = append(out, text)
				continue
			}
			if pos >= len(base) || base[pos] != text {
				return nil, errors.Wrapf(ErrPatchApply, "hunk %d: line %d does not match %q", i+1, pos+1, strings.TrimSpace(text))
			}
			if tag == ' ' {
				out = append(out, text)
			}
			pos++
		}
	}
	return append(out, base[pos:]...), nil
}
