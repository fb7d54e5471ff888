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

// Package merge rebuilds a complete artifact from a partial update in which runs
// of unchanged lines were replaced by an elision marker line ("...").
//
// The partial update is diffed against the baseline with the partial update as the
// "old" side. Every elided deletion and the insertions that follow it are turned into
// context lines, hunk headers are recomputed, and the adjusted diff is applied in
// reverse to the baseline.
package merge

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrAmbiguousElision means an elision marker lacks the surrounding context that
	// is needed to place the omitted lines.
	ErrAmbiguousElision = errors.New("ambiguous elision")
	// ErrPatchApply means the adjusted diff does not apply to the baseline.
	ErrPatchApply = errors.New("patch does not apply")
)

var elisionRe = regexp.MustCompile(`^\s*\.\.\.`)

// IsElision reports whether line is an elision marker. Leading indentation is allowed.
func IsElision(line string) bool {
	return elisionRe.MatchString(line)
}

// Reconstruct returns the full artifact denoted by partial relative to baseline.
// A partial consisting of a lone elision marker yields baseline unchanged; a partial
// without markers yields itself.
func Reconstruct(baseline, partial string) (string, error) {
	partial = ensureNewline(partial)
	if isNoop(partial) {
		return baseline, nil
	}
	plan, err := NewPlan(baseline, partial)
	if err != nil {
		return "", err
	}
	return plan.Apply()
}

func isNoop(partial string) bool {
	lines := splitLines(partial)
	return len(lines) == 1 && IsElision(lines[0])
}

func ensureNewline(s string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		return s + "\n"
	}
	return s
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
