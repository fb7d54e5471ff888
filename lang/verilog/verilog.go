/**
 * Copyright 2025 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package verilog holds the artifact-level helpers of the conversion: locating the
// working Verilog file, scanning it for review markers and cleaning the comments a
// generator leaves behind.
package verilog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNoArtifact   = errors.New("no Verilog file found")
	ErrManyArtifact = errors.New("there must be exactly one Verilog file")
	ErrNotWritable  = errors.New("the Verilog file must be writable")
)

// IsVerilog reports whether name has a Verilog or SystemVerilog extension.
func IsVerilog(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".v" || ext == ".sv"
}

// ModuleName is the module an artifact file is expected to define: its base name
// up to the first dot.
func ModuleName(file string) string {
	base := filepath.Base(file)
	if i := strings.Index(base, "."); i >= 0 {
		return base[:i]
	}
	return base
}

// FindArtifact picks the working Verilog file of dir. Without a history
// directory there must be exactly one Verilog file; with one, the shortest
// Verilog file name wins.
func FindArtifact(dir string, hasHistory bool) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsVerilog(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return "", errors.Wrapf(ErrNoArtifact, "in %s", dir)
	}
	if len(files) > 1 && !hasHistory {
		return "", errors.Wrapf(ErrManyArtifact, "found %s", strings.Join(files, ", "))
	}
	sort.SliceStable(files, func(i, j int) bool {
		if len(files[i]) != len(files[j]) {
			return len(files[i]) < len(files[j])
		}
		return files[i] < files[j]
	})
	return files[0], nil
}

// CheckWritable fails with ErrNotWritable when the owner cannot write path.
func CheckWritable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Mode().Perm()&0o200 == 0 {
		return errors.Wrap(ErrNotWritable, path)
	}
	return nil
}

// MakeWritable adds user and group write permission to path.
func MakeWritable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, fi.Mode().Perm()|0o220)
}

var (
	taskMarkerRe = regexp.MustCompile(`LLM: (New|Old) Task:`)
	userMarkerRe = regexp.MustCompile(`//\s*User:`)

	temporaryLineRe    = regexp.MustCompile(`^\s*//\s*LLM:\s*Temporary:.*$`)
	temporaryTrailerRe = regexp.MustCompile(`\s*//\s*LLM:\s*Temporary:.*$`)
	newTaskRe          = regexp.MustCompile(`//\s*LLM:\s*New Task:`)
)

// Marker is a comment left for human review.
type Marker struct {
	Line int
	Text string
}

func (m Marker) String() string {
	return fmt.Sprintf("%d: %s", m.Line, strings.TrimSpace(m.Text))
}

// ReviewMarkers lists the lines carrying "LLM: New Task:", "LLM: Old Task:" or
// "// User:" comments. An artifact with markers cannot be accepted.
func ReviewMarkers(src string) []Marker {
	var out []Marker
	for i, line := range strings.Split(src, "\n") {
		if taskMarkerRe.MatchString(line) || userMarkerRe.MatchString(line) {
			out = append(out, Marker{Line: i + 1, Text: line})
		}
	}
	return out
}

// CleanComments drops "// LLM: Temporary:" comments, whole lines or trailing,
// and turns "// LLM: New Task:" into "// LLM: Old Task:".
func CleanComments(src string) string {
	lines := strings.Split(src, "\n")
	out := lines[:0]
	for _, line := range lines {
		if temporaryLineRe.MatchString(line) {
			continue
		}
		line = temporaryTrailerRe.ReplaceAllString(line, "")
		line = newTaskRe.ReplaceAllString(line, "// LLM: Old Task:")
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
