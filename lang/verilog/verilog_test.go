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

package verilog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindArtifact(t *testing.T) {
	dir := t.TempDir()
	_, err := FindArtifact(dir, false)
	assert.True(t, errors.Is(err, ErrNoArtifact))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "alu_wrapper.sv"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	name, err := FindArtifact(dir, false)
	require.NoError(t, err)
	assert.Equal(t, "alu_wrapper.sv", name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "alu.v"), nil, 0o644))
	_, err = FindArtifact(dir, false)
	assert.True(t, errors.Is(err, ErrManyArtifact))

	name, err = FindArtifact(dir, true)
	require.NoError(t, err)
	assert.Equal(t, "alu.v", name)
	assert.Equal(t, "alu", ModuleName(name))
}

func TestWritable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.v")
	require.NoError(t, os.WriteFile(p, nil, 0o444))
	assert.True(t, errors.Is(CheckWritable(p), ErrNotWritable))
	require.NoError(t, MakeWritable(p))
	assert.NoError(t, CheckWritable(p))
}

func TestReviewMarkers(t *testing.T) {
	src := "module m;\n// LLM: New Task: split the FSM\nwire a; //User: why?\n// LLM: Old Task: done\nendmodule\n"
	markers := ReviewMarkers(src)
	require.Len(t, markers, 3)
	assert.Equal(t, 2, markers[0].Line)
	assert.Equal(t, 3, markers[1].Line)
	assert.Equal(t, "4: // LLM: Old Task: done", markers[2].String())

	assert.Empty(t, ReviewMarkers("module m;\n// User notes are fine without the colon form\nendmodule\n"))
}

func TestCleanComments(t *testing.T) {
	src := "module m;\n  // LLM: Temporary: remember the reset\nwire a; // LLM: Temporary: renamed\n// LLM:  New Task: pipeline it\nendmodule\n"
	want := "module m;\nwire a;\n// LLM: Old Task: pipeline it\nendmodule\n"
	assert.Equal(t, want, CleanComments(src))
	assert.Equal(t, want, CleanComments(want))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("module m;\nwire a;\nendmodule\n", "m"))
	assert.NoError(t, Validate("// module x\nmodule m(input a);\n/* endmodule */\nendmodule\nmodule sub;\nendmodule\n", "m"))

	tests := []struct {
		name string
		src  string
		n    int
	}{
		{"empty", "// nothing\n", 1},
		{"wrong module", "module n;\nendmodule\n", 1},
		{"unbalanced", "module m;\n", 1},
		{"elision left", "module x;\n...\nendmodule\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.src, "m")
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Len(t, verr.Errs, tt.n)
		})
	}
}
