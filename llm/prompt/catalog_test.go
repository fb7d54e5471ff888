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

package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogJSON = `[
  {
    "desc": "Clocking",
    "prompt": "Clean up all clocking.",
    "must_produce": ["clock"],
    "substeps": [
      {"id": 1, "desc": "Find clock", "prompt": "Identify the clock.
Report it.", "must_produce": ["clock"]},
      {"id": 2, "desc": "Gate clocks", "prompt": "Remove gating.", "if": {"gated": "true"}, "needs": ["clock"]}
    ]
  },
  {
    "desc": "Resets",
    "prompt": "Handle resets.",
    "substeps": [
      {"id": 3, "desc": "Sync reset", "prompt": "Make resets synchronous.", "unless": {"reset": ["sync", ""]}, "background": "Resets matter."},
      {"id": 5, "desc": "Done", "prompt": "Final pass.", "when": "depth > 2"}
    ]
  }
]`

const testCatalogYAML = `
- desc: Clocking
  prompt: Clean up all clocking.
  substeps:
    - id: 1
      desc: Find clock
      prompt: |
        Identify the clock.
      if:
        kind: [fifo, ram]
        mode: ""
    - id: 2
      desc: Never
      prompt: Skip me.
      if: {}
`

func writeCatalog(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func loadTestCatalog(t *testing.T) *Catalog {
	c, err := LoadCatalog(writeCatalog(t, "macro_prompts.json", testCatalogJSON))
	require.NoError(t, err)
	return c
}

func TestLoadCatalog_JSON(t *testing.T) {
	c := loadTestCatalog(t)
	assert.Equal(t, 6, c.Len())
	assert.Len(t, c.Macros, 2)
	assert.Len(t, c.Prompts(), 4)

	p0, err := c.Prompt(0)
	require.NoError(t, err)
	assert.Equal(t, "Initial prompt (unused)", p0.Desc)

	p1, err := c.Prompt(1)
	require.NoError(t, err)
	assert.Equal(t, "Identify the clock.\nReport it.", p1.Prompt)

	_, err = c.Prompt(4)
	assert.ErrorIs(t, err, ErrUnknownPrompt)

	m, ok := c.MacroFor(3)
	require.True(t, ok)
	assert.Equal(t, 1, m.ID)
	assert.Equal(t, []int{3, 5}, m.SubstepIDs())
	_, ok = c.MacroFor(0)
	assert.False(t, ok)

	p, ok := c.ByDesc("Gate clocks")
	require.True(t, ok)
	assert.Equal(t, 2, p.ID)
	assert.Equal(t, []string{"sync", ""}, []string(mustPrompt(t, c, 3).Unless["reset"]))
}

func TestLoadCatalog_YAML(t *testing.T) {
	c, err := LoadCatalog(writeCatalog(t, "macro_prompts.yaml", testCatalogYAML))
	require.NoError(t, err)
	p := mustPrompt(t, c, 1)
	assert.Equal(t, "Identify the clock.\n", p.Prompt)
	assert.Equal(t, Alternatives{"fifo", "ram"}, p.If["kind"])
	assert.Equal(t, Alternatives{""}, p.If["mode"])

	ok, err := mustPrompt(t, c, 2).Applicable(history.Status{})
	require.NoError(t, err)
	assert.False(t, ok, "an empty if clause never holds")
}

func TestNewCatalog_Errors(t *testing.T) {
	_, err := NewCatalog([]*MacroSpec{{Substeps: []*PromptSpec{{ID: 1, Desc: "a"}, {ID: 2, Desc: "a"}}}})
	assert.ErrorIs(t, err, ErrDuplicateDescription)

	_, err = NewCatalog([]*MacroSpec{{Substeps: []*PromptSpec{{ID: 1, Desc: "a"}}}, {Substeps: []*PromptSpec{{ID: 1, Desc: "b"}}}})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = NewCatalog([]*MacroSpec{{Substeps: []*PromptSpec{{ID: 1, Desc: "a", When: "depth >"}}}})
	assert.ErrorIs(t, err, ErrInvalidCondition)

	_, err = NewCatalog([]*MacroSpec{{Substeps: []*PromptSpec{{ID: 0, Desc: "a"}}}})
	assert.Error(t, err)
}

func TestApplicable(t *testing.T) {
	st := func(kv ...string) history.Status {
		var s history.Status
		for i := 0; i < len(kv); i += 2 {
			s.SetExtra(kv[i], kv[i+1])
		}
		return s
	}
	tests := []struct {
		name string
		p    PromptSpec
		st   history.Status
		want bool
	}{
		{"no conditions", PromptSpec{}, st(), true},
		{"if matches", PromptSpec{If: Condition{"kind": {"fifo", "ram"}}}, st("kind", "ram"), true},
		{"if mismatch", PromptSpec{If: Condition{"kind": {"fifo"}}}, st("kind", "ram"), false},
		{"if absent matches empty", PromptSpec{If: Condition{"kind": {""}}}, st(), true},
		{"if any field", PromptSpec{If: Condition{"kind": {"x"}, "mode": {"y"}}}, st("mode", "y"), true},
		{"unless all match", PromptSpec{Unless: Condition{"kind": {"fifo"}, "mode": {"y"}}}, st("kind", "fifo", "mode", "y"), false},
		{"unless partial match", PromptSpec{Unless: Condition{"kind": {"fifo"}, "mode": {"y"}}}, st("kind", "fifo"), true},
		{"unless absent", PromptSpec{Unless: Condition{"reset": {"sync", ""}}}, st(), false},
		{"empty if", PromptSpec{If: Condition{}}, st("kind", "ram"), false},
		{"empty unless", PromptSpec{Unless: Condition{}}, st("kind", "ram"), true},
		{"if and unless", PromptSpec{If: Condition{"kind": {"fifo"}}, Unless: Condition{"kind": {"fifo"}}}, st("kind", "fifo"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Applicable(tt.st)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("when", func(t *testing.T) {
		c, err := NewCatalog([]*MacroSpec{{Substeps: []*PromptSpec{
			{ID: 1, Desc: "a", When: "depth > 2 && kind == 'fifo'"},
			{ID: 2, Desc: "b", When: "depth"},
		}}})
		require.NoError(t, err)
		ok, err := mustPrompt(t, c, 1).Applicable(st("depth", "3", "kind", "fifo"))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = mustPrompt(t, c, 1).Applicable(st("depth", "1", "kind", "fifo"))
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = mustPrompt(t, c, 2).Applicable(st("depth", "3"))
		assert.ErrorIs(t, err, ErrInvalidCondition)
	})

	t.Run("known fields", func(t *testing.T) {
		s := history.Status{Incomplete: history.Bool(true)}
		ok, err := (&PromptSpec{If: Condition{"incomplete": {"true"}}}).Applicable(s)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func mustPrompt(t *testing.T, c *Catalog, id int) *PromptSpec {
	t.Helper()
	p, err := c.Prompt(id)
	require.NoError(t, err)
	return p
}
