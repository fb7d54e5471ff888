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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextApplicable(t *testing.T) {
	r := NewResolver(loadTestCatalog(t), TextPrompt("sys"))

	var st history.Status
	p, ok, err := r.NextApplicable(0, st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, p.ID)

	// 2 needs gated, 3 is excluded while reset is absent, 5 needs depth
	p, ok, err = r.NextApplicable(1, st)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, p)

	st.SetExtra("reset", "async")
	p, ok, err = r.NextApplicable(1, st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, p.ID)

	st.SetExtra("gated", "true")
	p, _, err = r.NextApplicable(1, st)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ID)

	st.SetExtra("depth", "4")
	p, ok, err = r.NextApplicable(3, st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, p.ID)

	_, ok, err = r.NextApplicable(5, st)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRender(t *testing.T) {
	c := loadTestCatalog(t)
	r := NewResolver(c, TextPrompt("You are {{.Model.Name}}."), TemplatePreprocessor{})

	var st history.Status
	req, err := r.Render(context.Background(), mustPrompt(t, c, 2), Data{Status: st, Model: llm.ModelConfig{Name: "m1"}})
	require.NoError(t, err)
	assert.Equal(t, "You are m1.", req.System())
	assert.Equal(t, "## prompt\n\nRemove gating.\n\nNote that the following \"extra fields\" have been determined to characterize the Verilog code:\n   clock: UNKNOWN",
		req.Messages[1].Content)

	st.SetExtra("clock", "clk")
	req, err = r.Render(context.Background(), mustPrompt(t, c, 3), Data{Status: st})
	require.NoError(t, err)
	assert.Equal(t, "## background\n\nResets matter.\n\n## prompt\n\nMake resets synchronous.", req.Messages[1].Content)

	req, err = r.Render(context.Background(), mustPrompt(t, c, 1), Data{Status: st})
	require.NoError(t, err)
	assert.Equal(t, []string{"clock"}, req.MustProduce)
}

func TestRenderMacro(t *testing.T) {
	c := loadTestCatalog(t)
	r := NewResolver(c, TextPrompt("sys"))
	var st history.Status
	st.SetExtra("clock", "clk")

	req, err := r.RenderMacro(context.Background(), c.Macros[0], Data{Status: st})
	require.NoError(t, err)
	want := "## prompt\n\nClean up all clocking." +
		"\n\nNote that this macro transformation must produce the following extra fields:\n   clock: (required field)" +
		"\n\nNote that the following \"extra fields\" have been determined to characterize the Verilog code:\n   clock: clk"
	assert.Equal(t, want, req.Messages[1].Content)
	assert.Equal(t, []string{"clock"}, req.MustProduce)
	assert.Empty(t, req.MayProduce)
}

func TestRecoverID(t *testing.T) {
	c := loadTestCatalog(t)
	r := NewResolver(c, nil)

	id, err := r.RecoverID(history.PromptRef{ID: 3, Desc: "Sync reset"})
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	id, err = r.RecoverID(history.PromptRef{ID: 7, Desc: "Gate clocks"})
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	id, err = r.RecoverID(history.PromptRef{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	_, err = r.RecoverID(history.PromptRef{ID: 2, Desc: "Renamed away"})
	assert.ErrorIs(t, err, ErrCatalogMismatch)

	id, err = r.RecoverID(r.MacroRef(c.Macros[1]))
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	id, err = r.RecoverID(history.PromptRef{ID: 9, Desc: "Resets", Type: history.PromptRefMacro})
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	assert.Equal(t, history.PromptRef{ID: 5, Desc: "Done"}, r.Ref(mustPrompt(t, c, 5)))
}

func TestTemplatePreprocessor(t *testing.T) {
	var st history.Status
	st.SetExtra("clock", "clk")
	out, err := Preprocess(context.Background(), []Preprocessor{TemplatePreprocessor{}}, "prompt",
		"Clock {{.Status.clock}}, reset [{{.Status.reset}}].", Data{Status: st})
	require.NoError(t, err)
	assert.Equal(t, "Clock clk, reset [].", out)

	out, err = Preprocess(context.Background(), []Preprocessor{TemplatePreprocessor{}}, "prompt", "plain", Data{})
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	t.Run("verilog replication", func(t *testing.T) {
		tests := []struct {
			name string
			text string
		}{
			{"no action", "Use {{8{a[7]}}, a} for sign extension."},
			{"with action", "Model {{.Model.Name}}: use {{8{a[7]}}, a}."},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				out, err := Preprocess(context.Background(), []Preprocessor{TemplatePreprocessor{}}, "prompt", tt.text, Data{})
				require.NoError(t, err)
				assert.Equal(t, tt.text, out)
			})
		}
	})
}

func TestRender_VerilogReplication(t *testing.T) {
	text := "Replace manual sign extension with `{{8{a[7]}}, a}`."
	c, err := NewCatalog([]*MacroSpec{{Desc: "Extension", Substeps: []*PromptSpec{{ID: 1, Desc: "Sign extension", Prompt: text}}}})
	require.NoError(t, err)
	r := NewResolver(c, TextPrompt("Keep {{ {a, b} }} intact."), TemplatePreprocessor{})

	req, err := r.Render(context.Background(), mustPrompt(t, c, 1), Data{})
	require.NoError(t, err)
	assert.Equal(t, "Keep {{ {a, b} }} intact.", req.System())
	assert.Equal(t, "## prompt\n\n"+text, req.Messages[1].Content)
}

func TestM5Preprocessor(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "m5")
	// stand-in: echo the input file
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat \"$3\"\n"), 0755))

	pp := M5Preprocessor{Command: script, ScratchDir: dir}
	assert.False(t, pp.Applies("no macros"))
	assert.False(t, M5Preprocessor{}.Applies("m5_foo"))

	var st history.Status
	st.SetExtra("clock", "clk")
	out, err := pp.Process(context.Background(), "prompt", "m5_status_clock", Data{Status: st, Model: llm.ModelConfig{APIType: llm.ModelTypeOpenAI, Name: "g"}})
	require.NoError(t, err)
	assert.Contains(t, out, "m5_var(api, ['openai'])")
	assert.Contains(t, out, "m5_var(status_clock, ['clk'])")
	assert.True(t, strings.HasSuffix(out, ")m5_status_clock"))
	assert.FileExists(t, filepath.Join(dir, "m5", "prompt.txt"))
}

func TestLoadSystemMessage(t *testing.T) {
	p, err := LoadSystemMessage("")
	require.NoError(t, err)
	assert.Contains(t, p.String(), "equivalence")

	path := filepath.Join(t.TempDir(), "sys.md")
	require.NoError(t, os.WriteFile(path, []byte("custom"), 0644))
	p, err = LoadSystemMessage(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", p.String())
}
