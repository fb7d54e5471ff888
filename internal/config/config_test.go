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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
catalog: prompts/macro_prompts.yaml
log_level: debug
fev:
  eqy_template: fev.eqy
  yosys_script: /opt/fev/equiv.ys
  default_engine: yosys
models:
  - name: fast
    type: GPT
    model_name: gpt-4o-mini
    api_key_env: FEVCODER_TEST_KEY
    timeout: 90s
  - name: careful
    type: anthropic
    model_name: claude-opus
    format: md
default_model: fast
quality_model: careful
important_models: [careful]
automation:
  model: fast
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "prompts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "macro_prompts.yaml"), []byte("[]"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fev.eqy"), []byte(""), 0644))
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("FEVCODER_TEST_KEY", "secret")
	path := writeConfig(t, testConfig)
	dir := filepath.Dir(path)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.Path)
	assert.Equal(t, filepath.Join(dir, "prompts", "macro_prompts.yaml"), c.Catalog)
	assert.Equal(t, filepath.Join(dir, "fev.eqy"), c.FEV.EQYTemplate)
	assert.Equal(t, "/opt/fev/equiv.ys", c.FEV.YosysScript)
	assert.Equal(t, filepath.Join(dir, "fev.sby"), c.FEV.SBYTemplate)
	assert.Equal(t, "eqy", c.FEV.AutomationEngine)
	assert.Equal(t, 2, c.Automation.MaxRetry)
	assert.Equal(t, "tmp", c.ScratchDir)

	fast, ok := c.Model("fast")
	require.True(t, ok)
	assert.Equal(t, llm.ModelTypeOpenAI, fast.APIType)
	assert.Equal(t, "secret", fast.APIKey)
	assert.Equal(t, 90*time.Second, fast.Timeout)
	careful, _ := c.Model("careful")
	assert.Equal(t, llm.ModelTypeClaude, careful.APIType)
	assert.Equal(t, llm.FormatMarkdown, careful.Format)

	assert.Equal(t, []string{"careful"}, c.ModelNames(true))
	assert.Equal(t, []string{"fast", "careful"}, c.ModelNames(false))

	// fev.sby does not exist but no engine needs it
	assert.NoError(t, c.Validate())
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Catalog = filepath.Join(t.TempDir(), "missing.json")
	c.Models = []llm.ModelConfig{{Name: "a", APIType: llm.ModelTypeUnknown}, {Name: "a", APIType: llm.ModelTypeOpenAI, Format: "xml"}}
	c.DefaultModel = "b"
	c.FEV.DefaultEngine = "verilator"
	c.FEV.AutomationEngine = "yosys"

	err := c.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"missing.json not found", "defined twice", "unknown type", `unknown format "xml"`,
		`unknown model "b"`, `unknown FEV engine "verilator"`, "yosys has no script"} {
		assert.Contains(t, msg, want)
	}
}

func TestFEVOptions(t *testing.T) {
	c := Default()
	o := c.FEVOptions("/work")
	assert.Equal(t, "/work/tmp", o.ScratchDir)
	assert.Equal(t, "/work", o.Dir)
	assert.Equal(t, map[fev.Engine]string{fev.EngineEQY: "fev.eqy", fev.EngineSBY: "fev.sby"}, o.Scripts())
}
