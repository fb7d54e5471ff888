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

// Package config loads fevcoder.yaml.
package config

import (
	"os"
	"path/filepath"

	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "fevcoder.yaml"

type FEV struct {
	EQYTemplate  string `yaml:"eqy_template"`
	SBYTemplate  string `yaml:"sby_template"`
	YosysScript  string `yaml:"yosys_script"`
	EQYCommand   string `yaml:"eqy_command"`
	SBYCommand   string `yaml:"sby_command"`
	YosysCommand string `yaml:"yosys_command"`
	// DefaultEngine is used by interactive verification, AutomationEngine by automation.
	DefaultEngine    string `yaml:"default_engine"`
	AutomationEngine string `yaml:"automation_engine"`
}

type M5 struct {
	Command string `yaml:"command"`
}

type Automation struct {
	Model    string `yaml:"model"`
	MaxRetry int    `yaml:"max_retry"`
}

type Config struct {
	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-"`

	Catalog       string `yaml:"catalog"`
	SystemMessage string `yaml:"system_message"`
	LogLevel      string `yaml:"log_level"`
	ScratchDir    string `yaml:"scratch_dir"`

	FEV FEV `yaml:"fev"`
	M5  M5  `yaml:"m5"`

	Models          []llm.ModelConfig `yaml:"models"`
	DefaultModel    string            `yaml:"default_model"`
	QualityModel    string            `yaml:"quality_model"`
	ImportantModels []string          `yaml:"important_models"`

	Automation Automation `yaml:"automation"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Catalog:    "macro_prompts.json",
		LogLevel:   "info",
		ScratchDir: "tmp",
		FEV: FEV{
			EQYTemplate:      "fev.eqy",
			SBYTemplate:      "fev.sby",
			DefaultEngine:    string(fev.EngineEQY),
			AutomationEngine: string(fev.EngineEQY),
		},
		Automation: Automation{MaxRetry: 2},
	}
}

// Load reads path over the defaults. An empty path reads DefaultFile if it exists.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		if !utils.FileExists(DefaultFile) {
			return c, nil
		}
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, utils.WrapError(err, "parse config %s", path)
	}
	c.Path = path
	c.resolvePaths(filepath.Dir(path))
	for i := range c.Models {
		m := &c.Models[i]
		m.APIType = llm.NewModelType(string(m.APIType))
		m.ResolveAPIKey()
	}
	return c, nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Catalog, &c.SystemMessage, &c.FEV.EQYTemplate, &c.FEV.SBYTemplate, &c.FEV.YosysScript} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs utils.MultiError
	if c.Catalog == "" {
		errs = append(errs, errors.New("no prompt catalog configured"))
	} else if !utils.FileExists(c.Catalog) {
		errs = append(errs, errors.Errorf("prompt catalog %s not found", c.Catalog))
	}
	if c.SystemMessage != "" && !utils.FileExists(c.SystemMessage) {
		errs = append(errs, errors.Errorf("system message %s not found", c.SystemMessage))
	}
	seen := map[string]bool{}
	for _, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, errors.Errorf("model %q has no name", m.ModelName))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, errors.Errorf("model %q defined twice", m.Name))
		}
		seen[m.Name] = true
		if m.APIType == llm.ModelTypeUnknown {
			errs = append(errs, errors.Errorf("model %q has an unknown type", m.Name))
		}
		if m.Format != "" && m.Format != llm.FormatJSON && m.Format != llm.FormatMarkdown {
			errs = append(errs, errors.Errorf("model %q has unknown format %q", m.Name, m.Format))
		}
	}
	for _, name := range append([]string{c.DefaultModel, c.QualityModel, c.Automation.Model}, c.ImportantModels...) {
		if name != "" && !seen[name] {
			errs = append(errs, errors.Errorf("unknown model %q", name))
		}
	}
	for _, e := range []string{c.FEV.DefaultEngine, c.FEV.AutomationEngine} {
		engine, err := fev.ParseEngine(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := c.FEVOptions("").Scripts()[engine]; !ok {
			errs = append(errs, errors.Errorf("FEV engine %s has no script configured", engine))
		}
	}
	return errs.ErrOrNil()
}

// Model returns the model named name.
func (c *Config) Model(name string) (llm.ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return llm.ModelConfig{}, false
}

// ModelNames lists the configured models; important only lists the important ones
// when any are configured.
func (c *Config) ModelNames(important bool) []string {
	if important && len(c.ImportantModels) > 0 {
		return append([]string(nil), c.ImportantModels...)
	}
	out := make([]string, len(c.Models))
	for i, m := range c.Models {
		out[i] = m.Name
	}
	return out
}

// FEVOptions returns verifier options for a session rooted at dir.
func (c *Config) FEVOptions(dir string) fev.Options {
	scratch := c.ScratchDir
	if dir != "" && !filepath.IsAbs(scratch) {
		scratch = filepath.Join(dir, scratch)
	}
	return fev.Options{
		EQYTemplate:  c.FEV.EQYTemplate,
		SBYTemplate:  c.FEV.SBYTemplate,
		YosysScript:  c.FEV.YosysScript,
		EQYCommand:   c.FEV.EQYCommand,
		SBYCommand:   c.FEV.SBYCommand,
		YosysCommand: c.FEV.YosysCommand,
		ScratchDir:   scratch,
		Dir:          dir,
	}
}
