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
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateDescription = errors.New("duplicate prompt description")
	ErrDuplicateID          = errors.New("duplicate prompt id")
	ErrUnknownPrompt        = errors.New("unknown prompt")
	ErrInvalidCondition     = errors.New("invalid condition")
)

// Alternatives is a condition value: one string or a list of strings. "" matches
// an absent field.
type Alternatives []string

func (a *Alternatives) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*a = Alternatives{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

func (a *Alternatives) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*a = Alternatives{node.Value}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return err
	}
	*a = many
	return nil
}

// Condition maps status fields to accepted values.
type Condition map[string]Alternatives

// PromptSpec is one substep of the catalog.
type PromptSpec struct {
	ID         int    `json:"id" yaml:"id"`
	Desc       string `json:"desc" yaml:"desc"`
	Prompt     string `json:"prompt" yaml:"prompt"`
	Background string `json:"background,omitempty" yaml:"background,omitempty"`

	If     Condition `json:"if,omitempty" yaml:"if,omitempty"`
	Unless Condition `json:"unless,omitempty" yaml:"unless,omitempty"`
	// When is a boolean expression over status fields, e.g. "clock_edges > 1".
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	Needs       []string `json:"needs,omitempty" yaml:"needs,omitempty"`
	Consumes    []string `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	MustProduce []string `json:"must_produce,omitempty" yaml:"must_produce,omitempty"`
	MayProduce  []string `json:"may_produce,omitempty" yaml:"may_produce,omitempty"`

	macro *MacroSpec
	when  *govaluate.EvaluableExpression
}

// Macro returns the macro containing p, nil for the placeholder prompt.
func (p *PromptSpec) Macro() *MacroSpec { return p.macro }

// MacroSpec bundles substeps under one coarser prompt.
type MacroSpec struct {
	ID          int           `json:"-" yaml:"-"`
	Desc        string        `json:"desc" yaml:"desc"`
	Prompt      string        `json:"prompt" yaml:"prompt"`
	MustProduce []string      `json:"must_produce,omitempty" yaml:"must_produce,omitempty"`
	MayProduce  []string      `json:"may_produce,omitempty" yaml:"may_produce,omitempty"`
	Substeps    []*PromptSpec `json:"substeps" yaml:"substeps"`
}

// SubstepIDs lists the ids of the macro's substeps in order.
func (m *MacroSpec) SubstepIDs() []int {
	ids := make([]int, len(m.Substeps))
	for i, s := range m.Substeps {
		ids[i] = s.ID
	}
	return ids
}

// Needs is the union of the substeps' needs, sorted.
func (m *MacroSpec) Needs() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range m.Substeps {
		for _, n := range s.Needs {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Catalog indexes substeps by id. Ids form the execution order; id 0 is a
// placeholder that is never run.
type Catalog struct {
	Macros  []*MacroSpec
	prompts []*PromptSpec
	byDesc  map[string]*PromptSpec
}

// LoadCatalog reads a catalog file: YAML for .yaml/.yml, extended JSON otherwise.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var macros []*MacroSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &macros)
	default:
		err = utils.UnmarshalExtendedJSON(data, &macros)
	}
	if err != nil {
		return nil, utils.WrapError(err, "parse catalog %s", path)
	}
	c, err := NewCatalog(macros)
	if err != nil {
		return nil, utils.WrapError(err, "load catalog %s", path)
	}
	log.Info("Loaded %d macro prompts with %d substeps", len(c.Macros), len(c.Prompts()))
	return c, nil
}

// NewCatalog indexes macros and checks ids, descriptions and expressions.
func NewCatalog(macros []*MacroSpec) (*Catalog, error) {
	c := &Catalog{Macros: macros, byDesc: map[string]*PromptSpec{}}
	for i, m := range macros {
		m.ID = i
		for _, s := range m.Substeps {
			if s.ID <= 0 {
				return nil, errors.Errorf("macro %d: substep %q has invalid id %d", i, s.Desc, s.ID)
			}
			for len(c.prompts) <= s.ID {
				c.prompts = append(c.prompts, nil)
			}
			if c.prompts[s.ID] != nil {
				return nil, errors.Wrapf(ErrDuplicateID, "%d", s.ID)
			}
			s.macro = m
			c.prompts[s.ID] = s
			if s.Desc == "" {
				log.Warn("Substep %d has no description", s.ID)
			} else if _, dup := c.byDesc[s.Desc]; dup {
				return nil, errors.Wrapf(ErrDuplicateDescription, "%q", s.Desc)
			} else {
				c.byDesc[s.Desc] = s
			}
			if s.When != "" {
				expr, err := govaluate.NewEvaluableExpression(s.When)
				if err != nil {
					return nil, errors.Wrapf(ErrInvalidCondition, "prompt %d: %v", s.ID, err)
				}
				s.when = expr
			}
		}
	}
	if len(c.prompts) == 0 {
		c.prompts = append(c.prompts, nil)
	}
	if c.prompts[0] == nil {
		c.prompts[0] = &PromptSpec{ID: 0, Desc: "Initial prompt (unused)", Prompt: "This is a placeholder prompt."}
	}
	return c, nil
}

// Len is one past the largest prompt id.
func (c *Catalog) Len() int { return len(c.prompts) }

// Prompt returns the substep with the given id.
func (c *Catalog) Prompt(id int) (*PromptSpec, error) {
	if id < 0 || id >= len(c.prompts) || c.prompts[id] == nil {
		return nil, errors.Wrapf(ErrUnknownPrompt, "id %d", id)
	}
	return c.prompts[id], nil
}

// ByDesc finds a substep by its description.
func (c *Catalog) ByDesc(desc string) (*PromptSpec, bool) {
	p, ok := c.byDesc[desc]
	return p, ok
}

// Prompts lists the substeps in id order, without the placeholder.
func (c *Catalog) Prompts() []*PromptSpec {
	var out []*PromptSpec
	for _, p := range c.prompts[1:] {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Macro returns the macro with the given index.
func (c *Catalog) Macro(id int) (*MacroSpec, error) {
	if id < 0 || id >= len(c.Macros) {
		return nil, errors.Wrapf(ErrUnknownPrompt, "macro %d", id)
	}
	return c.Macros[id], nil
}

// MacroFor returns the macro containing the substep id.
func (c *Catalog) MacroFor(id int) (*MacroSpec, bool) {
	p, err := c.Prompt(id)
	if err != nil || p.macro == nil {
		return nil, false
	}
	return p.macro, true
}
