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
	"fmt"
	"strings"

	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/pkg/errors"
)

// ErrCatalogMismatch reports a persisted prompt reference that the catalog no
// longer contains.
var ErrCatalogMismatch = errors.New("prompt reference does not match the catalog")

// Unknown is substituted for needed fields that are absent from the status.
const Unknown = "UNKNOWN"

// Resolver picks and renders the prompts of a conversion.
type Resolver struct {
	Catalog       *Catalog
	System        Prompt
	Preprocessors []Preprocessor
}

func NewResolver(c *Catalog, system Prompt, pps ...Preprocessor) *Resolver {
	return &Resolver{Catalog: c, System: system, Preprocessors: pps}
}

// NextApplicable returns the first prompt after id whose conditions hold for st.
// ok is false once the catalog is exhausted.
func (r *Resolver) NextApplicable(after int, st history.Status) (*PromptSpec, bool, error) {
	for id := after + 1; id < r.Catalog.Len(); id++ {
		p, err := r.Catalog.Prompt(id)
		if err != nil {
			continue
		}
		ok, err := p.Applicable(st)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return p, true, nil
		}
		log.Debug("Skipping prompt %d (%s): conditions not met", p.ID, p.Desc)
	}
	return nil, false, nil
}

// MacroFor returns the macro containing prompt id.
func (r *Resolver) MacroFor(id int) (*MacroSpec, bool) {
	return r.Catalog.MacroFor(id)
}

// Render builds the request of a single prompt.
func (r *Resolver) Render(ctx context.Context, p *PromptSpec, data Data) (*llm.Request, error) {
	text, err := Preprocess(ctx, r.Preprocessors, "prompt", p.Prompt, data)
	if err != nil {
		return nil, err
	}
	text += needsNote(p.Needs, data.Status, "prompt")

	var sections []llm.Section
	if p.Background != "" {
		bg, err := Preprocess(ctx, r.Preprocessors, "background", p.Background, data)
		if err != nil {
			return nil, err
		}
		sections = append(sections, llm.Section{Key: "background", Value: bg})
	}
	sections = append(sections, llm.Section{Key: "prompt", Value: text})
	return r.request(ctx, data, sections, p.MustProduce, p.MayProduce)
}

// RenderMacro builds the request of a macro: its own prompt, the fields it must
// or may produce and the needs of all its substeps.
func (r *Resolver) RenderMacro(ctx context.Context, m *MacroSpec, data Data) (*llm.Request, error) {
	text, err := Preprocess(ctx, r.Preprocessors, "macro_prompt", m.Prompt, data)
	if err != nil {
		return nil, err
	}
	text += produceNote("must", "required", m.MustProduce)
	text += produceNote("may", "optional", m.MayProduce)
	text += needsNote(m.Needs(), data.Status, "macro prompt")
	return r.request(ctx, data, []llm.Section{{Key: "prompt", Value: text}}, m.MustProduce, m.MayProduce)
}

func (r *Resolver) request(ctx context.Context, data Data, sections []llm.Section, must, may []string) (*llm.Request, error) {
	var system string
	if r.System != nil {
		var err error
		if system, err = Preprocess(ctx, r.Preprocessors, "system_message", r.System.String(), data); err != nil {
			return nil, err
		}
	}
	req := llm.NewRequest(system, llm.BundleRequest(sections...))
	req.MustProduce = append([]string(nil), must...)
	req.MayProduce = append([]string(nil), may...)
	return req, nil
}

func produceNote(verb, kind string, fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n\nNote that this macro transformation %s produce the following extra fields:", verb)
	for _, f := range fields {
		fmt.Fprintf(&sb, "\n   %s: (%s field)", f, kind)
	}
	return sb.String()
}

func needsNote(needs []string, st history.Status, kind string) string {
	if len(needs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\nNote that the following \"extra fields\" have been determined to characterize the Verilog code:")
	for _, f := range needs {
		v, ok := st.Lookup(f)
		if !ok {
			log.Warn("The field %q is needed by the %s but is not in the status. Using %q.", f, kind, Unknown)
			v = Unknown
		}
		fmt.Fprintf(&sb, "\n   %s: %s", f, v)
	}
	return sb.String()
}

// Ref is the persisted reference of a single prompt.
func (r *Resolver) Ref(p *PromptSpec) history.PromptRef {
	return history.PromptRef{ID: p.ID, Desc: p.Desc}
}

// MacroRef is the persisted reference of a macro.
func (r *Resolver) MacroRef(m *MacroSpec) history.PromptRef {
	return history.PromptRef{ID: m.ID, Desc: m.Desc, Type: history.PromptRefMacro, Substeps: m.SubstepIDs()}
}

// RecoverID maps a persisted reference to a prompt id of the current catalog. A
// macro reference denotes its first substep. When the id no longer carries
// the recorded description, the description is looked up instead.
func (r *Resolver) RecoverID(ref history.PromptRef) (int, error) {
	if ref.IsMacro() {
		m, err := r.Catalog.Macro(ref.ID)
		if err != nil || (ref.Desc != "" && m.Desc != ref.Desc) {
			m = nil
			for _, cand := range r.Catalog.Macros {
				if cand.Desc == ref.Desc {
					m = cand
					break
				}
			}
		}
		if m == nil || len(m.Substeps) == 0 {
			return 0, errors.Wrapf(ErrCatalogMismatch, "macro %d %q", ref.ID, ref.Desc)
		}
		return m.Substeps[0].ID, nil
	}
	if ref.ID == 0 {
		return 0, nil
	}
	p, err := r.Catalog.Prompt(ref.ID)
	if err == nil && (ref.Desc == "" || p.Desc == ref.Desc) {
		return p.ID, nil
	}
	if p, ok := r.Catalog.ByDesc(ref.Desc); ok && ref.Desc != "" {
		log.Warn("Prompt %d is now %d (%q)", ref.ID, p.ID, ref.Desc)
		return p.ID, nil
	}
	return 0, errors.Wrapf(ErrCatalogMismatch, "prompt %d %q", ref.ID, ref.Desc)
}
