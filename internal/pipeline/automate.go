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

package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/cloudwego/fevcoder/llm/prompt"
	"github.com/pkg/errors"
)

// Automation configures an unattended run.
type Automation struct {
	Generator llm.Generator
	Engine    fev.Engine
	Agent     Agent
}

// Automate works through the catalog until it is exhausted, a step fails for
// good or ctx is done. Macros are attempted before their substeps. Failures
// are appended to the session's error log.
func (o *Orchestrator) Automate(ctx context.Context, a Automation) error {
	s := o.Session
	for !s.Done {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.automateStep(ctx, a); err != nil {
			if errors.Is(err, ErrConversionComplete) {
				return nil
			}
			s.AddError("step %d, prompt %d: %v", s.Store.Step(), s.PromptID, err)
			return err
		}
	}
	return nil
}

func (o *Orchestrator) automateStep(ctx context.Context, a Automation) error {
	if m, ok := o.Resolver.MacroFor(o.Session.PromptID); ok {
		use, err := o.macroUsable(m)
		if err != nil {
			return err
		}
		if use {
			return o.tryMacro(ctx, a, m)
		}
	}
	p := &Pipeline{
		Steps: []Step{
			&RefactorStep{Attempt: Attempt{Generator: a.Generator}, Engine: a.Engine},
			AcceptStep{},
		},
		Agent: a.Agent,
	}
	return p.Run(ctx, o)
}

// macroUsable reports whether m may still be attempted in the current step.
// A macro without a prompt of its own only groups its substeps.
func (o *Orchestrator) macroUsable(m *prompt.MacroSpec) (bool, error) {
	if strings.TrimSpace(m.Prompt) == "" {
		return false, nil
	}
	exhausted, err := o.macroExhausted(m)
	if err != nil || exhausted {
		return false, err
	}
	st, err := o.Session.Store.Status()
	if err != nil {
		return false, err
	}
	if !st.LLMFinished() {
		return true, nil
	}
	done, err := o.completedMacro()
	return done == m, err
}

// macroExhausted reports whether the current step fell back from a macro or an
// earlier step already worked on one of m's substeps by itself.
func (o *Orchestrator) macroExhausted(m *prompt.MacroSpec) (bool, error) {
	store := o.Session.Store
	st0, err := store.ReadStatus(0)
	if err != nil {
		return false, err
	}
	if st0.FallbackFromMacro {
		return true, nil
	}
	ids := map[int]bool{}
	for _, id := range m.SubstepIDs() {
		ids[id] = true
	}
	for step := store.Step() - 1; step >= 1; step-- {
		ref, err := store.ReadPromptRef(step)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		if !ref.IsMacro() && ids[ref.ID] {
			return true, nil
		}
	}
	return false, nil
}

// tryMacro makes one macro attempt. An incomplete but verified result keeps
// the step open under the macro; a complete verified result is accepted for all
// substeps; anything else offers the fallback to the individual substeps.
func (o *Orchestrator) tryMacro(ctx context.Context, a Automation, m *prompt.MacroSpec) error {
	s := o.Session
	st, err := s.Store.Status()
	if err != nil {
		return err
	}
	s.log.Info("Trying macro %q for substeps %v", m.Desc, m.SubstepIDs())
	var cause error
	incomplete := false
	if !st.LLMFinished() {
		out, err := o.Generate(ctx, Attempt{Generator: a.Generator, Macro: m})
		switch {
		case errors.Is(err, ErrValidation), errors.Is(err, ErrReconstruction):
			cause = err
		case err != nil:
			return err
		case !out.Accepted:
			cause = errors.New("generator result rejected")
		default:
			incomplete = out.Incomplete
		}
	}
	if cause == nil {
		passed, err := o.Verify(ctx, a.Engine, false)
		if err != nil {
			return err
		}
		switch {
		case passed && incomplete:
			s.log.Info("Macro %q is incomplete; continuing with its plan", m.Desc)
			return nil
		case passed:
			g, err := o.gates()
			if err != nil {
				return err
			}
			if g != nil {
				return g
			}
			return o.accept(ctx, m)
		}
		cause = errors.Errorf("FEV failed for macro %q", m.Desc)
	}
	s.log.Warn("Macro %q failed: %v", m.Desc, cause)
	ok, err := o.Operator.Confirm(ctx, fmt.Sprintf("Macro %q failed. Fall back to individual prompts?", m.Desc), true)
	if err != nil {
		return err
	}
	if !ok {
		return cause
	}
	return o.fallback(ctx, m)
}

// fallback abandons a macro: the artifact returns to the step's mod_0 and a
// new step begins on the macro's first substep.
func (o *Orchestrator) fallback(ctx context.Context, m *prompt.MacroSpec) error {
	s := o.Session
	store := s.Store
	if _, err := o.CheckpointPending(); err != nil {
		return err
	}
	if err := o.revertTo(0); err != nil {
		return err
	}
	content, err := store.Content(0)
	if err != nil {
		return err
	}
	st0, err := store.ReadStatus(0)
	if err != nil {
		return err
	}
	first, err := o.Resolver.Catalog.Prompt(minID(m.SubstepIDs()))
	if err != nil {
		return err
	}
	s.log.Info("Falling back from macro %q to substep %d", m.Desc, first.ID)
	return o.beginStep(ctx, o.Resolver.Ref(first), first.ID, st0, content, func(st *history.Status) {
		st.FallbackFromMacro = true
		st.OriginalMacroID = history.Int(m.ID)
		st.MacroDesc = m.Desc
	})
}
