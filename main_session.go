// Copyright 2025 CloudWeGo Authors
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

/**
 * Copyright 2024 ByteDance Inc.
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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/internal/pipeline"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/cloudwego/fevcoder/llm/mcp"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const historyLimit = 10

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
	addStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	delStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	hunkStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

const commandHelp = `  Make edits and enter commands until the step is accepted. Generally:
    - (optional) Edit %[1]s and/or messages.json.
    - l/L/m/M: run the generator. (If it fails or is incomplete, edit and run it again.)
    - e/f: run FEV. (If it fails, fix the code and run it again.)
    - y: accept the current code as the completion of this step.

  Commands:
    a: Automate. Run generator, FEV and accept until completion or error.
    r: Show automation errors and optionally clear them.
    l: Run the generator with the default model (%[2]s).
    L: Run the generator with the quality model (%[3]s).
    m: Run the generator with a model chosen from the important ones.
    M: Run the generator with a model chosen from all configured ones.
    e/f/E: Run FEV with %[4]s / yosys against the last verified code, or %[4]s against the original.
    y: Accept the current code (FEV must have passed).
    u: Undo. Revert to the previous modification (at mod_0: reset or unaccept).
    U: Redo a reverted modification.
    c: Checkpoint the current edits.
    p: Restart this step on a prompt chosen from the catalog.
    h: History of this step with the latest diff.
    ?: Help.
    x: Exit.
`

// session is the interactive command loop.
type session struct {
	env     *env
	o       *pipeline.Orchestrator
	op      *huhOperator
	out     io.Writer
	changed atomic.Bool
	gens    map[string]*llm.ChatGenerator
}

func runSession(ctx context.Context, e *env) error {
	op := &huhOperator{out: os.Stdout}
	o, err := e.open(ctx, op)
	if errors.Is(err, pipeline.ErrConversionComplete) {
		fmt.Fprintln(os.Stdout, "Conversion completed.")
		return nil
	}
	if err != nil {
		return err
	}
	s := &session{env: e, o: o, op: op, out: os.Stdout, gens: map[string]*llm.ChatGenerator{}}
	if err := utils.WatchFile(ctx, o.Session.Store.LivePath(), func(fsnotify.Event) { s.changed.Store(true) }); err != nil {
		log.Warn("Edits of %s will not be noticed: %v", o.Session.Store.Artifact(), err)
	}
	s.printPrompt()
	for {
		if s.changed.Swap(false) {
			if pending, err := o.Session.Store.Pending(); err == nil && pending {
				fmt.Fprintln(s.out, faintStyle.Render(o.Session.Store.Artifact()+" was edited."))
			}
		}
		key, err := s.op.command(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, huh.ErrUserAborted) {
				return err
			}
			return shutdown(o)
		}
		quit, err := s.dispatch(ctx, key)
		switch {
		case errors.Is(err, pipeline.ErrConversionComplete):
			fmt.Fprintln(s.out, titleStyle.Render("Conversion completed."))
			return nil
		case ctx.Err() != nil:
			return shutdown(o)
		case err != nil:
			s.report(err)
		}
		if quit {
			return shutdown(o)
		}
	}
}

func (s *session) report(err error) {
	var g *pipeline.GateError
	if errors.As(err, &g) {
		fmt.Fprintln(s.out, warnStyle.Render("Cannot accept:"))
		for _, line := range strings.Split(strings.TrimPrefix(g.Error(), "cannot accept: "), "; ") {
			fmt.Fprintln(s.out, "  "+line)
		}
		return
	}
	fmt.Fprintln(s.out, errStyle.Render("Error: ")+err.Error())
}

func (s *session) dispatch(ctx context.Context, key string) (quit bool, err error) {
	o := s.o
	switch key {
	case "a":
		return false, s.automate(ctx)
	case "r":
		return false, s.showErrors(ctx)
	case "l":
		return false, s.generate(ctx, s.env.model)
	case "L":
		name := s.env.cfg.QualityModel
		if name == "" {
			name = s.env.model
		}
		return false, s.generate(ctx, name)
	case "m", "M":
		name, err := s.op.choose(ctx, "Model", s.env.cfg.ModelNames(key == "m"))
		if err != nil {
			return false, err
		}
		return false, s.generate(ctx, name)
	case "e":
		return false, s.verify(ctx, s.env.engine(false), false)
	case "f":
		return false, s.verify(ctx, fev.EngineYosys, false)
	case "E":
		return false, s.verify(ctx, s.env.engine(false), true)
	case "y":
		return false, s.accept(ctx)
	case "u":
		return false, s.undo(ctx)
	case "U":
		return false, s.redo(ctx)
	case "c":
		pending, err := o.CheckpointPending()
		if err == nil && !pending {
			fmt.Fprintln(s.out, "No edits to checkpoint.")
		}
		return false, err
	case "p":
		return false, s.jump(ctx)
	case "h":
		return false, s.showHistory()
	case "?":
		s.printPrompt()
		return false, nil
	case "x":
		return true, nil
	}
	return false, errors.Errorf("unknown command %q", key)
}

func (s *session) printPrompt() {
	o := s.o
	p, err := o.Resolver.Catalog.Prompt(o.Session.PromptID)
	desc := "?"
	if err == nil {
		desc = p.Desc
	}
	fmt.Fprintln(s.out, titleStyle.Render(fmt.Sprintf("Step %d uses prompt %d:", o.Session.Store.Step(), o.Session.PromptID)))
	fmt.Fprintln(s.out, "   | "+strings.ReplaceAll(desc, "\n", "\n   | "))
	fmt.Fprintln(s.out)
	fmt.Fprintf(s.out, commandHelp, o.Session.Store.Artifact(), orNone(s.env.model), orNone(s.env.cfg.QualityModel), s.env.engine(false))
	if n := len(o.Session.Errors); n > 0 {
		fmt.Fprintln(s.out, warnStyle.Render(fmt.Sprintf("  AUTOMATION ERRORS: %d error(s) need attention", n)))
	}
	st, err := o.Session.Store.Status()
	if err != nil {
		return
	}
	var notes []string
	if st.LLMFinished() {
		notes = append(notes, "the generator finished this step")
	}
	if st.FEVPassed() {
		notes = append(notes, "FEV passed")
	}
	if len(notes) > 0 {
		fmt.Fprintln(s.out, faintStyle.Render("  Status: "+strings.Join(notes, ", ")))
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (s *session) generator(ctx context.Context, name string) (*llm.ChatGenerator, error) {
	if g, ok := s.gens[name]; ok {
		return g, nil
	}
	g, err := s.env.generator(ctx, name)
	if err != nil {
		return nil, err
	}
	s.gens[name] = g
	return g, nil
}

func (s *session) generate(ctx context.Context, model string) error {
	o := s.o
	st, err := o.Session.Store.Status()
	if err != nil {
		return err
	}
	if st.LLMFinished() {
		ok, err := s.op.Confirm(ctx, "The generator already finished this step. Run anyway?", false)
		if err != nil || !ok {
			return err
		}
	}
	gen, err := s.generator(ctx, model)
	if err != nil {
		return err
	}
	o.Model = gen.Config()
	a := pipeline.Attempt{Generator: gen}
	if m, ok := o.Resolver.MacroFor(o.Session.PromptID); ok && strings.TrimSpace(m.Prompt) != "" {
		ids := m.SubstepIDs()
		choice, err := s.op.choose(ctx, "Prompt", []string{
			"individual: " + firstLine(s.promptDesc(o.Session.PromptID)),
			fmt.Sprintf("macro: %s (substeps %v)", firstLine(m.Desc), ids),
		})
		if err != nil {
			return err
		}
		if strings.HasPrefix(choice, "macro") {
			a.Macro = m
		}
	}
	out, err := o.Generate(ctx, a)
	if err != nil {
		return err
	}
	switch {
	case !out.Accepted:
		fmt.Fprintln(s.out, "Change rejected; the code is as it was.")
	case out.Incomplete:
		fmt.Fprintln(s.out, "The generator reports the step incomplete. Run it again to continue with its plan.")
	case !out.Modified:
		fmt.Fprintln(s.out, "The generator made no changes.")
	default:
		fmt.Fprintln(s.out, "Change checkpointed. Run FEV next.")
	}
	return nil
}

func (s *session) promptDesc(id int) string {
	p, err := s.o.Resolver.Catalog.Prompt(id)
	if err != nil {
		return strconv.Itoa(id)
	}
	return p.Desc
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func (s *session) verify(ctx context.Context, engine fev.Engine, original bool) error {
	passed, err := s.o.Verify(ctx, engine, original)
	if err != nil {
		return err
	}
	if passed {
		fmt.Fprintln(s.out, addStyle.Render("FEV passed."))
	} else {
		fmt.Fprintln(s.out, delStyle.Render("FEV failed."))
	}
	return nil
}

func (s *session) accept(ctx context.Context) error {
	err := s.o.Accept(ctx, false)
	var g *pipeline.GateError
	if errors.As(err, &g) && g.Overridable() {
		reason := "The generator has not been run."
		if g.Incomplete {
			reason = "The generator reported the step incomplete."
		}
		fmt.Fprintln(s.out, reason)
		ok, cerr := s.op.Confirm(ctx, "Accept this step as complete anyway?", false)
		if cerr != nil || !ok {
			return cerr
		}
		err = s.o.Accept(ctx, true)
	}
	if err != nil {
		return err
	}
	s.printPrompt()
	return nil
}

func (s *session) undo(ctx context.Context) error {
	o := s.o
	before, err := o.Session.Store.Current()
	if err != nil {
		return err
	}
	mod, err := o.Undo()
	if err == nil {
		fmt.Fprintf(s.out, "Reverted to mod_%d.\n", mod)
		d, derr := o.Diff(before, mod)
		if derr == nil {
			fmt.Fprint(s.out, renderDiff(d))
		}
		return derr
	}
	if !errors.Is(err, history.ErrNoPrevious) {
		return err
	}
	options := []string{"nothing", "reset this step"}
	if o.Session.Store.Step() > 1 {
		options = append(options, "unaccept the previous step (irreversible)")
	}
	choice, err := s.op.choose(ctx, "There is no previous modification in this step. What would you like to do?", options)
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(choice, "reset"):
		err = o.Reset(ctx)
	case strings.HasPrefix(choice, "unaccept"):
		err = o.Unaccept(ctx)
	default:
		return nil
	}
	if err == nil {
		s.printPrompt()
	}
	return err
}

func (s *session) redo(ctx context.Context) error {
	cands, err := s.o.RedoCandidates()
	if errors.Is(err, history.ErrNotReverted) || (err == nil && len(cands) == 0) {
		fmt.Fprintln(s.out, "Nothing to redo.")
		return nil
	}
	if err != nil {
		return err
	}
	target := cands[0]
	if len(cands) > 1 {
		opts := make([]string, len(cands))
		for i, c := range cands {
			opts[i] = "mod_" + strconv.Itoa(c)
		}
		choice, err := s.op.choose(ctx, "Redo which modification?", opts)
		if err != nil {
			return err
		}
		target, _ = strconv.Atoi(strings.TrimPrefix(choice, "mod_"))
	}
	if err := s.o.Redo(target); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Redid mod_%d.\n", target)
	return nil
}

func (s *session) jump(ctx context.Context) error {
	o := s.o
	cat := o.Resolver.Catalog
	kind := "individual"
	if len(cat.Macros) > 0 {
		var err error
		if kind, err = s.op.choose(ctx, "Prompt type", []string{"individual", "macro"}); err != nil {
			return err
		}
	}
	var opts []string
	if kind == "macro" {
		for _, m := range cat.Macros {
			if ids := m.SubstepIDs(); len(ids) > 0 {
				opts = append(opts, fmt.Sprintf("%d: %s (substeps %v)", ids[0], firstLine(m.Desc), ids))
			}
		}
	} else {
		for _, p := range cat.Prompts() {
			opts = append(opts, fmt.Sprintf("%d: %s", p.ID, firstLine(p.Desc)))
		}
		fmt.Fprintln(s.out, faintStyle.Render("Status fields the chosen prompt needs may have to be set by hand in status.json."))
	}
	choice, err := s.op.choose(ctx, "Prompt", opts)
	if err != nil {
		return err
	}
	idText, _, _ := strings.Cut(choice, ":")
	id, err := strconv.Atoi(idText)
	if err != nil {
		return err
	}
	if err := o.JumpTo(ctx, id, kind == "macro"); err != nil {
		if errors.Is(err, pipeline.ErrStepInProgress) {
			return errors.New("a prompt can only be chosen before the step modifies the code; use u to go back to mod_0 and reset")
		}
		return err
	}
	s.printPrompt()
	return nil
}

func (s *session) showHistory() error {
	entries, err := s.o.History(historyLimit)
	if err != nil {
		return err
	}
	lines := make([]historyLine, len(entries))
	for i, e := range entries {
		lines[i] = historyLine{Slot: e.Slot, Mod: e.Mod, Status: e.Status.Fields()}
	}
	fmt.Fprint(s.out, renderHistory(s.o.Session.Store.Step(), lines))
	d, err := s.o.LatestDiff()
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, renderDiff(d))
	return nil
}

func (s *session) automate(ctx context.Context) error {
	o := s.o
	gen, err := s.generator(ctx, s.env.automationModel())
	if err != nil {
		return err
	}
	o.Operator = pipeline.AutoOperator{}
	defer func() { o.Operator = s.op }()
	err = o.Automate(ctx, pipeline.Automation{
		Generator: gen,
		Engine:    s.env.engine(true),
		Agent:     &pipeline.DefaultAgent{MaxRetry: s.env.cfg.Automation.MaxRetry},
	})
	if o.Session.Done {
		return pipeline.ErrConversionComplete
	}
	if err != nil {
		fmt.Fprint(s.out, renderErrors(o.Session.Errors))
		fmt.Fprintln(s.out, "Automation paused.")
		s.printPrompt()
		return nil
	}
	return nil
}

func (s *session) showErrors(ctx context.Context) error {
	errs := s.o.Session.Errors
	if len(errs) == 0 {
		fmt.Fprintln(s.out, "No automation errors.")
		return nil
	}
	fmt.Fprint(s.out, renderErrors(errs))
	ok, err := s.op.Confirm(ctx, "Clear these errors?", false)
	if err == nil && ok {
		s.o.Session.TakeErrors()
	}
	return err
}

// huhOperator answers the orchestrator's questions on the terminal.
type huhOperator struct {
	out io.Writer
}

func (h *huhOperator) Confirm(ctx context.Context, question string, def bool) (bool, error) {
	v := def
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(question).Affirmative("Yes").Negative("No").Value(&v),
	)).RunWithContext(ctx)
	return v, err
}

func (h *huhOperator) Review(ctx context.Context, r *pipeline.Review) (bool, error) {
	what := "prompt " + strconv.Itoa(r.PromptID)
	if r.Macro {
		what = "macro"
	}
	fmt.Fprintln(h.out, titleStyle.Render(fmt.Sprintf("Generator result for step %d (%s):", r.Step, what)))
	fmt.Fprint(h.out, renderDiff(r.Diff))
	if resp := r.Response; resp != nil {
		for _, sec := range []struct{ name, text string }{
			{"Overview", resp.Overview},
			{"Notes", resp.Notes},
			{"Issues", resp.Issues},
			{"Plan", resp.Plan},
		} {
			if strings.TrimSpace(sec.text) != "" {
				fmt.Fprintln(h.out, titleStyle.Render(sec.name+":"))
				fmt.Fprintln(h.out, strings.TrimSpace(sec.text))
			}
		}
		if resp.Incomplete {
			fmt.Fprintln(h.out, warnStyle.Render("The generator reports the step incomplete."))
		}
	}
	return h.Confirm(ctx, "Keep this change? You may edit the file before answering.", true)
}

func (h *huhOperator) command(ctx context.Context) (string, error) {
	var key string
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Command").Prompt("> ").CharLimit(1).Value(&key).Validate(func(s string) error {
			if s == "" || !strings.Contains("arlLmMefEyuUcph?x", s) {
				return errors.New("enter one of a r l L m M e f E y u U c p h ? x")
			}
			return nil
		}),
	)).RunWithContext(ctx)
	return key, err
}

func (h *huhOperator) choose(ctx context.Context, title string, options []string) (string, error) {
	if len(options) == 0 {
		return "", errors.Errorf("%s: nothing to choose from", title)
	}
	v := options[0]
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().Title(title).Options(huh.NewOptions(options...)...).Value(&v),
	)).RunWithContext(ctx)
	return v, err
}

type historyLine struct {
	Slot   int
	Mod    int
	Status map[string]string
}

// renderHistory prints the oldest entry first; "v-" marks a slot that reverted
// to an earlier modification.
func renderHistory(step int, lines []historyLine) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Last <= %d modifications of step %d:", historyLimit, step)) + "\n")
	for _, l := range lines {
		arrow := "   "
		if l.Slot != l.Mod {
			arrow = "v- "
		}
		fmt.Fprintf(&sb, " %s%d: %s\n", arrow, l.Mod, renderFields(l.Status))
	}
	return sb.String()
}

func renderFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = faintStyle.Render(k+"=") + fields[k]
	}
	return strings.Join(parts, " ")
}

func renderDiff(d string) string {
	if d == "" {
		return ""
	}
	var sb strings.Builder
	for _, line := range strings.SplitAfter(d, "\n") {
		text := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(text, "+++"), strings.HasPrefix(text, "---"):
			text = titleStyle.Render(text)
		case strings.HasPrefix(text, "@@"):
			text = hunkStyle.Render(text)
		case strings.HasPrefix(text, "+"):
			text = addStyle.Render(text)
		case strings.HasPrefix(text, "-"):
			text = delStyle.Render(text)
		}
		sb.WriteString(text)
		if strings.HasSuffix(line, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func renderSessionStatus(st *mcp.GetSessionStatusResp) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: step %d, mod_%d", st.Artifact, st.Step, st.Mod)))
	if st.Slot != st.Mod {
		sb.WriteString(faintStyle.Render(fmt.Sprintf(" (slot %d)", st.Slot)))
	}
	sb.WriteString("\n")
	if p := st.Prompt; p != nil {
		kind := "prompt"
		if p.Macro {
			kind = fmt.Sprintf("macro over %v,", p.Substeps)
		}
		fmt.Fprintf(&sb, "  %s %d: %s\n", kind, p.ID, firstLine(p.Desc))
	}
	fmt.Fprintf(&sb, "  %s\n", renderFields(st.Status))
	if st.Pending {
		sb.WriteString(warnStyle.Render("  edits are pending") + "\n")
	}
	if len(st.Markers) > 0 {
		sb.WriteString(warnStyle.Render("  review comments:") + "\n")
		for _, m := range st.Markers {
			sb.WriteString("    " + m + "\n")
		}
	}
	return sb.String()
}

func renderErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(errStyle.Render(fmt.Sprintf("Automation errors (%d):", len(errs))) + "\n")
	for i, e := range errs {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e)
	}
	return sb.String()
}

var _ pipeline.Operator = (*huhOperator)(nil)

