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

// Package pipeline drives a conversion session: it asks the generator for the
// next transformation, merges and reviews the answer, runs the equivalence
// checker and advances through the prompt catalog one accepted step at a time.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/internal/merge"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/cloudwego/fevcoder/lang/verilog"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/cloudwego/fevcoder/llm/prompt"
	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
)

var (
	ErrValidation         = errors.New("response failed validation")
	ErrReconstruction     = errors.New("response could not be merged into the artifact")
	ErrGenerator          = errors.New("generator failed")
	ErrVerifier           = errors.New("equivalence checker failed to run")
	ErrAcceptBlocked      = errors.New("the step cannot be accepted")
	ErrConversionComplete = errors.New("conversion completed")
	ErrStepInProgress     = errors.New("the step already has modifications")
	ErrRolledBack         = errors.New("step rolled back")
)

// MessagesFile holds the rendered request of the current step. It is written
// in extended JSON so that the operator can edit it by hand.
const MessagesFile = "messages.json"

const planIntro = "\n\nAnother agent has already made some progress and has established this plan:\n\n"

type Options struct {
	Dir       string
	Resolver  *prompt.Resolver
	Verifiers map[fev.Engine]fev.Verifier
	Operator  Operator
	// Model is exposed to prompt templates.
	Model llm.ModelConfig
	// InitEngine checks the input artifact against itself when a session starts.
	InitEngine fev.Engine
	// ScratchDir receives the merge diffs at debug level.
	ScratchDir string
}

// Orchestrator is the control loop of one session. It is not safe for
// concurrent use.
type Orchestrator struct {
	Session   *Session
	Resolver  *prompt.Resolver
	Verifiers map[fev.Engine]fev.Verifier
	Operator  Operator
	Model     llm.ModelConfig

	scratch string
}

// Open starts a session in opts.Dir, or resumes the one found there.
func Open(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Operator == nil {
		opts.Operator = AutoOperator{}
	}
	hasHistory := utils.FileExists(filepath.Join(opts.Dir, history.HistoryDir))
	artifact, err := verilog.FindArtifact(opts.Dir, hasHistory)
	if err != nil {
		return nil, err
	}
	live := filepath.Join(opts.Dir, artifact)
	if err := verilog.CheckWritable(live); err != nil {
		if !errors.Is(err, verilog.ErrNotWritable) {
			return nil, err
		}
		ok, cerr := opts.Operator.Confirm(ctx, fmt.Sprintf("%s is not writable. Make it writable?", artifact), true)
		if cerr != nil {
			return nil, cerr
		}
		if !ok {
			return nil, err
		}
		if err := verilog.MakeWritable(live); err != nil {
			return nil, err
		}
	}
	store, err := history.Open(opts.Dir, artifact)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		Session:   newSession(opts.Dir, verilog.ModuleName(artifact), store),
		Resolver:  opts.Resolver,
		Verifiers: opts.Verifiers,
		Operator:  opts.Operator,
		Model:     opts.Model,
		scratch:   opts.ScratchDir,
	}
	if store.Step() == 0 {
		err = o.start(ctx, opts.InitEngine)
	} else {
		err = o.resume(ctx)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) start(ctx context.Context, engine fev.Engine) error {
	s := o.Session
	v, ok := o.Verifiers[engine]
	if !ok {
		return errors.Errorf("no verifier configured for engine %q", engine)
	}
	live := s.Store.LivePath()
	s.log.Info("Checking %s against itself with %s", s.Store.Artifact(), engine)
	passed, err := v.Verify(ctx, s.Module, live, live)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerifier, err)
	}
	if !passed {
		return errors.Errorf("%s is not equivalent to itself; check the FEV setup", s.Store.Artifact())
	}
	content, err := s.Store.ReadLive()
	if err != nil {
		return err
	}
	var st history.Status
	next, ok, err := o.Resolver.NextApplicable(0, st)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConversionComplete
	}
	return o.beginStep(ctx, o.Resolver.Ref(next), next.ID, st, content, nil)
}

// resume re-derives the prompt id from the newest step that recorded one.
func (o *Orchestrator) resume(ctx context.Context) error {
	s := o.Session
	for step := s.Store.Step(); step >= 1; step-- {
		ref, err := s.Store.ReadPromptRef(step)
		if os.IsNotExist(err) {
			s.log.Warn("Step %d has no %s", step, history.PromptRefFile)
			continue
		}
		if err != nil {
			return err
		}
		id, err := o.Resolver.RecoverID(ref)
		if errors.Is(err, prompt.ErrCatalogMismatch) {
			q := fmt.Sprintf("Step %d worked on prompt %d (%q), which the catalog no longer has. Continue with prompt %d?", step, ref.ID, ref.Desc, ref.ID)
			ok, cerr := o.Operator.Confirm(ctx, q, false)
			if cerr != nil {
				return cerr
			}
			if !ok || ref.ID >= o.Resolver.Catalog.Len() {
				return err
			}
			id, err = ref.ID, nil
		}
		if err != nil {
			return err
		}
		s.PromptID = id
		s.log.Info("Resuming step %d at mod_%d, prompt %d", s.Store.Step(), s.Store.Mod(), id)
		return nil
	}
	return errors.Errorf("no step under %s records its prompt", history.HistoryDir)
}

// beginStep opens the next step and writes its request file. annotate, when
// set, edits the status of the new mod_0.
func (o *Orchestrator) beginStep(ctx context.Context, ref history.PromptRef, id int, carry history.Status, content []byte, annotate func(*history.Status)) error {
	s := o.Session
	step, err := s.Store.BeginStep(ref, carry, content)
	if err != nil {
		return err
	}
	if annotate != nil {
		if err := s.Store.UpdateStatus(annotate); err != nil {
			return err
		}
	}
	s.PromptID = id
	s.log.Info("Step %d: prompt %d (%s)", step, ref.ID, ref.Desc)
	if err := os.Remove(o.path(llm.ResponseFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return o.writeMessages(ctx)
}

func (o *Orchestrator) path(name string) string {
	return filepath.Join(o.Session.Dir, name)
}

func (o *Orchestrator) data(st history.Status) prompt.Data {
	return prompt.Data{Status: st, Model: o.Model}
}

// writeMessages renders the request of the current prompt into MessagesFile.
func (o *Orchestrator) writeMessages(ctx context.Context) error {
	st, err := o.Session.Store.Status()
	if err != nil {
		return err
	}
	p, err := o.Resolver.Catalog.Prompt(o.Session.PromptID)
	if err != nil {
		return err
	}
	req, err := o.Resolver.Render(ctx, p, o.data(st))
	if err != nil {
		return err
	}
	data, err := utils.MarshalExtendedJSON(req)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(o.path(MessagesFile), data, 0o644)
}

func (o *Orchestrator) readMessages() (*llm.Request, error) {
	data, err := os.ReadFile(o.path(MessagesFile))
	if err != nil {
		return nil, err
	}
	req := &llm.Request{}
	if err := utils.UnmarshalExtendedJSON(data, req); err != nil {
		return nil, utils.WrapError(err, "parse %s", MessagesFile)
	}
	return req, nil
}

// CheckpointPending records edits of the live artifact as a human modification.
// It reports whether there were any.
func (o *Orchestrator) CheckpointPending() (bool, error) {
	store := o.Session.Store
	pending, err := store.Pending()
	if err != nil || !pending {
		return false, err
	}
	live, err := store.ReadLive()
	if err != nil {
		return false, err
	}
	mod, err := store.Checkpoint(live, history.Status{By: history.OriginHuman})
	if err != nil {
		return false, err
	}
	o.Session.log.Info("Checkpointed edits as history/%d/mod_%d", store.Step(), mod)
	return true, nil
}

// Attempt configures one generator call.
type Attempt struct {
	Generator llm.Generator
	// Macro, when set, is attempted instead of the current prompt.
	Macro *prompt.MacroSpec
}

// Outcome is a generator answer that passed validation.
type Outcome struct {
	Accepted   bool
	Incomplete bool
	Modified   bool
	Response   *llm.Response
}

// Generate runs one generator call for the current step. An answer that fails
// validation or cannot be merged is an error wrapping ErrValidation or
// ErrReconstruction; in that case, and when the operator rejects the answer,
// the live artifact is left as it was before the call.
func (o *Orchestrator) Generate(ctx context.Context, a Attempt) (*Outcome, error) {
	s := o.Session
	if s.Store.Step() == 0 {
		return nil, history.ErrNoStep
	}
	req, err := o.request(ctx, a.Macro)
	if err != nil {
		return nil, err
	}
	if a.Macro != nil {
		if err := s.Store.WritePromptRef(o.Resolver.MacroRef(a.Macro)); err != nil {
			return nil, err
		}
	}
	gen, replay := a.Generator, false
	if respPath := o.path(llm.ResponseFile); utils.FileExists(respPath) {
		reuse, err := o.Operator.Confirm(ctx, "There is already a response to this prompt. Reuse it?", false)
		if err != nil {
			return nil, err
		}
		if reuse {
			rg, err := llm.NewReplayGenerator(respPath)
			if err != nil {
				return nil, err
			}
			gen, replay = rg, true
		}
	}
	if gen == nil {
		return nil, errors.New("no generator configured")
	}

	pre, resp, err := o.call(ctx, gen, req, !replay)
	if err == nil {
		err = validate(req, resp)
	}
	var code string
	if err == nil {
		// the generator saw the trimmed artifact; elisions keep the file as it was
		base := string(pre)
		if base != "" && !strings.HasSuffix(base, "\n") {
			base += "\n"
		}
		code, err = o.reconstruct(base, resp.Verilog)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrReconstruction, err)
		}
	}
	if err != nil {
		o.discard(a, pre)
		return nil, err
	}
	if verr := verilog.Validate(code, s.Module); verr != nil {
		s.log.Warn("The merged code looks malformed: %v", verr)
	}
	if _, err := utils.WriteIfDifferent(s.Store.LivePath(), []byte(code)); err != nil {
		o.discard(a, pre)
		return nil, err
	}

	ok, err := o.Operator.Review(ctx, &Review{
		Step:     s.Store.Step(),
		PromptID: s.PromptID,
		Macro:    a.Macro != nil,
		Diff:     unifiedDiff("before", "after", req.Verilog, code),
		Response: resp,
	})
	if err != nil || !ok {
		o.discard(a, pre)
		if err == nil {
			s.log.Info("Generator result rejected")
			return &Outcome{Response: resp}, nil
		}
		return nil, err
	}
	modified, err := o.checkpointResponse(a, req, resp, code)
	if err != nil {
		return nil, err
	}
	// Whatever the operator changed during review is a separate human modification.
	if _, err := o.CheckpointPending(); err != nil {
		return nil, err
	}
	if err := os.Remove(o.path(llm.ResponseFile)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove %s: %v", llm.ResponseFile, err)
	}
	return &Outcome{Accepted: true, Incomplete: resp.Incomplete, Modified: modified, Response: resp}, nil
}

// request builds the request of the attempt: the macro is rendered afresh, a
// single prompt is read from MessagesFile so that operator edits are honored.
func (o *Orchestrator) request(ctx context.Context, m *prompt.MacroSpec) (*llm.Request, error) {
	st, err := o.Session.Store.Status()
	if err != nil {
		return nil, err
	}
	var req *llm.Request
	if m != nil {
		req, err = o.Resolver.RenderMacro(ctx, m, o.data(st))
	} else {
		req, err = o.readMessages()
		if os.IsNotExist(err) {
			if err = o.writeMessages(ctx); err == nil {
				req, err = o.readMessages()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if st.Plan != "" {
		req.AppendToPrompt(planIntro + st.Plan)
	}
	return req, nil
}

// call invokes the generator with the live artifact locked.
func (o *Orchestrator) call(ctx context.Context, gen llm.Generator, req *llm.Request, save bool) ([]byte, *llm.Response, error) {
	s := o.Session
	release, err := lockFile(s.Store.LivePath())
	if err != nil {
		return nil, nil, err
	}
	defer release()
	if _, err := o.CheckpointPending(); err != nil {
		return nil, nil, err
	}
	pre, err := s.Store.ReadLive()
	if err != nil {
		return nil, nil, err
	}
	req.Verilog = strings.TrimSpace(string(pre)) + "\n"
	s.log.Info("Running the generator for step %d, prompt %d", s.Store.Step(), s.PromptID)
	resp, err := gen.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, llm.ErrMalformedResponse) || errors.Is(err, llm.ErrEmptyResponse) {
			return pre, nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return pre, nil, fmt.Errorf("%w: %w", ErrGenerator, err)
	}
	if save {
		if err := llm.SaveResponse(o.path(llm.ResponseFile), resp); err != nil {
			s.log.Warn("save %s: %v", llm.ResponseFile, err)
		}
	}
	return pre, resp, nil
}

func validate(req *llm.Request, resp *llm.Response) error {
	if strings.TrimSpace(resp.Verilog) == "" {
		return fmt.Errorf("%w: the response has no verilog field", ErrValidation)
	}
	if missing := resp.Missing(req.MustProduce); len(missing) > 0 {
		return fmt.Errorf("%w: the response lacks the required fields %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// discard puts the pre-call artifact back and, for a macro attempt, the
// reference to the individual prompt.
func (o *Orchestrator) discard(a Attempt, pre []byte) {
	s := o.Session
	if pre != nil {
		if _, err := utils.WriteIfDifferent(s.Store.LivePath(), pre); err != nil {
			s.log.Error("restore %s: %v", s.Store.Artifact(), err)
		}
	}
	if a.Macro == nil {
		return
	}
	p, err := o.Resolver.Catalog.Prompt(s.PromptID)
	if err == nil {
		err = s.Store.WritePromptRef(o.Resolver.Ref(p))
	}
	if err != nil {
		s.log.Error("restore prompt reference: %v", err)
	}
}

func (o *Orchestrator) checkpointResponse(a Attempt, req *llm.Request, resp *llm.Response, code string) (bool, error) {
	store := o.Session.Store
	prev, err := store.Status()
	if err != nil {
		return false, err
	}
	cur, err := store.Current()
	if err != nil {
		return false, err
	}
	snap, err := store.Content(cur)
	if err != nil {
		return false, err
	}
	status := history.Status{
		By:         history.OriginLLM,
		Model:      resp.Model,
		API:        resp.API,
		Incomplete: history.Bool(resp.Incomplete),
		Plan:       resp.Plan,
	}
	modified := !bytes.Equal(snap, []byte(code))
	if !modified {
		status.Compile, status.FEV = prev.Compile, prev.FEV
	}
	for _, f := range req.Declared() {
		if v, ok := resp.ExtraFields[f]; ok {
			status.SetExtra(f, v)
		}
	}
	if m := a.Macro; m != nil {
		status.MacroID = history.Int(m.ID)
		status.MacroDesc = m.Desc
		status.MacroTransformation = true
		status.MacroCompleted = !resp.Incomplete
	}
	mod, err := store.Checkpoint([]byte(code), status, history.WithTranscript(o.transcript(req, resp)))
	if err != nil {
		return false, err
	}
	o.Session.log.Info("Checkpointed the generator result as history/%d/mod_%d", store.Step(), mod)
	return modified, nil
}

func (o *Orchestrator) reconstruct(baseline, partial string) (string, error) {
	code, err := merge.Reconstruct(baseline, partial)
	if o.scratch != "" && log.IsDebug() {
		if plan, perr := merge.NewPlan(baseline, partial); perr == nil {
			if derr := plan.Dump(o.scratch); derr != nil {
				o.Session.log.Warn("Cannot dump the merge diffs: %v", derr)
			}
		}
	}
	return code, err
}

func (o *Orchestrator) transcript(req *llm.Request, resp *llm.Response) *history.Transcript {
	t := &history.Transcript{RunID: o.Session.RunID, Time: time.Now(), API: resp.API, Model: resp.Model}
	if data, err := utils.MarshalJSONBytes(req); err == nil {
		t.Request = data
	}
	if data, err := utils.MarshalJSONBytes(resp); err == nil {
		t.Response = data
	}
	return t
}

// Verify checks the current modification against the most recently verified
// one, or against the input artifact when original is set, and records the
// verdict. Identical files pass without running the checker.
func (o *Orchestrator) Verify(ctx context.Context, engine fev.Engine, original bool) (bool, error) {
	s := o.Session
	store := s.Store
	live, err := store.ReadLive()
	if err != nil {
		return false, err
	}
	if clean := verilog.CleanComments(string(live)); clean != string(live) {
		if _, err := utils.WriteIfDifferent(store.LivePath(), []byte(clean)); err != nil {
			return false, err
		}
		s.log.Info("Removed temporary comments from %s", store.Artifact())
	}
	if _, err := o.CheckpointPending(); err != nil {
		return false, err
	}
	cur, err := store.Current()
	if err != nil {
		return false, err
	}
	candidate, err := store.ArtifactPath(cur)
	if err != nil {
		return false, err
	}
	baseline := store.OriginalPath()
	if !original {
		mod, _, err := store.LastVerified()
		if err != nil {
			return false, err
		}
		if baseline, err = store.ArtifactPath(mod); err != nil {
			return false, err
		}
	}
	passed, err := sameFiles(baseline, candidate)
	if err != nil {
		return false, err
	}
	if passed {
		s.log.Info("No changes since the verified version")
	} else {
		v, ok := o.Verifiers[engine]
		if !ok {
			return false, errors.Errorf("no verifier configured for engine %q", engine)
		}
		s.log.Info("Running %s on %s", engine, candidate)
		if passed, err = v.Verify(ctx, s.Module, baseline, candidate); err != nil {
			return false, fmt.Errorf("%w: %w", ErrVerifier, err)
		}
	}
	verdict := history.VerdictFailed
	if passed {
		verdict = history.VerdictPassed
	}
	if err := store.UpdateStatus(func(st *history.Status) { st.FEV = verdict }); err != nil {
		return false, err
	}
	s.log.Info("FEV %s for history/%d/mod_%d", verdict, store.Step(), cur)
	return passed, nil
}

func sameFiles(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}

// GateError lists every reason the current step cannot be accepted.
type GateError struct {
	Pending    bool
	FEV        history.Verdict
	Markers    []verilog.Marker
	Incomplete bool
	NotRun     bool
}

func (e *GateError) Error() string {
	var reasons []string
	if e.Pending {
		reasons = append(reasons, "edits are pending; verify or revert them first")
	}
	switch e.FEV {
	case history.VerdictPassed:
	case history.VerdictFailed:
		reasons = append(reasons, "the equivalence check failed")
	default:
		reasons = append(reasons, "the equivalence check was not run")
	}
	if len(e.Markers) > 0 {
		lines := make([]string, len(e.Markers))
		for i, m := range e.Markers {
			lines[i] = m.String()
		}
		reasons = append(reasons, "review comments remain:\n"+strings.Join(lines, "\n"))
	}
	if e.Incomplete {
		reasons = append(reasons, "the generator reported the step incomplete")
	}
	if e.NotRun {
		reasons = append(reasons, "the generator has not been run")
	}
	return "cannot accept: " + strings.Join(reasons, "; ")
}

func (e *GateError) Unwrap() error { return ErrAcceptBlocked }

// Overridable reports whether only the gates an operator may waive failed.
func (e *GateError) Overridable() bool {
	return !e.Pending && e.FEV == history.VerdictPassed && len(e.Markers) == 0
}

func (o *Orchestrator) gates() (*GateError, error) {
	store := o.Session.Store
	pending, err := store.Pending()
	if err != nil {
		return nil, err
	}
	st, err := store.Status()
	if err != nil {
		return nil, err
	}
	live, err := store.ReadLive()
	if err != nil {
		return nil, err
	}
	g := &GateError{
		Pending:    pending,
		FEV:        st.FEV,
		Markers:    verilog.ReviewMarkers(string(live)),
		Incomplete: st.IsIncomplete(),
		NotRun:     st.Incomplete == nil,
	}
	if g.Overridable() && !g.Incomplete && !g.NotRun {
		return nil, nil
	}
	return g, nil
}

// Accept closes the current step and begins the next applicable one. It fails
// with a *GateError while edits are pending, the equivalence check has not
// passed or review comments remain. A step the generator reported incomplete,
// or never ran on, is accepted only with force. When the catalog is exhausted
// the result is ErrConversionComplete.
func (o *Orchestrator) Accept(ctx context.Context, force bool) error {
	g, err := o.gates()
	if err != nil {
		return err
	}
	if g != nil && !(force && g.Overridable()) {
		return g
	}
	m, err := o.completedMacro()
	if err != nil {
		return err
	}
	return o.accept(ctx, m)
}

// completedMacro is the macro the latest generator result of the step
// completed, if any.
func (o *Orchestrator) completedMacro() (*prompt.MacroSpec, error) {
	store := o.Session.Store
	mod, found, err := store.MostRecentMatching(func(_ int, st history.Status) bool {
		return st.By == history.OriginLLM
	})
	if err != nil || !found {
		return nil, err
	}
	st, err := store.ReadStatus(mod)
	if err != nil {
		return nil, err
	}
	if !st.MacroCompleted || st.MacroID == nil {
		return nil, nil
	}
	m, err := o.Resolver.Catalog.Macro(*st.MacroID)
	if err != nil {
		o.Session.log.Warn("The completed macro %d is not in the catalog: %v", *st.MacroID, err)
		return nil, nil
	}
	return m, nil
}

func (o *Orchestrator) accept(ctx context.Context, m *prompt.MacroSpec) error {
	s := o.Session
	err := s.Store.UpdateStatus(func(st *history.Status) {
		st.Accepted = true
		if m != nil {
			st.MacroID = history.Int(m.ID)
			st.MacroDesc = m.Desc
			st.SubstepsCompleted = m.SubstepIDs()
			st.MacroCompleted = true
		}
	})
	if err != nil {
		return err
	}
	if m != nil {
		s.PromptID = maxID(m.SubstepIDs())
		s.log.Info("Accepted step %d, macro %q covering substeps %v", s.Store.Step(), m.Desc, m.SubstepIDs())
	} else {
		s.log.Info("Accepted step %d", s.Store.Step())
	}
	return o.advance(ctx)
}

func (o *Orchestrator) advance(ctx context.Context) error {
	s := o.Session
	st, err := s.Store.Status()
	if err != nil {
		return err
	}
	next, ok, err := o.Resolver.NextApplicable(s.PromptID, st)
	if err != nil {
		return err
	}
	if !ok {
		s.Done = true
		s.log.Info("Conversion completed")
		return ErrConversionComplete
	}
	cur, err := s.Store.Current()
	if err != nil {
		return err
	}
	content, err := s.Store.Content(cur)
	if err != nil {
		return err
	}
	return o.beginStep(ctx, o.Resolver.Ref(next), next.ID, st, content, nil)
}

// Undo reverts to the modification before the current one. At mod_0 it fails
// with history.ErrNoPrevious; the caller may offer Reset or Unaccept instead.
func (o *Orchestrator) Undo() (int, error) {
	if _, err := o.CheckpointPending(); err != nil {
		return 0, err
	}
	mod, err := o.Session.Store.Undo()
	if err != nil {
		return 0, err
	}
	o.Session.log.Info("Reverted to mod_%d", mod)
	return mod, nil
}

// revertTo makes mod current unless it already is.
func (o *Orchestrator) revertTo(mod int) error {
	cur, err := o.Session.Store.Current()
	if err != nil || cur == mod {
		return err
	}
	return o.Session.Store.Revert(mod)
}

// RedoCandidates lists the modifications Redo can reinstate.
func (o *Orchestrator) RedoCandidates() ([]int, error) {
	return o.Session.Store.RedoCandidates()
}

// Redo reinstates an undone modification. Pending edits are refused rather than
// checkpointed, as a checkpoint would end the reverted state.
func (o *Orchestrator) Redo(candidate int) error {
	if err := o.Session.Store.Redo(candidate); err != nil {
		return err
	}
	o.Session.log.Info("Redid mod_%d", candidate)
	return nil
}

// Reset discards the current step with all its modifications and begins it
// again on the same prompt.
func (o *Orchestrator) Reset(ctx context.Context) error {
	s := o.Session
	ref, err := s.Store.ReadPromptRef(s.Store.Step())
	if err != nil {
		p, perr := o.Resolver.Catalog.Prompt(s.PromptID)
		if perr != nil {
			return err
		}
		ref = o.Resolver.Ref(p)
	}
	return o.restart(ctx, ref, s.PromptID)
}

// JumpTo restarts the current step on prompt id, or on the macro containing
// it, regardless of the prompt's conditions. It is refused once the step has
// modified the artifact.
func (o *Orchestrator) JumpTo(ctx context.Context, id int, macro bool) error {
	if err := o.untouched(); err != nil {
		return err
	}
	p, err := o.Resolver.Catalog.Prompt(id)
	if err != nil {
		return err
	}
	ref := o.Resolver.Ref(p)
	if macro {
		m, ok := o.Resolver.MacroFor(id)
		if !ok || len(m.Substeps) == 0 {
			return errors.Errorf("prompt %d is not part of a macro", id)
		}
		ref, id = o.Resolver.MacroRef(m), m.Substeps[0].ID
	}
	return o.restart(ctx, ref, id)
}

func (o *Orchestrator) untouched() error {
	_, found, err := o.Session.Store.LastModified()
	if err != nil {
		return err
	}
	if found {
		return ErrStepInProgress
	}
	return nil
}

// restart replaces the current step by a new one for ref that starts from the
// same mod_0.
func (o *Orchestrator) restart(ctx context.Context, ref history.PromptRef, id int) error {
	store := o.Session.Store
	content, err := store.Content(0)
	if err != nil {
		return err
	}
	st0, err := store.ReadStatus(0)
	if err != nil {
		return err
	}
	if err := store.DiscardStep(); err != nil {
		return err
	}
	return o.beginStep(ctx, ref, id, st0, content, func(st *history.Status) { *st = st0 })
}

// Unaccept discards the current step, which must not have modified the
// artifact, and reopens the previous step as not accepted.
func (o *Orchestrator) Unaccept(ctx context.Context) error {
	s := o.Session
	store := s.Store
	if store.Step() <= 1 {
		return errors.Wrap(history.ErrNoPrevious, "no accepted step to reopen")
	}
	if err := o.untouched(); err != nil {
		return err
	}
	pending, err := store.Pending()
	if err != nil {
		return err
	}
	if pending {
		return history.ErrPendingEdits
	}
	if err := store.DiscardStep(); err != nil {
		return err
	}
	if err := store.UpdateStatus(func(st *history.Status) { st.Accepted = false }); err != nil {
		return err
	}
	if err := o.resume(ctx); err != nil {
		return err
	}
	cur, err := store.Current()
	if err != nil {
		return err
	}
	content, err := store.Content(cur)
	if err != nil {
		return err
	}
	if _, err := utils.WriteIfDifferent(store.LivePath(), content); err != nil {
		return err
	}
	if err := os.Remove(o.path(llm.ResponseFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return o.writeMessages(ctx)
}

// History returns up to limit entries of the current step, oldest first.
func (o *Orchestrator) History(limit int) ([]history.Entry, error) {
	return o.Session.Store.History(limit)
}

// Diff is the unified diff between two modifications of the current step.
func (o *Orchestrator) Diff(from, to int) (string, error) {
	store := o.Session.Store
	a, err := store.Content(from)
	if err != nil {
		return "", err
	}
	b, err := store.Content(to)
	if err != nil {
		return "", err
	}
	name := store.Artifact()
	return unifiedDiff(fmt.Sprintf("mod_%d/%s", from, name), fmt.Sprintf("mod_%d/%s", to, name), string(a), string(b)), nil
}

// LatestDiff is the change made by the current modification, empty at mod_0.
func (o *Orchestrator) LatestDiff() (string, error) {
	entries, err := o.History(2)
	if err != nil || len(entries) < 2 {
		return "", err
	}
	return o.Diff(entries[0].Mod, entries[1].Mod)
}

func unifiedDiff(from, to, a, b string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: from,
		ToFile:   to,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

func maxID(ids []int) int {
	m := 0
	for _, id := range ids {
		if id > m {
			m = id
		}
	}
	return m
}

func minID(ids []int) int {
	m := 0
	for i, id := range ids {
		if i == 0 || id < m {
			m = id
		}
	}
	return m
}
