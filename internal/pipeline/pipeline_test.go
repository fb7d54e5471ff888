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
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/pkg/errors"
)

// mockStepOK returns StepOK, optionally after editing the artifact.
type mockStepOK struct {
	name  string
	write string
	stay  bool
}

func (m *mockStepOK) Name() string {
	if m.name != "" {
		return m.name
	}
	return "mock-ok"
}

func (m *mockStepOK) Run(ctx context.Context, o *Orchestrator) (*StepResult, error) {
	if m.write != "" {
		if err := os.WriteFile(o.Session.Store.LivePath(), []byte(m.write), 0o644); err != nil {
			return nil, err
		}
		if _, err := o.CheckpointPending(); err != nil {
			return nil, err
		}
	}
	return &StepResult{Status: StepOK, Stay: m.stay}, nil
}

// mockStepFail edits the artifact and fails, recoverably or not.
type mockStepFail struct {
	recoverable bool
	err         error
	runs        int
}

func (m *mockStepFail) Name() string { return "mock-fail" }

func (m *mockStepFail) Run(ctx context.Context, o *Orchestrator) (*StepResult, error) {
	m.runs++
	if err := os.WriteFile(o.Session.Store.LivePath(), []byte(codeX), 0o644); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	return &StepResult{
		Status:      StepFailed,
		Recoverable: m.recoverable,
	}, nil
}

func TestPipeline_Run_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.open(t, testCatalog(""))

	pl := &Pipeline{
		Steps: []Step{&mockStepOK{name: "edit", write: codeX}, &mockStepOK{name: "noop"}},
		Agent: &DefaultAgent{MaxRetry: 1},
	}
	if err := pl.Run(ctx, o); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.live(t); got != codeX {
		t.Errorf("artifact: got %q", got)
	}
	if len(o.Session.History) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(o.Session.History))
	}
	if o.Session.History[0].Status != StepOK || o.Session.History[0].Step != 1 {
		t.Errorf("history record: %+v", o.Session.History[0])
	}
}

func TestPipeline_Run_Stay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.open(t, testCatalog(""))
	after := &mockStepOK{name: "after"}

	pl := &Pipeline{Steps: []Step{&mockStepOK{stay: true}, after}}
	if err := pl.Run(ctx, o); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(o.Session.History) != 1 {
		t.Errorf("steps after a stay must not run, got %d records", len(o.Session.History))
	}
}

func TestPipeline_Run_AbortOnNonRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.open(t, testCatalog(""))
	step := &mockStepFail{recoverable: false}

	pl := &Pipeline{
		Steps: []Step{step},
		Agent: &DefaultAgent{MaxRetry: 3},
	}
	err := pl.Run(ctx, o)
	if err == nil {
		t.Fatal("expected error on non-recoverable failure")
	}
	if errors.Is(err, ErrRolledBack) {
		t.Errorf("abort must not roll back: %v", err)
	}
	if step.runs != 1 {
		t.Errorf("runs: got %d", step.runs)
	}
}

func TestPipeline_Run_RetryThenRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.open(t, testCatalog(""))
	step := &mockStepFail{err: errors.Wrap(ErrValidation, "no verilog field")}

	pl := &Pipeline{
		Steps: []Step{step},
		Agent: &DefaultAgent{MaxRetry: 2},
	}
	err := pl.Run(ctx, o)
	if !errors.Is(err, ErrRolledBack) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected a rollback wrapping the validation error, got %v", err)
	}
	if step.runs != 3 {
		t.Errorf("runs: got %d", step.runs)
	}
	if got := f.live(t); got != baseline {
		t.Errorf("artifact not rolled back: %q", got)
	}
	if cur, _ := o.Session.Store.Current(); cur != 0 {
		t.Errorf("current modification: got %d", cur)
	}
	if len(o.Session.History) != 3 || o.Session.History[2].Error == "" {
		t.Errorf("history: %+v", o.Session.History)
	}
}

func TestDefaultAgent_OnStepFailure(t *testing.T) {
	ctx := context.Background()
	agent := &DefaultAgent{MaxRetry: 2}

	t.Run("abort when not recoverable", func(t *testing.T) {
		d := agent.OnStepFailure(ctx, nil, nil, &StepResult{Recoverable: false}, 1)
		if d != DecisionAbort {
			t.Errorf("got %s", d)
		}
	})

	t.Run("retry when recoverable and up to max", func(t *testing.T) {
		for _, attempt := range []int{1, 2} {
			d := agent.OnStepFailure(ctx, nil, nil, &StepResult{Recoverable: true}, attempt)
			if d != DecisionRetry {
				t.Errorf("attempt %d: got %s", attempt, d)
			}
		}
	})

	t.Run("rollback when recoverable and past max", func(t *testing.T) {
		d := agent.OnStepFailure(ctx, nil, nil, &StepResult{Recoverable: true}, 3)
		if d != DecisionRollback {
			t.Errorf("got %s", d)
		}
	})
}

func TestRefactorStep_SkipsFinishedGenerator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.open(t, testCatalog(""))
	gen := &fakeGenerator{replies: []reply{code(codeX)}}
	if _, err := o.Generate(ctx, Attempt{Generator: gen}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	step := &RefactorStep{Attempt: Attempt{Generator: gen}, Engine: fev.EngineYosys}
	res, err := step.Run(ctx, o)
	if err != nil || res.Status != StepOK {
		t.Fatalf("Run: %v %+v", err, res)
	}
	if len(gen.requests) != 1 {
		t.Errorf("generator called again: %d requests", len(gen.requests))
	}
	if f.verifier.calls != 2 {
		t.Errorf("verifier calls: got %d", f.verifier.calls)
	}
}

func TestRefactorStep_FEVFailureReverts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.open(t, testCatalog(""))

	step := &RefactorStep{
		Attempt: Attempt{Generator: &fakeGenerator{replies: []reply{code(broken)}}},
		Engine:  fev.EngineYosys,
	}
	res, err := step.Run(ctx, o)
	if err == nil || res == nil || !res.Recoverable {
		t.Fatalf("expected a recoverable failure, got %v %+v", err, res)
	}
	if got := f.live(t); got != baseline {
		t.Errorf("artifact: got %q", got)
	}
	if fi, err := os.Lstat(filepath.Join(f.dir, "history", "1", "mod_2")); err != nil || fi.Mode()&os.ModeSymlink == 0 {
		t.Errorf("expected a reversion marker: %v", err)
	}
}
