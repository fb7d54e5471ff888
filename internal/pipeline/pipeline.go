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
	"time"

	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/pkg/errors"
)

// Step is one unit of automated work. The Agent decides what happens when it fails.
type Step interface {
	Name() string
	Run(ctx context.Context, o *Orchestrator) (*StepResult, error)
}

type StepResult struct {
	Status      StepStatus
	Recoverable bool
	// Stay ends the pipeline early: the step is still being worked on.
	Stay bool
}

// Pipeline runs its steps in order under the Agent's retry/rollback policy.
type Pipeline struct {
	Steps []Step
	Agent Agent
}

// Run runs every step. It returns ErrRolledBack when the Agent gave up on a
// step and the artifact was reverted to where that step started.
func (p *Pipeline) Run(ctx context.Context, o *Orchestrator) error {
	if p.Agent == nil {
		p.Agent = &DefaultAgent{MaxRetry: 1}
	}
	for _, step := range p.Steps {
		stay, err := p.runStep(ctx, step, o)
		if err != nil || stay {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, step Step, o *Orchestrator) (bool, error) {
	s := o.Session
	// The modification to roll back to.
	start, err := s.Store.Current()
	if err != nil {
		return false, err
	}
	startStep := s.Store.Step()

	attempt := 0
	for {
		attempt++
		result, err := step.Run(ctx, o)
		if err == nil && result != nil && result.Status == StepOK {
			s.History = append(s.History, StepRecord{
				StepName: step.Name(),
				Step:     startStep,
				Attempt:  attempt,
				Status:   StepOK,
				Time:     time.Now(),
			})
			return result.Stay, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if result == nil {
			result = &StepResult{Status: StepFailed, Recoverable: err != nil && recoverable(err)}
		}
		if result.Status == StepOK {
			result = &StepResult{Status: StepFailed, Recoverable: false}
		}

		s.History = append(s.History, StepRecord{
			StepName: step.Name(),
			Step:     startStep,
			Attempt:  attempt,
			Status:   result.Status,
			Error:    errStr(err),
			Time:     time.Now(),
		})

		decision := p.Agent.OnStepFailure(ctx, step, s, result, attempt)
		s.log.Info("%s failed (attempt %d): %s; %s", step.Name(), attempt, errStr(err), decision)
		switch decision {
		case DecisionRetry:
			continue
		case DecisionRollback:
			if rerr := rollback(o, startStep, start); rerr != nil {
				return false, rerr
			}
			if err != nil {
				return false, fmt.Errorf("step %s: %w: %w", step.Name(), ErrRolledBack, err)
			}
			return false, fmt.Errorf("step %s: %w", step.Name(), ErrRolledBack)
		default:
			if err != nil {
				return false, fmt.Errorf("step %s: %w", step.Name(), err)
			}
			return false, fmt.Errorf("step %s failed (abort)", step.Name())
		}
	}
}

// rollback reverts the artifact to mod of the step a pipeline step started in.
func rollback(o *Orchestrator, step, mod int) error {
	store := o.Session.Store
	if store.Step() != step {
		return nil
	}
	if _, err := o.CheckpointPending(); err != nil {
		return err
	}
	return o.revertTo(mod)
}

// recoverable tells failures worth another attempt from those that need an operator.
func recoverable(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrReconstruction)
}

func errStr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RefactorStep asks the generator for the current prompt and verifies the result.
// A failed check is undone before the step reports it, so that a retry starts
// from the same artifact.
type RefactorStep struct {
	Attempt Attempt
	Engine  fev.Engine
}

func (r *RefactorStep) Name() string { return "refactor" }

func (r *RefactorStep) Run(ctx context.Context, o *Orchestrator) (*StepResult, error) {
	store := o.Session.Store
	st, err := store.Status()
	if err != nil {
		return nil, err
	}
	start, err := store.Current()
	if err != nil {
		return nil, err
	}
	incomplete := false
	if !st.LLMFinished() {
		out, err := o.Generate(ctx, r.Attempt)
		if err != nil {
			return nil, err
		}
		if !out.Accepted {
			return &StepResult{Status: StepFailed, Recoverable: true}, errors.New("generator result rejected")
		}
		incomplete = out.Incomplete
	}
	passed, err := o.Verify(ctx, r.Engine, false)
	if err != nil {
		return &StepResult{Status: StepFailed, Recoverable: false}, err
	}
	if !passed {
		if rerr := o.revertTo(start); rerr != nil {
			return nil, rerr
		}
		return &StepResult{Status: StepFailed, Recoverable: true}, errors.Errorf("FEV failed for step %d", store.Step())
	}
	return &StepResult{Status: StepOK, Stay: incomplete}, nil
}

// AcceptStep accepts the current step and begins the next one.
type AcceptStep struct{}

func (AcceptStep) Name() string { return "accept" }

func (AcceptStep) Run(ctx context.Context, o *Orchestrator) (*StepResult, error) {
	if _, err := o.CheckpointPending(); err != nil {
		return nil, err
	}
	if err := o.Accept(ctx, false); err != nil && !errors.Is(err, ErrConversionComplete) {
		return &StepResult{Status: StepFailed, Recoverable: false}, err
	}
	return &StepResult{Status: StepOK}, nil
}
