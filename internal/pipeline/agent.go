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

	"github.com/cloudwego/fevcoder/llm"
)

// Agent decides what the automation pipeline does after a step fails. It only
// schedules; it never edits the artifact.
type Agent interface {
	OnStepFailure(
		ctx context.Context,
		step Step,
		s *Session,
		result *StepResult,
		attempt int,
	) AgentDecision
}

type AgentDecision string

const (
	DecisionRetry    AgentDecision = "retry"
	DecisionRollback AgentDecision = "rollback"
	DecisionAbort    AgentDecision = "abort"
)

// DefaultAgent aborts on unrecoverable failures, retries up to MaxRetry times
// and then rolls back.
type DefaultAgent struct {
	MaxRetry int
}

func (a *DefaultAgent) OnStepFailure(
	ctx context.Context,
	step Step,
	s *Session,
	result *StepResult,
	attempt int,
) AgentDecision {
	if result != nil && !result.Recoverable {
		return DecisionAbort
	}
	if attempt > a.MaxRetry {
		return DecisionRollback
	}
	return DecisionRetry
}

// Review is a generator result waiting for the operator's verdict. The
// reconstructed artifact is already in the live file, where the operator may
// edit it further.
type Review struct {
	Step     int
	PromptID int
	Macro    bool
	Diff     string
	Response *llm.Response
}

// Operator answers the questions the orchestrator cannot decide alone.
type Operator interface {
	Confirm(ctx context.Context, question string, def bool) (bool, error)
	Review(ctx context.Context, r *Review) (bool, error)
}

// AutoOperator is the operator of unattended runs: every question gets its
// default answer and every reviewed result is accepted.
type AutoOperator struct{}

func (AutoOperator) Confirm(ctx context.Context, question string, def bool) (bool, error) {
	return def, ctx.Err()
}

func (AutoOperator) Review(ctx context.Context, r *Review) (bool, error) {
	return true, ctx.Err()
}
