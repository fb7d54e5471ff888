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
	"fmt"
	"time"

	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/google/uuid"
)

// Session is the state of one conversion job. Everything but RunID, Errors and
// History is re-derived from the working directory when a session is resumed.
type Session struct {
	RunID  string
	Dir    string
	Module string
	Store  *history.Store

	// PromptID is the catalog id the current step works on. For a macro step it
	// is the macro's first substep.
	PromptID int
	// Done is set once the catalog is exhausted.
	Done bool

	// Errors is the automation error log, oldest first.
	Errors  []string
	History []StepRecord

	log log.Logger
}

func newSession(dir, module string, store *history.Store) *Session {
	id := uuid.NewString()
	return &Session{
		RunID:  id,
		Dir:    dir,
		Module: module,
		Store:  store,
		log:    log.With("run", id[:8]),
	}
}

// AddError appends to the automation error log.
func (s *Session) AddError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.Errors = append(s.Errors, msg)
	s.log.Error("%s", msg)
}

// TakeErrors returns the automation error log and clears it.
func (s *Session) TakeErrors() []string {
	out := s.Errors
	s.Errors = nil
	return out
}

type StepRecord struct {
	StepName string
	Step     int // history step the attempt ran in
	Attempt  int
	Status   StepStatus
	Error    string
	Time     time.Time
}

type StepStatus string

const (
	StepOK     StepStatus = "ok"
	StepFailed StepStatus = "failed"
	StepRetry  StepStatus = "retry"
)
