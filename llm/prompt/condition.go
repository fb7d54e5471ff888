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
	"strconv"

	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/pkg/errors"
)

// Applicable evaluates the prompt's if, unless and when clauses against st.
// A present but empty if clause never holds; an empty unless never blocks.
func (p *PromptSpec) Applicable(st history.Status) (bool, error) {
	if p.If != nil && !p.If.any(st) {
		return false, nil
	}
	if len(p.Unless) > 0 && p.Unless.all(st) {
		return false, nil
	}
	if p.when == nil {
		return true, nil
	}
	v, err := p.when.Eval(statusParams{&st})
	if err != nil {
		// typically a comparison against an absent field
		log.Debug("prompt %d: %q not applicable: %v", p.ID, p.When, err)
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Wrapf(ErrInvalidCondition, "prompt %d: %q is not boolean", p.ID, p.When)
	}
	return b, nil
}

// any holds when some field has some matching value.
func (c Condition) any(st history.Status) bool {
	for f, alts := range c {
		if alts.match(st, f) {
			return true
		}
	}
	return false
}

// all holds when every field has a matching value.
func (c Condition) all(st history.Status) bool {
	for f, alts := range c {
		if !alts.match(st, f) {
			return false
		}
	}
	return true
}

func (a Alternatives) match(st history.Status, field string) bool {
	v, _ := st.Lookup(field)
	for _, want := range a {
		if want == v {
			return true
		}
	}
	return false
}

// statusParams exposes status fields to expressions. Absent fields, false
// booleans included, read as "".
type statusParams struct {
	st *history.Status
}

func (p statusParams) Get(name string) (interface{}, error) {
	v, ok := p.st.Lookup(name)
	if !ok {
		return "", nil
	}
	if v == "true" || v == "false" {
		return v == "true", nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f, nil
	}
	return v, nil
}
