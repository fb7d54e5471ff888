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

package history

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/pkg/errors"
)

// Origin tells who produced a modification.
type Origin string

const (
	OriginHuman Origin = "human"
	OriginLLM   Origin = "llm"
)

// Verdict is the outcome of a compile or equivalence check.
type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
)

// Stickiness controls how a status field is carried from one modification to the next.
type Stickiness int

const (
	// NonSticky fields describe only the modification that set them.
	NonSticky Stickiness = iota
	// StickyWithinStep fields are owned by the generator. Inside a step, checkpoints
	// not produced by the generator inherit them from the previous modification.
	// A new step starts without them.
	StickyWithinStep
	// Sticky fields are inherited across modifications and steps unless set anew.
	Sticky
)

func (s Stickiness) String() string {
	switch s {
	case NonSticky:
		return "non-sticky"
	case StickyWithinStep:
		return "sticky-within-step"
	default:
		return "sticky"
	}
}

// Names of the well-known status fields, as persisted in status.json.
const (
	FieldInitial             = "initial"
	FieldBy                  = "by"
	FieldAPI                 = "api"
	FieldModel               = "model"
	FieldCompile             = "compile"
	FieldFEV                 = "fev"
	FieldModified            = "modified"
	FieldIncomplete          = "incomplete"
	FieldAccepted            = "accepted"
	FieldPlan                = "plan"
	FieldMacroID             = "macro_id"
	FieldMacroDesc           = "macro_desc"
	FieldSubstepsCompleted   = "substeps_completed"
	FieldMacroCompleted      = "macro_completed"
	FieldMacroTransformation = "macro_transformation"
	FieldFallbackFromMacro   = "fallback_from_macro"
	FieldOriginalMacroID     = "original_macro_id"
)

// Status is the metadata record of one modification. Fields not known here are
// prompt-specific "extra fields" and live in Extra.
type Status struct {
	Initial  bool
	By       Origin
	API      string
	Model    string
	Compile  Verdict
	FEV      Verdict
	Modified bool
	// Incomplete is nil until a generator has reported on the step.
	Incomplete *bool
	Accepted   bool
	Plan       string

	MacroID             *int
	MacroDesc           string
	SubstepsCompleted   []int
	MacroCompleted      bool
	MacroTransformation bool
	FallbackFromMacro   bool
	OriginalMacroID     *int

	Extra map[string]string
}

// Bool returns a pointer to v, for the optional fields of Status.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v, for the optional fields of Status.
func Int(v int) *int { return &v }

// LLMFinished reports whether the generator declared the step's transformation complete.
func (s *Status) LLMFinished() bool {
	return s.Incomplete != nil && !*s.Incomplete
}

// IsIncomplete reports whether the generator declared the step's transformation incomplete.
func (s *Status) IsIncomplete() bool {
	return s.Incomplete != nil && *s.Incomplete
}

// FEVPassed reports whether the modification passed equivalence checking.
func (s *Status) FEVPassed() bool { return s.FEV == VerdictPassed }

// SetExtra sets a prompt-specific field.
func (s *Status) SetExtra(field, value string) {
	if s.Extra == nil {
		s.Extra = map[string]string{}
	}
	s.Extra[field] = value
}

// Clone returns a deep copy of s.
func (s Status) Clone() Status {
	out := s
	if s.Incomplete != nil {
		out.Incomplete = Bool(*s.Incomplete)
	}
	if s.MacroID != nil {
		out.MacroID = Int(*s.MacroID)
	}
	if s.OriginalMacroID != nil {
		out.OriginalMacroID = Int(*s.OriginalMacroID)
	}
	if s.SubstepsCompleted != nil {
		out.SubstepsCompleted = append([]int(nil), s.SubstepsCompleted...)
	}
	if s.Extra != nil {
		out.Extra = make(map[string]string, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// StickinessOf returns the propagation rule of field. Unknown fields are extra
// fields and are Sticky.
func StickinessOf(field string) Stickiness {
	if d, ok := fieldIndex[field]; ok {
		return d.sticky
	}
	return Sticky
}

// Carry applies the propagation rules to s given the previous modification's status.
// sameStep is false for the first modification of a step.
func (s Status) Carry(prev Status, sameStep bool) Status {
	out := s.Clone()
	from := prev.Clone()
	for _, d := range fields {
		if d.sticky == StickyWithinStep && sameStep && out.By != OriginLLM {
			d.copy(&out, &from)
		}
	}
	for k, v := range from.Extra {
		if _, ok := out.Extra[k]; !ok {
			out.SetExtra(k, v)
		}
	}
	return out
}

// Lookup returns the textual value of field, known or extra. Unset fields, and
// booleans that are false, are reported absent.
func (s *Status) Lookup(field string) (string, bool) {
	if d, ok := fieldIndex[field]; ok {
		return d.text(s)
	}
	v, ok := s.Extra[field]
	return v, ok
}

// Fields returns every present field with its textual value.
func (s *Status) Fields() map[string]string {
	out := make(map[string]string, len(fields)+len(s.Extra))
	for k, v := range s.Extra {
		out[k] = v
	}
	for _, d := range fields {
		if v, ok := d.text(s); ok {
			out[d.name] = v
		}
	}
	return out
}

// MarshalJSON writes s as one flat object, extra fields next to known ones.
func (s Status) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(fields)+len(s.Extra))
	for k, v := range s.Extra {
		m[k] = v
	}
	for _, d := range fields {
		if v, ok := d.encode(&s); ok {
			m[d.name] = v
		}
	}
	return utils.MarshalJSONBytes(m)
}

// UnmarshalJSON reads a flat object. Non-string extra values keep their JSON text.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Status{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw[k]
		if d, ok := fieldIndex[k]; ok {
			if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				continue
			}
			if err := d.decode(s, v); err != nil {
				return errors.Wrapf(err, "status field %q", k)
			}
			continue
		}
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			var buf bytes.Buffer
			if err := json.Compact(&buf, v); err != nil {
				return errors.Wrapf(err, "status field %q", k)
			}
			str = buf.String()
		}
		s.SetExtra(k, str)
	}
	return nil
}

type fieldDef struct {
	name   string
	sticky Stickiness
	encode func(s *Status) (any, bool)
	decode func(s *Status, raw json.RawMessage) error
	text   func(s *Status) (string, bool)
	copy   func(dst, src *Status)
}

func field[T any](name string, sticky Stickiness, ptr func(*Status) *T, present func(T) bool, text func(T) string) fieldDef {
	return fieldDef{
		name:   name,
		sticky: sticky,
		encode: func(s *Status) (any, bool) {
			v := *ptr(s)
			return v, present(v)
		},
		decode: func(s *Status, raw json.RawMessage) error {
			return json.Unmarshal(raw, ptr(s))
		},
		text: func(s *Status) (string, bool) {
			v := *ptr(s)
			if !present(v) {
				return "", false
			}
			return text(v), true
		},
		copy: func(dst, src *Status) { *ptr(dst) = *ptr(src) },
	}
}

func boolField(name string, ptr func(*Status) *bool) fieldDef {
	return field(name, NonSticky, ptr, func(v bool) bool { return v }, strconv.FormatBool)
}

func stringField[T ~string](name string, sticky Stickiness, ptr func(*Status) *T) fieldDef {
	return field(name, sticky, ptr, func(v T) bool { return v != "" }, func(v T) string { return string(v) })
}

func optBoolField(name string, sticky Stickiness, ptr func(*Status) **bool) fieldDef {
	return field(name, sticky, ptr, func(v *bool) bool { return v != nil }, func(v *bool) string { return strconv.FormatBool(*v) })
}

func optIntField(name string, ptr func(*Status) **int) fieldDef {
	return field(name, NonSticky, ptr, func(v *int) bool { return v != nil }, func(v *int) string { return strconv.Itoa(*v) })
}

func intsField(name string, ptr func(*Status) *[]int) fieldDef {
	return field(name, NonSticky, ptr, func(v []int) bool { return len(v) > 0 }, func(v []int) string {
		b, _ := json.Marshal(v)
		return string(b)
	})
}

// fields is the stickiness table of the well-known fields, in persisted order.
var fields = []fieldDef{
	boolField(FieldInitial, func(s *Status) *bool { return &s.Initial }),
	stringField(FieldBy, NonSticky, func(s *Status) *Origin { return &s.By }),
	stringField(FieldAPI, NonSticky, func(s *Status) *string { return &s.API }),
	stringField(FieldModel, NonSticky, func(s *Status) *string { return &s.Model }),
	stringField(FieldCompile, NonSticky, func(s *Status) *Verdict { return &s.Compile }),
	stringField(FieldFEV, NonSticky, func(s *Status) *Verdict { return &s.FEV }),
	boolField(FieldModified, func(s *Status) *bool { return &s.Modified }),
	optBoolField(FieldIncomplete, StickyWithinStep, func(s *Status) **bool { return &s.Incomplete }),
	boolField(FieldAccepted, func(s *Status) *bool { return &s.Accepted }),
	stringField(FieldPlan, StickyWithinStep, func(s *Status) *string { return &s.Plan }),
	optIntField(FieldMacroID, func(s *Status) **int { return &s.MacroID }),
	stringField(FieldMacroDesc, NonSticky, func(s *Status) *string { return &s.MacroDesc }),
	intsField(FieldSubstepsCompleted, func(s *Status) *[]int { return &s.SubstepsCompleted }),
	boolField(FieldMacroCompleted, func(s *Status) *bool { return &s.MacroCompleted }),
	boolField(FieldMacroTransformation, func(s *Status) *bool { return &s.MacroTransformation }),
	boolField(FieldFallbackFromMacro, func(s *Status) *bool { return &s.FallbackFromMacro }),
	optIntField(FieldOriginalMacroID, func(s *Status) **int { return &s.OriginalMacroID }),
}

var fieldIndex = func() map[string]fieldDef {
	m := make(map[string]fieldDef, len(fields))
	for _, d := range fields {
		m[d.name] = d
	}
	return m
}()
