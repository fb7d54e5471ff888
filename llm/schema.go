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

package llm

import (
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/invopop/jsonschema"
)

// responseShape is the JSON layout of an answer.
type responseShape struct {
	Overview    string            `json:"overview" jsonschema:"description=A short summary of the changes made"`
	Verilog     string            `json:"verilog" jsonschema:"description=The complete modified Verilog code or an abbreviated edit using '...' lines for unchanged code"`
	Notes       string            `json:"notes" jsonschema:"description=Anything the human reviewer should know"`
	Issues      string            `json:"issues" jsonschema:"description=Problems that could not be resolved"`
	Incomplete  bool              `json:"incomplete" jsonschema:"description=True if the task is not yet finished"`
	Plan        string            `json:"plan" jsonschema:"description=The plan for finishing the task if incomplete"`
	ExtraFields map[string]string `json:"extra_fields,omitempty" jsonschema:"description=Additional named results requested by the prompt"`
}

// ResponseSchema renders the JSON schema of an answer. must and may become
// the required and optional properties of extra_fields.
func ResponseSchema(must, may []string) (string, error) {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	s := r.Reflect(&responseShape{})
	s.Version = ""

	if extra, ok := s.Properties.Get("extra_fields"); ok {
		if len(must)+len(may) == 0 {
			s.Properties.Delete("extra_fields")
		} else {
			props := jsonschema.NewProperties()
			for _, f := range must {
				props.Set(f, &jsonschema.Schema{Type: "string", Description: "required field"})
			}
			for _, f := range may {
				props.Set(f, &jsonschema.Schema{Type: "string", Description: "optional field"})
			}
			extra.Properties = props
			extra.Required = append([]string(nil), must...)
			extra.PatternProperties = nil
			extra.AdditionalProperties = jsonschema.FalseSchema
			if len(must) > 0 {
				s.Required = append(s.Required, "extra_fields")
			}
		}
	}
	out, err := utils.MarshalJSONIndent(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
