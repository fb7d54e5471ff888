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
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Request is one generator call: the message list (system message first, the
// bundled prompt last), the artifact to append to the last message and the
// prompt-specific fields the response has to carry.
type Request struct {
	Messages    []*schema.Message `json:"messages"`
	Verilog     string            `json:"verilog"`
	MustProduce []string          `json:"must_produce,omitempty"`
	MayProduce  []string          `json:"may_produce,omitempty"`
}

// NewRequest builds the two-message request of a step.
func NewRequest(system, prompt string) *Request {
	return &Request{Messages: []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(prompt),
	}}
}

// Declared lists the extra fields the response may carry.
func (r *Request) Declared() []string {
	out := make([]string, 0, len(r.MustProduce)+len(r.MayProduce))
	out = append(out, r.MustProduce...)
	return append(out, r.MayProduce...)
}

// System is the content of the leading system message, if any.
func (r *Request) System() string {
	if len(r.Messages) > 0 && r.Messages[0].Role == schema.System {
		return r.Messages[0].Content
	}
	return ""
}

// AppendToPrompt adds text to the last message.
func (r *Request) AppendToPrompt(text string) {
	if len(r.Messages) == 0 {
		r.Messages = append(r.Messages, schema.UserMessage(""))
	}
	last := r.Messages[len(r.Messages)-1]
	last.Content += text
}

// Section is one "## key" section of a pseudo-markdown request.
type Section struct {
	Key   string
	Value string
}

// BundleRequest renders sections as pseudo-markdown:
//
//	## prompt
//
//	Do this...
func BundleRequest(sections ...Section) string {
	var sb strings.Builder
	for i, s := range sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", s.Key, s.Value)
	}
	return sb.String()
}

// Response is a normalized generator answer.
type Response struct {
	Overview    string            `json:"overview,omitempty"`
	Verilog     string            `json:"verilog"`
	Notes       string            `json:"notes,omitempty"`
	Issues      string            `json:"issues,omitempty"`
	Incomplete  bool              `json:"incomplete"`
	Plan        string            `json:"plan,omitempty"`
	ExtraFields map[string]string `json:"extra_fields,omitempty"`

	// Model and API name the backend that answered.
	Model string `json:"model,omitempty"`
	API   string `json:"api,omitempty"`
	// Raw is the unparsed answer.
	Raw string `json:"raw,omitempty"`
}

// Missing returns the names in must that the response lacks.
func (r *Response) Missing(must []string) []string {
	var out []string
	for _, f := range must {
		if _, ok := r.ExtraFields[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// standardFields are the response fields every prompt may produce.
var standardFields = map[string]bool{
	"overview":     true,
	"verilog":      true,
	"notes":        true,
	"issues":       true,
	"incomplete":   true,
	"plan":         true,
	"extra_fields": true,
}
