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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/cloudwego/fevcoder/llm"
)

// Data is what preprocessors may substitute into prompt text.
type Data struct {
	Status history.Status
	Model  llm.ModelConfig
}

// Preprocessor rewrites prompt or system text before it is sent.
type Preprocessor interface {
	// Applies reports whether text uses this preprocessor's syntax.
	Applies(text string) bool
	// Process rewrites text. what names the text, e.g. "prompt" or "system_message".
	Process(ctx context.Context, what, text string, data Data) (string, error)
}

// Preprocess runs every applicable preprocessor over text, in order.
func Preprocess(ctx context.Context, pps []Preprocessor, what, text string, data Data) (string, error) {
	for _, pp := range pps {
		if !pp.Applies(text) {
			continue
		}
		var err error
		if text, err = pp.Process(ctx, what, text, data); err != nil {
			return "", err
		}
	}
	return text, nil
}

// templateActionRE matches the start of a template action. Verilog
// replications such as {{8{a[7]}}, a} do not match.
var templateActionRE = regexp.MustCompile(`\{\{-?\s*(?:[.$]|(?:if|range|with|define|template|block)\b)`)

// TemplatePreprocessor expands Go templates. The data is
// {{.Status.<field>}} and {{.Model.<ModelConfig field>}}. Text that does not
// parse as a template is passed through unchanged.
type TemplatePreprocessor struct{}

func (TemplatePreprocessor) Applies(text string) bool { return templateActionRE.MatchString(text) }

func (TemplatePreprocessor) Process(ctx context.Context, what, text string, data Data) (string, error) {
	tpl, err := template.New(what).Option("missingkey=zero").Parse(text)
	if err != nil {
		log.Warn("%s is not expanded as a template: %v", what, err)
		return text, nil
	}
	var buf bytes.Buffer
	err = tpl.Execute(&buf, struct {
		Status map[string]string
		Model  llm.ModelConfig
	}{data.Status.Fields(), data.Model})
	if err != nil {
		return "", utils.WrapError(err, "execute %s template", what)
	}
	return buf.String(), nil
}

// M5Preprocessor runs the M5 macro processor. Status fields are defined as
// status_<field> and model properties as api and api_<property>.
type M5Preprocessor struct {
	Command    string
	ScratchDir string
}

func (p M5Preprocessor) Applies(text string) bool {
	return p.Command != "" && strings.Contains(text, "m5_")
}

func (p M5Preprocessor) Process(ctx context.Context, what, text string, data Data) (string, error) {
	dir := filepath.Join(p.ScratchDir, "m5")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	src := filepath.Join(dir, what+".txt.m5")
	if err := os.WriteFile(src, []byte(m5Definitions(data)+text), 0644); err != nil {
		return "", err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Command, "--obj_dir", dir, src)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", utils.WrapError(err, "m5 on %s: %s", what, strings.TrimSpace(stderr.String()))
	}
	out := stdout.String()
	_ = os.WriteFile(filepath.Join(dir, what+".txt"), []byte(out), 0644)
	return out, nil
}

func m5Definitions(data Data) string {
	var sb strings.Builder
	sb.WriteString("m5_eval(m5_use(m5-local)")
	fmt.Fprintf(&sb, "m5_var(api, ['%s'])", data.Model.APIType)
	model := [][2]string{
		{"name", data.Model.Name},
		{"model_name", data.Model.ModelName},
		{"format", string(data.Model.Format)},
	}
	for _, kv := range model {
		fmt.Fprintf(&sb, "m5_var(api_%s, ['%s'])", kv[0], kv[1])
	}
	fields := data.Status.Fields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&sb, "m5_var(status_%s, ['%s'])", k, fields[k])
	}
	sb.WriteString(")")
	return sb.String()
}
