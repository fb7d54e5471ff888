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
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ErrMalformedResponse reports an answer that could not be parsed at all.
var ErrMalformedResponse = errors.New("malformed response")

// Bundler parses answers in one response format.
type Bundler interface {
	Format() Format
	// Instructions is appended to the system message to request the format.
	Instructions(must, may []string) (string, error)
	// Parse normalizes an answer into a Response. declared lists the extra
	// fields the prompt announced.
	Parse(answer string, declared []string) (*Response, error)
}

// BundlerFor returns the bundler of f. Unknown formats fall back to JSON.
func BundlerFor(f Format) Bundler {
	if f == FormatMarkdown {
		return markdownBundler{}
	}
	return jsonBundler{}
}

type jsonBundler struct{}

func (jsonBundler) Format() Format { return FormatJSON }

func (jsonBundler) Instructions(must, may []string) (string, error) {
	s, err := ResponseSchema(must, may)
	if err != nil {
		return "", err
	}
	return "\n\nRespond with a single JSON object conforming to this JSON schema:\n\n" + s, nil
}

func (jsonBundler) Parse(answer string, declared []string) (*Response, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripWrapper(answer)), &obj); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	resp := &Response{}
	known := declaredSet(declared)
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw := obj[k]
		switch k {
		case "overview", "verilog", "notes", "issues", "plan":
			setText(resp, k, rawText(raw))
		case "incomplete":
			resp.Incomplete = rawBool(raw)
		case "extra_fields":
			var extras map[string]json.RawMessage
			if err := json.Unmarshal(raw, &extras); err != nil {
				return nil, errors.Wrapf(ErrMalformedResponse, "extra_fields: %v", err)
			}
			for name, v := range extras {
				resp.setExtra(name, rawText(v), known)
			}
		default:
			resp.setExtra(k, rawText(raw), known)
		}
	}
	return resp, nil
}

type markdownBundler struct{}

func (markdownBundler) Format() Format { return FormatMarkdown }

func (markdownBundler) Instructions(must, may []string) (string, error) {
	var sb strings.Builder
	sb.WriteString("\n\nRespond in markdown. Begin each response field with a level-2 header naming it, e.g. \"## verilog\". ")
	sb.WriteString("Use the fields overview, verilog, notes, issues, incomplete (true or false) and plan.")
	for _, f := range must {
		fmt.Fprintf(&sb, "\nAlso provide \"## %s\" (required).", f)
	}
	for _, f := range may {
		fmt.Fprintf(&sb, "\nYou may also provide \"## %s\".", f)
	}
	return sb.String(), nil
}

var wrapperRE = regexp.MustCompile("^(```|---+)$")

// mdField is a "## name" header and the top-level blocks under it.
type mdField struct {
	name   string
	start  int // offset of the header line
	body   int // offset after the header line
	blocks []ast.Node
}

// Parse splits the answer at level-2 ATX headers found by goldmark. Field
// values are the raw text between headers, so unfenced Verilog is kept
// verbatim; a verilog field holding only a verilog fence is unwrapped.
func (markdownBundler) Parse(answer string, declared []string) (*Response, error) {
	src := []byte(stripWrapper(answer))
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var fields []mdField
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if f, ok := fieldHeader(n, src); ok {
			fields = append(fields, f)
			continue
		}
		if len(fields) > 0 {
			last := &fields[len(fields)-1]
			last.blocks = append(last.blocks, n)
		}
	}
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrMalformedResponse, "no fields found")
	}
	if s := strings.TrimSpace(string(src[:fields[0].start])); s != "" {
		log.Warn("ignoring response text before the first field: %q", abbreviate(s))
	}

	resp := &Response{}
	known := declaredSet(declared)
	for i, f := range fields {
		end := len(src)
		if i+1 < len(fields) {
			end = fields[i+1].start
		}
		value := fieldText(src[f.body:end])
		switch f.name {
		case "verilog":
			if code, ok := verilogFence(f.blocks, src); ok {
				value = code
			}
			resp.Verilog = value
		case "overview", "notes", "issues", "plan":
			setText(resp, f.name, value)
		case "incomplete":
			resp.Incomplete = strings.EqualFold(strings.TrimSpace(value), "true")
		default:
			resp.setExtra(f.name, value, known)
		}
	}
	return resp, nil
}

// fieldHeader recognizes "## name" at the start of a line, name being one word.
func fieldHeader(n ast.Node, src []byte) (mdField, bool) {
	h, ok := n.(*ast.Heading)
	if !ok || h.Level != 2 || h.Lines().Len() == 0 {
		return mdField{}, false
	}
	seg := h.Lines().At(0)
	start := bytes.LastIndexByte(src[:seg.Start], '\n') + 1
	if !bytes.HasPrefix(src[start:], []byte("##")) {
		return mdField{}, false
	}
	name := strings.TrimSpace(string(seg.Value(src)))
	if name == "" || strings.ContainsAny(name, " \t") {
		return mdField{}, false
	}
	body := len(src)
	if i := bytes.IndexByte(src[seg.Stop:], '\n'); i >= 0 {
		body = seg.Stop + i + 1
	}
	return mdField{name: strings.ToLower(name), start: start, body: body}, true
}

// fieldText drops leading blank lines and trailing whitespace.
func fieldText(b []byte) string {
	lines := strings.Split(string(b), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\r\n")
}

func verilogFence(blocks []ast.Node, src []byte) (string, bool) {
	if len(blocks) != 1 {
		return "", false
	}
	fence, ok := blocks[0].(*ast.FencedCodeBlock)
	if !ok {
		return "", false
	}
	if lang := strings.ToLower(string(fence.Language(src))); lang != "" && lang != "verilog" {
		return "", false
	}
	var sb strings.Builder
	lines := fence.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return strings.TrimRight(sb.String(), "\n") + "\n", true
}

// stripWrapper drops a trailing empty line and a surrounding ``` or --- pair.
func stripWrapper(answer string) string {
	lines := strings.Split(answer, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if n := len(lines); n >= 2 && lines[0] == lines[n-1] && wrapperRE.MatchString(lines[0]) {
		lines = lines[1 : n-1]
	}
	return strings.Join(lines, "\n")
}

func setText(r *Response, name, v string) {
	switch name {
	case "overview":
		r.Overview = v
	case "verilog":
		r.Verilog = v
	case "notes":
		r.Notes = v
	case "issues":
		r.Issues = v
	case "plan":
		r.Plan = v
	}
}

func (r *Response) setExtra(name, value string, known map[string]bool) {
	name = strings.ToLower(name)
	if !known[name] && !standardFields[name] {
		log.Warn("response has non-standard field %q", name)
	}
	if r.ExtraFields == nil {
		r.ExtraFields = map[string]string{}
	}
	r.ExtraFields[name] = value
}

func declaredSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = true
	}
	return m
}

// rawText renders a JSON value as text: strings unquoted, the rest compact.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func rawBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return strings.EqualFold(rawText(raw), "true")
}

func abbreviate(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
