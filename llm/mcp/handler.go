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

package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cloudwego/fevcoder/internal/history"
	"github.com/cloudwego/fevcoder/internal/pipeline"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/cloudwego/fevcoder/lang/verilog"
	"github.com/cloudwego/fevcoder/llm/prompt"
	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
)

const (
	ToolGetSessionStatus = "get_session_status"
	ToolListHistory      = "list_history"
	ToolShowDiff         = "show_diff"
	ToolListPrompts      = "list_prompts"

	PromptCurrentRequest = "current_request"
)

var ErrNoSession = errors.New("no refactoring session")

// NewTool adapts a typed handler. The input schema is reflected from R and the
// result is returned as JSON text; handler errors become error results.
func NewTool[R any, T any](name string, desc string, handler func(ctx context.Context, req R) (*T, error)) Tool {
	return Tool{
		Tool: mcp.NewToolWithRawSchema(name, desc, schemaOf[R]()),
		Handler: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var req R
			if err := request.BindArguments(&req); err != nil {
				return nil, err
			}
			var final string
			var isError bool
			if resp, err := handler(ctx, req); err != nil {
				isError = true
				final = err.Error()
			} else if js, err := utils.MarshalJSONBytes(resp); err != nil {
				isError = true
				final = err.Error()
			} else {
				final = string(js)
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(final),
				},
				IsError: isError,
			}, nil
		},
	}
}

func schemaOf[R any]() json.RawMessage {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	s := r.Reflect(new(R))
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return data
}

func getSessionTools(t *SessionTools) []Tool {
	return []Tool{
		NewTool(ToolGetSessionStatus, "Show the current step, modification, prompt and status fields of the session", t.GetSessionStatus),
		NewTool(ToolListHistory, "List the modifications of the current step, oldest first, following reversions", t.ListHistory),
		NewTool(ToolShowDiff, "Show the unified diff between two modifications of the current step", t.ShowDiff),
		NewTool(ToolListPrompts, "List the prompt catalog in execution order", t.ListPrompts),
	}
}

type SessionToolsOptions struct {
	// Dir holds the artifact and its history directory.
	Dir     string
	Catalog *prompt.Catalog
}

// SessionTools reads a session without changing it. Every call reopens the
// store, so a session advanced by another process is seen as it is now.
type SessionTools struct {
	opts SessionToolsOptions
}

func NewSessionTools(opts SessionToolsOptions) *SessionTools {
	return &SessionTools{opts: opts}
}

func (t *SessionTools) open() (*history.Store, error) {
	if !utils.FileExists(filepath.Join(t.opts.Dir, history.HistoryDir)) {
		return nil, errors.Wrapf(ErrNoSession, "in %s", t.opts.Dir)
	}
	artifact, err := verilog.FindArtifact(t.opts.Dir, true)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(t.opts.Dir, artifact)
	if err != nil {
		return nil, err
	}
	if store.Step() == 0 {
		return nil, errors.Wrapf(ErrNoSession, "in %s", t.opts.Dir)
	}
	return store, nil
}

type PromptRef struct {
	ID       int    `json:"id"`
	Desc     string `json:"desc"`
	Macro    bool   `json:"macro,omitempty"`
	Substeps []int  `json:"substeps,omitempty"`
}

type GetSessionStatusReq struct{}

type GetSessionStatusResp struct {
	Artifact string            `json:"artifact"`
	Step     int               `json:"step"`
	Slot     int               `json:"slot"`
	Mod      int               `json:"mod"`
	Prompt   *PromptRef        `json:"prompt,omitempty"`
	Status   map[string]string `json:"status"`
	Pending  bool              `json:"pending"`
	Markers  []string          `json:"markers,omitempty"`
}

func (t *SessionTools) GetSessionStatus(ctx context.Context, req GetSessionStatusReq) (*GetSessionStatusResp, error) {
	store, err := t.open()
	if err != nil {
		return nil, err
	}
	cur, err := store.Current()
	if err != nil {
		return nil, err
	}
	st, err := store.Status()
	if err != nil {
		return nil, err
	}
	pending, err := store.Pending()
	if err != nil {
		return nil, err
	}
	live, err := store.ReadLive()
	if err != nil {
		return nil, err
	}
	resp := &GetSessionStatusResp{
		Artifact: store.Artifact(),
		Step:     store.Step(),
		Slot:     store.Mod(),
		Mod:      cur,
		Status:   st.Fields(),
		Pending:  pending,
	}
	for _, m := range verilog.ReviewMarkers(string(live)) {
		resp.Markers = append(resp.Markers, m.String())
	}
	ref, err := store.ReadPromptRef(store.Step())
	switch {
	case err == nil:
		resp.Prompt = &PromptRef{ID: ref.ID, Desc: ref.Desc, Macro: ref.IsMacro(), Substeps: ref.Substeps}
	case !os.IsNotExist(err):
		return nil, err
	}
	return resp, nil
}

type ListHistoryReq struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum number of entries; 10 when omitted"`
}

type HistoryEntry struct {
	Slot      int               `json:"slot"`
	Mod       int               `json:"mod"`
	Reversion bool              `json:"reversion,omitempty"`
	Status    map[string]string `json:"status"`
}

type ListHistoryResp struct {
	Step    int            `json:"step"`
	Entries []HistoryEntry `json:"entries"`
}

func (t *SessionTools) ListHistory(ctx context.Context, req ListHistoryReq) (*ListHistoryResp, error) {
	store, err := t.open()
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	entries, err := store.History(limit)
	if err != nil {
		return nil, err
	}
	resp := &ListHistoryResp{Step: store.Step(), Entries: make([]HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, HistoryEntry{
			Slot:      e.Slot,
			Mod:       e.Mod,
			Reversion: e.Slot != e.Mod,
			Status:    e.Status.Fields(),
		})
	}
	return resp, nil
}

type ShowDiffReq struct {
	From *int `json:"from,omitempty" jsonschema:"description=Older modification; the one before 'to' in the history when omitted"`
	To   *int `json:"to,omitempty" jsonschema:"description=Newer modification; the current one when omitted"`
}

type ShowDiffResp struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Diff string `json:"diff"`
}

func (t *SessionTools) ShowDiff(ctx context.Context, req ShowDiffReq) (*ShowDiffResp, error) {
	store, err := t.open()
	if err != nil {
		return nil, err
	}
	to, err := store.Current()
	if err != nil {
		return nil, err
	}
	if req.To != nil {
		if to, err = store.Resolve(*req.To); err != nil {
			return nil, err
		}
	}
	from := to
	if req.From != nil {
		if from, err = store.Resolve(*req.From); err != nil {
			return nil, err
		}
	} else if to > 0 {
		if from, err = store.Resolve(to - 1); err != nil {
			return nil, err
		}
	}
	a, err := store.Content(from)
	if err != nil {
		return nil, err
	}
	b, err := store.Content(to)
	if err != nil {
		return nil, err
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "mod_" + strconv.Itoa(from) + "/" + store.Artifact(),
		ToFile:   "mod_" + strconv.Itoa(to) + "/" + store.Artifact(),
		Context:  3,
	})
	if err != nil {
		return nil, err
	}
	return &ShowDiffResp{From: from, To: to, Diff: diff}, nil
}

type ListPromptsReq struct {
	Macro string `json:"macro,omitempty" jsonschema:"description=Only list the substeps of the macro with this description"`
}

type PromptInfo struct {
	ID          int                 `json:"id"`
	Desc        string              `json:"desc"`
	Macro       string              `json:"macro"`
	MacroID     int                 `json:"macro_id"`
	If          map[string][]string `json:"if,omitempty"`
	Unless      map[string][]string `json:"unless,omitempty"`
	When        string              `json:"when,omitempty"`
	Needs       []string            `json:"needs,omitempty"`
	MustProduce []string            `json:"must_produce,omitempty"`
	MayProduce  []string            `json:"may_produce,omitempty"`
}

type ListPromptsResp struct {
	Prompts []PromptInfo `json:"prompts"`
}

func (t *SessionTools) ListPrompts(ctx context.Context, req ListPromptsReq) (*ListPromptsResp, error) {
	if t.opts.Catalog == nil {
		return nil, errors.New("no prompt catalog configured")
	}
	resp := &ListPromptsResp{Prompts: []PromptInfo{}}
	for _, p := range t.opts.Catalog.Prompts() {
		m := p.Macro()
		if m == nil || (req.Macro != "" && m.Desc != req.Macro) {
			continue
		}
		resp.Prompts = append(resp.Prompts, PromptInfo{
			ID:          p.ID,
			Desc:        p.Desc,
			Macro:       m.Desc,
			MacroID:     m.ID,
			If:          conditionMap(p.If),
			Unless:      conditionMap(p.Unless),
			When:        p.When,
			Needs:       p.Needs,
			MustProduce: p.MustProduce,
			MayProduce:  p.MayProduce,
		})
	}
	sort.Slice(resp.Prompts, func(i, j int) bool { return resp.Prompts[i].ID < resp.Prompts[j].ID })
	return resp, nil
}

func conditionMap(c prompt.Condition) map[string][]string {
	if len(c) == 0 {
		return nil
	}
	out := make(map[string][]string, len(c))
	for k, v := range c {
		out[k] = []string(v)
	}
	return out
}

func (t *SessionTools) handleCurrentRequestPrompt(
	ctx context.Context,
	request mcp.GetPromptRequest,
) (*mcp.GetPromptResult, error) {
	data, err := os.ReadFile(filepath.Join(t.opts.Dir, pipeline.MessagesFile))
	if err != nil {
		return nil, errors.Wrapf(ErrNoSession, "read %s: %v", pipeline.MessagesFile, err)
	}
	return &mcp.GetPromptResult{
		Description: "The request of the current refactoring step",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: string(data),
				},
			},
		},
	}, nil
}
