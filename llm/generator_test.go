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
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	answers []string
	errs    []error
	seen    [][]*schema.Message
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.seen = append(f.seen, input)
	i := len(f.seen) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return schema.AssistantMessage(f.answers[i], nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{out}), nil
}

func newTestGenerator(t *testing.T, cfg ModelConfig, fm *fakeModel) *ChatGenerator {
	g, err := NewChatGenerator(context.Background(), cfg, fm)
	require.NoError(t, err)
	g.backoff = func(int) time.Duration { return 0 }
	return g
}

func TestChatGenerator_Generate(t *testing.T) {
	fm := &fakeModel{answers: []string{`{"overview":"o","verilog":"module m;\nendmodule\n","incomplete":false,"extra_fields":{"depth":"2"}}`}}
	g := newTestGenerator(t, ModelConfig{Name: "t", APIType: ModelTypeOpenAI, ModelName: "gpt-x"}, fm)

	req := NewRequest("You refactor Verilog.", "## prompt\n\nSimplify.")
	req.Verilog = "module m;\nendmodule\n"
	req.MustProduce = []string{"depth"}
	resp, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "module m;\nendmodule\n", resp.Verilog)
	assert.Equal(t, "2", resp.ExtraFields["depth"])
	assert.Equal(t, "gpt-x", resp.Model)
	assert.Equal(t, "openai", resp.API)

	require.Len(t, fm.seen, 1)
	sent := fm.seen[0]
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Content, "JSON schema")
	assert.Contains(t, sent[0].Content, `"depth"`)
	assert.Equal(t, "## prompt\n\nSimplify.\n\n## verilog\n\nmodule m;\nendmodule\n", sent[1].Content)
	// the request itself is left untouched
	assert.Equal(t, "## prompt\n\nSimplify.", req.Messages[1].Content)
}

func TestChatGenerator_Retry(t *testing.T) {
	fm := &fakeModel{
		answers: []string{"", "## verilog\n\nmodule m;\nendmodule\n"},
		errs:    []error{errors.New("read tcp: connection reset by peer"), nil},
	}
	g := newTestGenerator(t, ModelConfig{Name: "t", Format: FormatMarkdown, Retries: 2}, fm)
	resp, err := g.Generate(context.Background(), NewRequest("s", "p"))
	require.NoError(t, err)
	assert.Equal(t, "module m;\nendmodule", resp.Verilog)
	assert.Len(t, fm.seen, 2)
}

func TestChatGenerator_NotRetryable(t *testing.T) {
	fm := &fakeModel{answers: []string{""}, errs: []error{errors.New("invalid api key")}}
	g := newTestGenerator(t, ModelConfig{Name: "t"}, fm)
	_, err := g.Generate(context.Background(), NewRequest("s", "p"))
	assert.Error(t, err)
	assert.Len(t, fm.seen, 1)
}

func TestChatGenerator_Empty(t *testing.T) {
	fm := &fakeModel{answers: []string{"  \n"}}
	g := newTestGenerator(t, ModelConfig{Name: "t"}, fm)
	_, err := g.Generate(context.Background(), NewRequest("s", "p"))
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestReplayGenerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), ResponseFile)
	orig := &Response{Verilog: "module m;\nendmodule\n", Plan: "later", Incomplete: true, ExtraFields: map[string]string{"k": "v"}}
	require.NoError(t, SaveResponse(path, orig))

	g, err := NewReplayGenerator(path)
	require.NoError(t, err)
	resp, err := g.Generate(context.Background(), NewRequest("s", "p"))
	require.NoError(t, err)
	assert.Equal(t, orig, resp)

	resp.ExtraFields["k"] = "changed"
	assert.Equal(t, "v", g.Response.ExtraFields["k"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("context deadline exceeded")))
	assert.True(t, isRetryable(errors.New("HTTP 429 Too Many Requests")))
	assert.False(t, isRetryable(errors.New("bad request")))
	assert.Equal(t, time.Second, exponentialBackoff(1))
	assert.Equal(t, 10*time.Second, exponentialBackoff(6))
}
