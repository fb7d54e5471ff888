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
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/pkg/errors"
)

// ErrEmptyResponse is returned when the model answers with no content.
var ErrEmptyResponse = errors.New("empty response from model")

var _ Generator = (*ChatGenerator)(nil)

// ChatGenerator sends requests to a chat model and normalizes the answers.
type ChatGenerator struct {
	cfg     ModelConfig
	bundler Bundler
	runner  compose.Runnable[[]*schema.Message, *schema.Message]
	backoff func(attempt int) time.Duration
}

// NewChatGenerator compiles a one-node chain around cm. When cm is nil the
// vendor model of cfg is built.
func NewChatGenerator(ctx context.Context, cfg ModelConfig, cm ChatModel) (*ChatGenerator, error) {
	cfg = withDefaults(cfg)
	if cm == nil {
		var err error
		if cm, err = NewChatModel(ctx, cfg); err != nil {
			return nil, utils.WrapError(err, "create chat model %s", cfg.Name)
		}
	}
	runner, err := compose.NewChain[[]*schema.Message, *schema.Message]().
		AppendChatModel(cm).
		Compile(ctx)
	if err != nil {
		return nil, utils.WrapError(err, "compile chain of %s", cfg.Name)
	}
	return &ChatGenerator{
		cfg:     cfg,
		bundler: BundlerFor(cfg.Format),
		runner:  runner,
		backoff: exponentialBackoff,
	}, nil
}

// Config returns the effective model configuration.
func (g *ChatGenerator) Config() ModelConfig { return g.cfg }

// Messages returns the message list sent for req: the format instructions
// join the system message, the artifact joins the last message.
func (g *ChatGenerator) Messages(req *Request) ([]*schema.Message, error) {
	instr, err := g.bundler.Instructions(req.MustProduce, req.MayProduce)
	if err != nil {
		return nil, err
	}
	msgs := make([]*schema.Message, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		cp := *m
		msgs = append(msgs, &cp)
	}
	if len(msgs) > 0 && msgs[0].Role == schema.System {
		msgs[0].Content += instr
	} else {
		msgs = append([]*schema.Message{schema.SystemMessage(strings.TrimLeft(instr, "\n"))}, msgs...)
	}
	last := msgs[len(msgs)-1]
	if last.Role == schema.System {
		last = schema.UserMessage("")
		msgs = append(msgs, last)
	}
	last.Content += "\n\n## verilog\n\n" + req.Verilog
	return msgs, nil
}

func (g *ChatGenerator) Generate(ctx context.Context, req *Request) (*Response, error) {
	msgs, err := g.Messages(req)
	if err != nil {
		return nil, err
	}
	out, err := g.invoke(ctx, msgs)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, ErrEmptyResponse
	}
	resp, err := g.bundler.Parse(out.Content, req.Declared())
	if err != nil {
		return nil, err
	}
	resp.Model = g.cfg.ModelName
	resp.API = string(g.cfg.APIType)
	resp.Raw = out.Content
	return resp, nil
}

func (g *ChatGenerator) invoke(ctx context.Context, msgs []*schema.Message) (*schema.Message, error) {
	log.Debug("[Request] %d messages to %s", len(msgs), g.cfg.Name)
	var lastErr error
	for attempt := 0; attempt <= g.cfg.Retries; attempt++ {
		if attempt > 0 {
			log.Info("Retrying LLM call (attempt %d/%d)...", attempt+1, g.cfg.Retries+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.backoff(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		out, err := g.runner.Invoke(attemptCtx, msgs, compose.WithCallbacks(CallbackHandler{}))
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !isRetryable(err) {
			log.Error("Non-retryable error occurred: %v", err)
			return nil, utils.WrapError(err, "%s round trip", g.cfg.Name)
		}
		log.Info("Retryable error occurred (attempt %d/%d): %v", attempt+1, g.cfg.Retries+1, err)
	}
	return nil, utils.WrapError(fmt.Errorf("failed after %d attempts: %w", g.cfg.Retries+1, lastErr), "%s round trip", g.cfg.Name)
}

// exponentialBackoff waits 1s, 2s, 4s... capped at 10s.
func exponentialBackoff(attempt int) time.Duration {
	wait := time.Duration(1<<uint(attempt-1)) * time.Second
	if wait > 10*time.Second {
		wait = 10 * time.Second
	}
	return wait
}

var retryableMarkers = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"operation timed out",
	"context deadline exceeded",
	"read tcp",
	"write tcp",
	"rate limit",
	"429",
	"503",
}

func isRetryable(err error) bool {
	s := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// CallbackHandler logs chain events at debug level.
type CallbackHandler struct{}

var _ callbacks.Handler = (*CallbackHandler)(nil)

func (h CallbackHandler) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	log.Debug("<OnStart> %+v", info)
	return ctx
}

func (h CallbackHandler) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	log.Debug("<OnEnd>\n\tINFO %+v\n\tOUTPUT: %v\n</OnEnd>", info, output)
	return ctx
}

func (h CallbackHandler) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	log.Error("<OnError>\n\tINFO: %+v\n\tERROR: %v\n</OnError>", info, err)
	return ctx
}

func (h CallbackHandler) OnStartWithStreamInput(ctx context.Context, info *callbacks.RunInfo,
	input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
	input.Close()
	return ctx
}

func (h CallbackHandler) OnEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo,
	output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	output.Close()
	return ctx
}
