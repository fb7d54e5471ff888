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
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
)

type ModelConfig struct {
	Name        string        `json:"name" yaml:"name"` // alias of the config, not endpoint!
	APIType     ModelType     `json:"type" yaml:"type"`
	BaseURL     string        `json:"base_url" yaml:"base_url"`
	APIKey      string        `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string        `json:"api_key_env" yaml:"api_key_env"` // environment variable holding the key when APIKey is empty
	ModelName   string        `json:"model_name" yaml:"model_name"`   // the endpoint of the model, like `claude-opus-4-20250514`
	Format      Format        `json:"format" yaml:"format"`           // response format, default: json
	Temperature *float32      `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"` // HTTP request timeout, default: 600s
	Retries     int           `json:"retries" yaml:"retries"` // Number of retries on failure, default: 3
}

// ResolveAPIKey fills APIKey from APIKeyEnv when it is not given inline.
func (m *ModelConfig) ResolveAPIKey() {
	if m.APIKey == "" && m.APIKeyEnv != "" {
		m.APIKey = os.Getenv(m.APIKeyEnv)
	}
}

type ModelType string

func NewModelType(t string) ModelType {
	switch strings.ToLower(t) {
	case "ollama":
		return ModelTypeOllama
	case "ark", "doubao":
		return ModelTypeARK
	case "openai", "gpt":
		return ModelTypeOpenAI
	case "claude", "anthropic":
		return ModelTypeClaude
	case "dashscope", "qwen", "tongyi":
		return ModelTypeDashScope
	case "deepseek":
		return ModelTypeDeepSeek
	}
	return ModelTypeUnknown
}

const (
	ModelTypeUnknown   ModelType = ""
	ModelTypeOllama    ModelType = "ollama"
	ModelTypeARK       ModelType = "ark"
	ModelTypeOpenAI    ModelType = "openai"
	ModelTypeClaude    ModelType = "claude"
	ModelTypeDashScope ModelType = "dashscope"
	ModelTypeDeepSeek  ModelType = "deepseek"
)

// Format is the shape in which a model is asked to answer.
type Format string

const (
	// FormatJSON asks for one JSON object; prompt-specific fields go under "extra_fields".
	FormatJSON Format = "json"
	// FormatMarkdown asks for "## field" sections; prompt-specific fields are sections too.
	FormatMarkdown Format = "md"
)

// Generator produces one response for a request. Implementations talk to a model
// vendor, or replay a stored response.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// ChatModel is the interface for making LLM backend.
type ChatModel interface {
	model.BaseChatModel
}
