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
	_ "embed"
	"os"

	"github.com/cloudwego/fevcoder/internal/utils"
)

// Prompt is a piece of prompt text.
type Prompt interface {
	String() string
}

type TextPrompt string

func (p TextPrompt) String() string {
	return string(p)
}

func NewTextPrompt(content string) Prompt {
	return TextPrompt(content)
}

// FilePrompt is prompt text read from a file.
type FilePrompt struct {
	Path string `json:"path"`
	text string
}

func (p *FilePrompt) String() string { return p.text }

func NewFilePrompt(path string) (Prompt, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.WrapError(err, "read prompt %s", path)
	}
	return &FilePrompt{Path: path, text: string(bs)}, nil
}

//go:embed default_system_message.md
var DefaultSystemMessage string

// LoadSystemMessage reads the system message at path, or the built-in one when
// path is empty.
func LoadSystemMessage(path string) (Prompt, error) {
	if path == "" {
		return TextPrompt(DefaultSystemMessage), nil
	}
	return NewFilePrompt(path)
}
