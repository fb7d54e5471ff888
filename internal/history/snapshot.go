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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// PromptRefMacro marks a step that works on a macro rather than a single prompt.
const PromptRefMacro = "macro"

// PromptRef is the content of history/<step>/prompt_id.txt: the prompt a step works
// on, with its description for recovery after catalog edits.
type PromptRef struct {
	ID       int    `json:"id"`
	Desc     string `json:"desc"`
	Type     string `json:"type,omitempty"`
	Substeps []int  `json:"substeps,omitempty"`
}

// IsMacro reports whether the step was begun for a macro.
func (r PromptRef) IsMacro() bool { return r.Type == PromptRefMacro }

// UnmarshalJSON also accepts the legacy format, a bare prompt id.
func (r *PromptRef) UnmarshalJSON(data []byte) error {
	if id, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
		*r = PromptRef{ID: id}
		return nil
	}
	type plain PromptRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = PromptRef(p)
	return nil
}

// Snapshot is one immutable version of the artifact.
type Snapshot struct {
	Step    int
	Mod     int
	Hash    string // hex-encoded sha256 of Content
	Content []byte
}

// NewSnapshot wraps content read from history/<step>/mod_<mod>.
func NewSnapshot(step, mod int, content []byte) *Snapshot {
	return &Snapshot{
		Step:    step,
		Mod:     mod,
		Hash:    ContentHash(content),
		Content: content,
	}
}

// ShortHash is the first 8 hex digits of the hash.
func (s *Snapshot) ShortHash() string {
	if len(s.Hash) < 8 {
		return s.Hash
	}
	return s.Hash[:8]
}

// ContentHash returns the hex-encoded sha256 of content.
func ContentHash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}
