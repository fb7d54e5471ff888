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

	"github.com/cloudwego/fevcoder/internal/utils"
)

// ResponseFile holds the normalized answer of the latest generator call.
const ResponseFile = "llm_response.json"

// SaveResponse writes r to path.
func SaveResponse(path string, r *Response) error {
	data, err := utils.MarshalJSONIndent(r)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0644)
}

// LoadResponse reads a response written by SaveResponse.
func LoadResponse(path string) (*Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := &Response{}
	if err := utils.UnmarshalExtendedJSON(data, r); err != nil {
		return nil, utils.WrapError(err, "parse %s", path)
	}
	return r, nil
}

// ReplayGenerator answers every request with a stored response.
type ReplayGenerator struct {
	Response *Response
}

func NewReplayGenerator(path string) (*ReplayGenerator, error) {
	r, err := LoadResponse(path)
	if err != nil {
		return nil, err
	}
	return &ReplayGenerator{Response: r}, nil
}

func (g *ReplayGenerator) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cp := *g.Response
	if g.Response.ExtraFields != nil {
		cp.ExtraFields = make(map[string]string, len(g.Response.ExtraFields))
		for k, v := range g.Response.ExtraFields {
			cp.ExtraFields[k] = v
		}
	}
	return &cp, nil
}
