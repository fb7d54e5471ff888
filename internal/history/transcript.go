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
	"encoding/json"
	"os"
	"time"

	"github.com/cloudwego/fevcoder/internal/utils"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// TranscriptFile is the name of the compressed generator transcript in a modification directory.
const TranscriptFile = "transcript.json.zst"

// Transcript records the generator exchange that produced a modification.
type Transcript struct {
	RunID    string          `json:"run_id,omitempty"`
	Time     time.Time       `json:"time"`
	API      string          `json:"api,omitempty"`
	Model    string          `json:"model,omitempty"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

func writeTranscript(path string, t *Transcript) error {
	raw, err := utils.MarshalJSONBytes(t)
	if err != nil {
		return errors.Wrap(err, "marshal transcript")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	data := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o444)
}

func readTranscript(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", path)
	}
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return &t, nil
}
