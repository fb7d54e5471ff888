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

package utils

import (
	"bytes"
	"encoding/json"
	"strings"
)

func MarshalJSONBytes(v any) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func MarshalJSONIndent(v any) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromExtendedJSON converts "extended JSON", where string literals may contain raw
// newlines, into standard JSON. A newline directly followed by '+' inside a string
// is the legacy continuation syntax and the '+' is dropped.
func FromExtendedJSON(src string) string {
	var sb strings.Builder
	sb.Grow(len(src))
	inString, escaped, afterNewline := false, false, false
	for _, c := range src {
		if afterNewline {
			afterNewline = false
			if c == '+' {
				continue
			}
		}
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case c == '\r' && inString:
			continue
		case c == '\n' && inString:
			sb.WriteString(`\n`)
			afterNewline = true
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

// ToExtendedJSON is the inverse of FromExtendedJSON: "\n" escapes inside string
// literals become raw newlines so that long prompts stay readable. A newline
// before '+' stays escaped, otherwise it would read back as a continuation.
func ToExtendedJSON(src string) string {
	var sb strings.Builder
	sb.Grow(len(src))
	inString := false
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if inString && c == '\\' && i+1 < len(runes) {
			if runes[i+1] == 'n' && (i+2 >= len(runes) || runes[i+2] != '+') {
				sb.WriteRune('\n')
			} else {
				sb.WriteRune(c)
				sb.WriteRune(runes[i+1])
			}
			i++
			continue
		}
		if c == '"' {
			inString = !inString
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

// MarshalExtendedJSON renders v as indented extended JSON.
func MarshalExtendedJSON(v any) ([]byte, error) {
	js, err := MarshalJSONIndent(v)
	if err != nil {
		return nil, err
	}
	return []byte(ToExtendedJSON(string(js))), nil
}

// UnmarshalExtendedJSON decodes extended JSON into v.
func UnmarshalExtendedJSON(data []byte, v any) error {
	return json.Unmarshal([]byte(FromExtendedJSON(string(data))), v)
}
