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

package verilog

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError collects multiple validation failures so callers can see all issues at once.
type ValidationError struct {
	Errs []string
}

func (e *ValidationError) Error() string {
	if len(e.Errs) == 0 {
		return "validation failed"
	}
	if len(e.Errs) == 1 {
		return e.Errs[0]
	}
	return fmt.Sprintf("validation failed (%d errors): %s", len(e.Errs), strings.Join(e.Errs, "; "))
}

var (
	lineCommentRe  = regexp.MustCompile(`//.*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	moduleRe       = regexp.MustCompile(`(?m)^\s*(?:macro)?module\s+([A-Za-z_][A-Za-z0-9_$]*)`)
	endmoduleRe    = regexp.MustCompile(`(?m)\bendmodule\b`)
	elisionLineRe  = regexp.MustCompile(`(?m)^\s*\.\.\.\s*$`)
)

// Validate checks that src is a plausible rewrite of the module: it declares the
// module, its module/endmodule keywords balance and no elision marker survived
// reconstruction. It is a textual check, not a parse.
func Validate(src, module string) error {
	var errs []string
	code := lineCommentRe.ReplaceAllString(blockCommentRe.ReplaceAllString(src, ""), "")
	if strings.TrimSpace(code) == "" {
		return &ValidationError{Errs: []string{"the Verilog code is empty"}}
	}
	decls := moduleRe.FindAllStringSubmatch(code, -1)
	found := false
	for _, d := range decls {
		if d[1] == module {
			found = true
		}
	}
	if module != "" && !found {
		errs = append(errs, fmt.Sprintf("module %q is not declared", module))
	}
	if ends := len(endmoduleRe.FindAllString(code, -1)); ends != len(decls) {
		errs = append(errs, fmt.Sprintf("%d module declarations but %d endmodule keywords", len(decls), ends))
	}
	if elisionLineRe.MatchString(code) {
		errs = append(errs, "an elision marker (...) is left in the code")
	}
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errs: errs}
}
