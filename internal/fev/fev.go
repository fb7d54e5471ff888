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

// Package fev runs the external formal equivalence checkers.
//
// A verifier proves that a candidate artifact is equivalent to a baseline. EQY and
// SBY are driven by script templates in which <MODULE_NAME>, <ORIGINAL_FILE> and
// <MODIFIED_FILE> are substituted; Yosys runs a fixed script that reads the same
// values from its environment. Exit status 0 means the designs are equivalent.
package fev

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/pkg/errors"
)

// ErrStart means the checker could not be run at all, as opposed to reporting a difference.
var ErrStart = errors.New("equivalence checker did not run")

// Verifier checks two versions of a module for equivalence.
type Verifier interface {
	Verify(ctx context.Context, module, baseline, candidate string) (bool, error)
}

// Engine names a checker.
type Engine string

const (
	EngineEQY   Engine = "eqy"
	EngineSBY   Engine = "sby"
	EngineYosys Engine = "yosys"
)

// ParseEngine accepts "eqy", "sby" or "yosys", case-insensitively.
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(strings.TrimSpace(s))); e {
	case EngineEQY, EngineSBY, EngineYosys:
		return e, nil
	}
	return "", errors.Errorf("unknown FEV engine %q", s)
}

// Options locate the scripts and commands of every engine.
type Options struct {
	EQYTemplate string
	SBYTemplate string
	YosysScript string

	EQYCommand   string
	SBYCommand   string
	YosysCommand string

	// ScratchDir receives the instantiated scripts and checker logs.
	ScratchDir string
	// Dir is the working directory of the checker, normally the session directory.
	Dir string
	// Output also receives the checker's output when set.
	Output io.Writer
}

// Scripts maps every engine with a configured script to that script.
func (o Options) Scripts() map[Engine]string {
	out := map[Engine]string{}
	for e, s := range map[Engine]string{EngineEQY: o.EQYTemplate, EngineSBY: o.SBYTemplate, EngineYosys: o.YosysScript} {
		if s != "" {
			out[e] = s
		}
	}
	return out
}

// NewVerifiers builds a verifier for every engine whose script is configured.
func NewVerifiers(o Options) map[Engine]Verifier {
	out := map[Engine]Verifier{}
	if o.EQYTemplate != "" {
		out[EngineEQY] = &TemplateVerifier{Engine: EngineEQY, Template: o.EQYTemplate, Command: or(o.EQYCommand, "eqy"), ScratchDir: o.ScratchDir, Dir: o.Dir, Output: o.Output}
	}
	if o.SBYTemplate != "" {
		out[EngineSBY] = &TemplateVerifier{Engine: EngineSBY, Template: o.SBYTemplate, Command: or(o.SBYCommand, "sby"), ScratchDir: o.ScratchDir, Dir: o.Dir, Output: o.Output}
	}
	if o.YosysScript != "" {
		out[EngineYosys] = &YosysVerifier{Script: o.YosysScript, Command: or(o.YosysCommand, "yosys"), ScratchDir: o.ScratchDir, Dir: o.Dir, Output: o.Output}
	}
	return out
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// TemplateVerifier instantiates an EQY or SBY script and runs "<command> -f <script>".
type TemplateVerifier struct {
	Engine     Engine
	Template   string
	Command    string
	ScratchDir string
	Dir        string
	Output     io.Writer
}

// Instantiate writes the script for module under ScratchDir and returns its path.
// File paths are made absolute.
func (v *TemplateVerifier) Instantiate(module, baseline, candidate string) (string, error) {
	tmpl, err := os.ReadFile(v.Template)
	if err != nil {
		return "", errors.Wrap(err, "read FEV template")
	}
	orig, err := filepath.Abs(baseline)
	if err != nil {
		return "", err
	}
	mod, err := filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	script := strings.NewReplacer(
		"<MODULE_NAME>", module,
		"<ORIGINAL_FILE>", orig,
		"<MODIFIED_FILE>", mod,
	).Replace(string(tmpl))
	if err := os.MkdirAll(v.ScratchDir, 0o755); err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(v.ScratchDir, "fev."+string(v.Engine)))
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(script), 0o644)
}

func (v *TemplateVerifier) Verify(ctx context.Context, module, baseline, candidate string) (bool, error) {
	script, err := v.Instantiate(module, baseline, candidate)
	if err != nil {
		return false, err
	}
	cmd := exec.CommandContext(ctx, v.Command, "-f", script)
	return run(ctx, cmd, v.Dir, v.ScratchDir, v.Engine, v.Output)
}

// YosysVerifier runs "<command> <script>" with TOP_MODULE, ORIGINAL_VERILOG_FILE
// and MODIFIED_VERILOG_FILE set in the environment.
type YosysVerifier struct {
	Script     string
	Command    string
	ScratchDir string
	Dir        string
	Output     io.Writer
}

func (v *YosysVerifier) Verify(ctx context.Context, module, baseline, candidate string) (bool, error) {
	orig, err := filepath.Abs(baseline)
	if err != nil {
		return false, err
	}
	mod, err := filepath.Abs(candidate)
	if err != nil {
		return false, err
	}
	cmd := exec.CommandContext(ctx, v.Command, v.Script)
	cmd.Env = append(os.Environ(),
		"TOP_MODULE="+module,
		"ORIGINAL_VERILOG_FILE="+orig,
		"MODIFIED_VERILOG_FILE="+mod,
	)
	return run(ctx, cmd, v.Dir, v.ScratchDir, EngineYosys, v.Output)
}

func run(ctx context.Context, cmd *exec.Cmd, dir, scratch string, engine Engine, extra io.Writer) (bool, error) {
	cmd.Dir = dir
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return false, err
	}
	logPath := filepath.Join(scratch, "fev."+string(engine)+".log")
	f, err := os.Create(logPath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var out io.Writer = f
	if extra != nil {
		out = io.MultiWriter(f, extra)
	}
	cmd.Stdout, cmd.Stderr = out, out

	log.Info("running %s (log: %s)", strings.Join(cmd.Args, " "), logPath)
	err = cmd.Run()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		log.Info("%s reported a difference (exit %d)", engine, exitErr.ExitCode())
		return false, nil
	default:
		return false, errors.Wrapf(ErrStart, "%s: %v", cmd.Path, err)
	}
}
