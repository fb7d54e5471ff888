// Copyright 2025 CloudWeGo Authors
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

/**
 * Copyright 2024 ByteDance Inc.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cloudwego/fevcoder/internal/config"
	"github.com/cloudwego/fevcoder/internal/fev"
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/cloudwego/fevcoder/internal/pipeline"
	"github.com/cloudwego/fevcoder/llm"
	"github.com/cloudwego/fevcoder/llm/mcp"
	"github.com/cloudwego/fevcoder/llm/prompt"
	"github.com/cloudwego/fevcoder/version"
	"github.com/pkg/errors"
)

const Usage = `fevcoder <Action> [Dir] [Flags]
Action:
   run          start or resume the interactive refactoring session in Dir (default)
   automate     run generator, FEV and accept until the catalog is exhausted or a step fails
   status       print the step, modification and status of the session in Dir
   history      print the recent modifications of the current step and the latest diff
   mcp          run as a MCP server exposing the session in Dir
   version      print the version of fevcoder
Dir:
   the directory holding the Verilog file to refactor (default: the working directory)
`

func main() {
	flags := flag.NewFlagSet("fevcoder", flag.ExitOnError)

	flagHelp := flags.Bool("h", false, "Show help message.")
	flagVerbose := flags.Bool("verbose", false, "Verbose mode.")
	flagConfig := flags.String("config", "", "Config file (default: ./"+config.DefaultFile+" if present).")
	flagModel := flags.String("model", "", "Model for the l command and for automation (default: from the config).")

	flags.Usage = func() {
		fmt.Fprint(os.Stderr, Usage)
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
	}

	action, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action, args = strings.ToLower(args[0]), args[1:]
	}
	dir := parseArgsAndFlags(flags, args, flagHelp, flagVerbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch action {
	case "version":
		fmt.Fprintf(os.Stdout, "%s\n", version.Version)

	case "status":
		tools := mcp.NewSessionTools(mcp.SessionToolsOptions{Dir: dir})
		st, err := tools.GetSessionStatus(ctx, mcp.GetSessionStatusReq{})
		if err != nil {
			log.Error("Failed to read the session: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprint(os.Stdout, renderSessionStatus(st))

	case "history":
		tools := mcp.NewSessionTools(mcp.SessionToolsOptions{Dir: dir})
		h, err := tools.ListHistory(ctx, mcp.ListHistoryReq{Limit: historyLimit})
		if err != nil {
			log.Error("Failed to read the session: %v\n", err)
			os.Exit(1)
		}
		d, err := tools.ShowDiff(ctx, mcp.ShowDiffReq{})
		if err != nil {
			log.Error("Failed to diff: %v\n", err)
			os.Exit(1)
		}
		lines := make([]historyLine, len(h.Entries))
		for i, e := range h.Entries {
			lines[i] = historyLine{Slot: e.Slot, Mod: e.Mod, Status: e.Status}
		}
		fmt.Fprint(os.Stdout, renderHistory(h.Step, lines))
		fmt.Fprint(os.Stdout, renderDiff(d.Diff))

	case "mcp":
		e, err := loadEnv(*flagConfig, dir, *flagModel, *flagVerbose)
		if err != nil {
			log.Error("Failed to load the configuration: %v\n", err)
			os.Exit(1)
		}
		svr := mcp.NewServer(mcp.ServerOptions{
			ServerName:    "fevcoder",
			ServerVersion: version.Version,
			Verbose:       *flagVerbose,
			SessionToolsOptions: mcp.SessionToolsOptions{
				Dir:     e.dir,
				Catalog: e.resolver.Catalog,
			},
		})
		if err := svr.ServeStdio(); err != nil {
			log.Error("Failed to run MCP server: %v\n", err)
			os.Exit(1)
		}

	case "automate":
		e, err := loadEnv(*flagConfig, dir, *flagModel, *flagVerbose)
		if err != nil {
			log.Error("Failed to load the configuration: %v\n", err)
			os.Exit(1)
		}
		if err := automate(ctx, e); err != nil {
			log.Error("%v\n", err)
			os.Exit(1)
		}

	case "run":
		e, err := loadEnv(*flagConfig, dir, *flagModel, *flagVerbose)
		if err != nil {
			log.Error("Failed to load the configuration: %v\n", err)
			os.Exit(1)
		}
		if err := runSession(ctx, e); err != nil {
			log.Error("%v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", action)
		flags.Usage()
		os.Exit(1)
	}
}

// parseArgsAndFlags takes an optional Dir argument followed by flags.
func parseArgsAndFlags(flags *flag.FlagSet, args []string, flagHelp *bool, flagVerbose *bool) (dir string) {
	dir = "."
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		dir, args = args[0], args[1:]
	}
	flags.Parse(args)

	if flagHelp != nil && *flagHelp {
		flags.Usage()
		os.Exit(0)
	}

	if flagVerbose != nil && *flagVerbose {
		log.SetLogLevel(log.DebugLevel)
	}

	return dir
}

// env is what every session command needs besides the session itself.
type env struct {
	cfg       *config.Config
	dir       string
	resolver  *prompt.Resolver
	verifiers map[fev.Engine]fev.Verifier
	// model is the default generator model.
	model   string
	scratch string
}

func loadEnv(cfgPath, dir, model string, verbose bool) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if !verbose {
		log.SetLogLevel(log.ParseLevel(cfg.LogLevel))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	cat, err := prompt.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	sys, err := prompt.LoadSystemMessage(cfg.SystemMessage)
	if err != nil {
		return nil, err
	}
	fopts := cfg.FEVOptions(abs)
	resolver := prompt.NewResolver(cat, sys,
		prompt.TemplatePreprocessor{},
		prompt.M5Preprocessor{Command: cfg.M5.Command, ScratchDir: fopts.ScratchDir},
	)
	if model == "" {
		model = cfg.DefaultModel
	}
	if _, ok := cfg.Model(model); model != "" && !ok {
		return nil, errors.Errorf("unknown model %q", model)
	}
	return &env{
		cfg:       cfg,
		dir:       abs,
		resolver:  resolver,
		verifiers: fev.NewVerifiers(fopts),
		model:     model,
		scratch:   fopts.ScratchDir,
	}, nil
}

func (e *env) generator(ctx context.Context, name string) (*llm.ChatGenerator, error) {
	if name == "" {
		return nil, errors.New("no model configured; set default_model or pass -model")
	}
	m, ok := e.cfg.Model(name)
	if !ok {
		return nil, errors.Errorf("unknown model %q", name)
	}
	return llm.NewChatGenerator(ctx, m, nil)
}

// engine is the checker of interactive verification, or of automation.
func (e *env) engine(automation bool) fev.Engine {
	name := e.cfg.FEV.DefaultEngine
	if automation {
		name = e.cfg.FEV.AutomationEngine
	}
	engine, err := fev.ParseEngine(name)
	if err != nil {
		return fev.EngineEQY
	}
	return engine
}

func (e *env) automationModel() string {
	if e.model != e.cfg.DefaultModel || e.cfg.Automation.Model == "" {
		return e.model
	}
	return e.cfg.Automation.Model
}

func (e *env) open(ctx context.Context, op pipeline.Operator) (*pipeline.Orchestrator, error) {
	m, _ := e.cfg.Model(e.model)
	return pipeline.Open(ctx, pipeline.Options{
		Dir:        e.dir,
		Resolver:   e.resolver,
		Verifiers:  e.verifiers,
		Operator:   op,
		Model:      m,
		InitEngine: e.engine(false),
		ScratchDir: e.scratch,
	})
}

// automate runs unattended. Fallback from a failed macro is always taken.
func automate(ctx context.Context, e *env) error {
	o, err := e.open(ctx, pipeline.AutoOperator{})
	if errors.Is(err, pipeline.ErrConversionComplete) {
		fmt.Fprintln(os.Stdout, "Conversion completed.")
		return nil
	}
	if err != nil {
		return err
	}
	gen, err := e.generator(ctx, e.automationModel())
	if err != nil {
		return err
	}
	err = o.Automate(ctx, pipeline.Automation{
		Generator: gen,
		Engine:    e.engine(true),
		Agent:     &pipeline.DefaultAgent{MaxRetry: e.cfg.Automation.MaxRetry},
	})
	if ctx.Err() != nil {
		return shutdown(o)
	}
	if err != nil {
		fmt.Fprint(os.Stdout, renderErrors(o.Session.Errors))
		return err
	}
	fmt.Fprintln(os.Stdout, "Conversion completed.")
	return nil
}

// shutdown keeps edits made while the process was stopping.
func shutdown(o *pipeline.Orchestrator) error {
	pending, err := o.CheckpointPending()
	if err != nil {
		return errors.Wrap(err, "checkpoint pending edits")
	}
	if pending {
		fmt.Fprintln(os.Stdout, "Checkpointed pending edits.")
	}
	return nil
}
