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

// Package mcp serves a refactoring session's history over the Model Context
// Protocol so that other agents can inspect it.
package mcp

import (
	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type ServerOptions struct {
	ServerName    string
	ServerVersion string
	Verbose       bool
	SessionToolsOptions
}

type Server struct {
	Server *server.MCPServer
}

type Tool struct {
	mcp.Tool
	Handler server.ToolHandlerFunc
}

func NewServer(opts ServerOptions) *Server {
	if opts.Verbose {
		log.SetLogLevel(log.DebugLevel)
	}
	svr := server.NewMCPServer(opts.ServerName, opts.ServerVersion,
		server.WithToolCapabilities(false),
		server.WithPromptCapabilities(false),
		server.WithRecovery(),
	)
	tools := NewSessionTools(opts.SessionToolsOptions)
	for _, t := range getSessionTools(tools) {
		svr.AddTool(t.Tool, t.Handler)
	}
	svr.AddPrompt(mcp.NewPrompt(PromptCurrentRequest,
		mcp.WithPromptDescription("The request of the current refactoring step, as it will be sent to the generator"),
	), tools.handleCurrentRequestPrompt)
	log.Debug("MCP server %s %s serving %s", opts.ServerName, opts.ServerVersion, opts.Dir)
	return &Server{Server: svr}
}

// ServeStdio blocks until stdin is closed.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.Server)
}
