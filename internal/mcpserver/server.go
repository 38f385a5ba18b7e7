// Package mcpserver exposes a small read-only MCP tool surface over the
// Janitor's state store, per spec.md §4.3/§4.4's read operations and
// SPEC_FULL.md §3.9. It is additive tooling, not a replacement for the
// admin HTTP surfaces in internal/runner, internal/publisher, and
// internal/differ, which remain the primary, spec-mandated interface.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/publisher"
	"github.com/janitor-project/janitor/internal/store"
)

// Version is injected from the component's build metadata.
var Version = "dev"

// Server exposes Janitor read operations as MCP tools.
type Server struct {
	server    *mcp.Server
	handler   http.Handler
	store     *store.Store
	publisher *publisher.Publisher
	logger    *zap.Logger
}

// New creates and wires the MCP tool surface.
func New(st *store.Store, pub *publisher.Publisher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "janitor",
		Version: implVersion,
	}, nil)

	s := &Server{
		server:    srv,
		store:     st,
		publisher: pub,
		logger:    logger.Named("mcp"),
	}
	s.registerTools()
	s.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)

	return s
}

// Handler returns the HTTP SSE transport handler. None of the cmd binaries
// mounts it.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
