// Package mcp serves read-only governor state to MCP clients.
package mcp

import (
	"context"

	"github.com/go-logr/logr"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/creovision/governor/pkg/models"
)

const serverName = "governor"

// Backend is the governor state the tools read.
type Backend interface {
	QuotaSnapshot(ctx context.Context, identity string) (models.QuotaSnapshot, error)
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)
	CacheStats(ctx context.Context) (models.CacheStats, error)
	Credits(ctx context.Context, identity string, limit int) (int64, []models.Transaction, error)
}

// MessageSearcher queries the message journal.
type MessageSearcher interface {
	Query(ctx context.Context, opts models.MessageQueryOpts) ([]models.MessageRecord, error)
}

// Server exposes governor tools over MCP.
type Server struct {
	backend  Backend
	messages MessageSearcher
	log      logr.Logger
	srv      *sdk.Server
}

// New creates a Server. messages may be nil when the journal is disabled.
func New(b Backend, messages MessageSearcher, version string, log logr.Logger) *Server {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Server{
		backend:  b,
		messages: messages,
		log:      log.WithName("mcp"),
		srv:      sdk.NewServer(&sdk.Implementation{Name: serverName, Version: version}, nil),
	}
	s.registerTools()
	return s
}

// Run serves over stdin and stdout until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("serving MCP over stdio")
	return s.srv.Run(ctx, &sdk.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t sdk.Transport) (*sdk.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}
