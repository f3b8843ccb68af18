package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/learning"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// Ingester accepts new level-0 strands.
type Ingester interface {
	NotifyNewRecord(ctx context.Context, s *strand.Strand) (*learning.NotifyResult, error)
}

// ContextReader answers context queries.
type ContextReader interface {
	GetContext(ctx context.Context, req injection.Request) (*injection.Result, error)
}

// PromotionStatus reports in-flight and deferred promotions.
type PromotionStatus interface {
	Status() promotion.Status
}

// Subscriptions lists who reads what.
type Subscriptions interface {
	Kinds() []string
	Entitlement(consumer, kind string) (strand.AnyOf, bool)
}

// Server is an MCP server over the learning engine.
type Server struct {
	mcp          *mcp.Server
	ingest       Ingester
	context      ContextReader
	promotions   PromotionStatus
	subs         Subscriptions
	consumers    func() []string
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "braidd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "braidd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// Deps are the services tools call into. Ingest and Context are required.
type Deps struct {
	Ingest     Ingester
	Context    ContextReader
	Promotions PromotionStatus
	Subs       Subscriptions

	// Consumers lists subscribed consumers for subscriptions_list.
	Consumers func() []string
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.Ingest == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	if deps.Context == nil {
		return nil, fmt.Errorf("context reader is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		ingest:       deps.Ingest,
		context:      deps.Context,
		promotions:   deps.Promotions,
		subs:         deps.Subs,
		consumers:    deps.Consumers,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Logger),
		logger:       cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying SDK server, for custom transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Tools returns the tool registry.
func (s *Server) Tools() *ToolRegistry {
	return s.toolRegistry
}

// Run serves on the stdio transport until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
