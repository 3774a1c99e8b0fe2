// Package mcp exposes the tools of Model Context Protocol servers as a
// capability.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/tracer"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
)

// ID is the capability id.
const ID = "moxie.mcp"

// DefaultCallTimeout bounds a single CallTool round trip.
const DefaultCallTimeout = 30 * time.Second

// Config lists the servers to bridge.
type Config struct {
	Servers            []config.MCPServer `json:"servers"`
	CallTimeoutSeconds int                `json:"call_timeout_seconds,omitempty"`
}

// ParseConfig decodes raw JSON. JSON null yields an empty configuration.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, domain.NewDomainError("mcp.ParseConfig", domain.ErrConfigError, err.Error())
	}
	return cfg, nil
}

// Client is the subset of the mcp-go client used by the bridge.
type Client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens an initialized client for one server.
type Dialer func(ctx context.Context, srv config.MCPServer) (Client, error)

type conn struct {
	name   string
	client Client
}

type remoteTool struct {
	conn *conn
	name string
}

// Capability bridges MCP servers into the registry.
type Capability struct {
	logger *slog.Logger
	dial   Dialer

	mu      sync.RWMutex
	cfg     Config
	timeout time.Duration
	conns   []*conn
	defs    []domain.ToolDefinition
	remote  map[string]remoteTool
}

// Option configures a Capability.
type Option func(*Capability)

// WithDialer replaces the mcp-go connection logic.
func WithDialer(d Dialer) Option { return func(c *Capability) { c.dial = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Capability) { c.logger = l } }

// New creates the bridge. Servers are contacted in OnInit.
func New(cfg Config, opts ...Option) *Capability {
	c := &Capability{
		logger: slog.Default(),
		dial:   Dial,
		cfg:    cfg,
		remote: map[string]remoteTool{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Capability) Manifest() domain.PluginManifest {
	return plugin.NewManifest(ID, "MCP Bridge", "Expose tools from Model Context Protocol servers").
		Version(1, 0, 0).
		Author("Moxie AI", "").
		Category(domain.CategoryCustom).
		Keywords("mcp", "tools", "bridge").
		LongDescription("Configured with a servers list of objects: "+
			`{"name", "transport": "stdio"|"http", "command", "args", "env", "url"}`).
		ConfigField(plugin.NewConfigField("call_timeout_seconds", domain.FieldNumber).
			Label("Call timeout").
			Default(int(DefaultCallTimeout / time.Second)).
			Build()).
		Build()
}

func (c *Capability) Tools() []domain.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.ToolDefinition(nil), c.defs...)
}

// OnInit connects to every configured server and lists its tools. A server
// that cannot be reached is skipped; initialization fails only when every
// server does.
func (c *Capability) OnInit(ctx context.Context, pctx domain.PluginContext) error {
	cfg := c.cfg
	if len(pctx.Config) > 0 && string(pctx.Config) != "null" {
		parsed, err := ParseConfig(pctx.Config)
		if err != nil {
			return err
		}
		cfg = parsed
	}
	timeout := DefaultCallTimeout
	if cfg.CallTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.CallTimeoutSeconds) * time.Second
	}

	var (
		conns  []*conn
		defs   []domain.ToolDefinition
		remote = map[string]remoteTool{}
		errs   []string
	)
	for _, srv := range cfg.Servers {
		client, err := c.dial(ctx, srv)
		if err != nil {
			c.logger.Warn("mcp server unreachable, skipping", "server", srv.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
			continue
		}
		cn := &conn{name: srv.Name, client: client}

		listed, err := client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			c.logger.Warn("mcp tool discovery failed, skipping", "server", srv.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
			_ = client.Close()
			continue
		}
		conns = append(conns, cn)
		for _, t := range listed.Tools {
			name := ToolName(srv.Name, t.Name)
			if _, dup := remote[name]; dup {
				c.logger.Warn("mcp tool name collision, keeping first", "tool", name, "server", srv.Name)
				continue
			}
			remote[name] = remoteTool{conn: cn, name: t.Name}
			defs = append(defs, toolDefinition(name, srv.Name, t))
		}
		c.logger.Info("mcp tools discovered", "server", srv.Name, "count", len(listed.Tools))
	}

	if len(conns) == 0 && len(errs) > 0 {
		return domain.NewDomainError("mcp.OnInit", domain.ErrInitFailed,
			"all mcp servers failed: "+strings.Join(errs, "; "))
	}

	c.mu.Lock()
	old := c.conns
	c.cfg = cfg
	c.timeout = timeout
	c.conns = conns
	c.defs = defs
	c.remote = remote
	c.mu.Unlock()
	c.closeAll(old)
	return nil
}

// OnShutdown closes every server connection.
func (c *Capability) OnShutdown(context.Context) error {
	c.mu.Lock()
	old := c.conns
	c.conns = nil
	c.defs = nil
	c.remote = map[string]remoteTool{}
	c.mu.Unlock()
	c.closeAll(old)
	return nil
}

func (c *Capability) closeAll(conns []*conn) {
	for _, cn := range conns {
		if err := cn.client.Close(); err != nil {
			c.logger.Warn("mcp server close error", "server", cn.name, "error", err)
		}
	}
}

// Execute forwards the call to the owning server.
func (c *Capability) Execute(ctx context.Context, tool string, args json.RawMessage) (*domain.ToolResult, error) {
	c.mu.RLock()
	rt, ok := c.remote[tool]
	timeout := c.timeout
	c.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("mcp.Execute", domain.ErrToolNotFound, tool)
	}

	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, domain.NewDomainError("mcp.Execute", domain.ErrInvalidParameters, err.Error())
		}
	}

	ctx, span := tracer.StartSpan(ctx, "mcp.call", trace.WithAttributes(
		tracer.StringAttr("mcp.server", rt.conn.name),
		tracer.StringAttr("mcp.tool", rt.name),
	))
	defer span.End()

	req := mcp.CallToolRequest{}
	req.Params.Name = rt.name
	req.Params.Arguments = arguments

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := rt.conn.client.CallTool(callCtx, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Failure(fmt.Sprintf("MCP tool error: %v", err)).WithDuration(elapsed), nil
	}

	text := contentText(res)
	if res.IsError {
		span.SetAttributes(tracer.BoolAttr("mcp.is_error", true))
		return domain.Failure(text).WithDuration(elapsed), nil
	}
	tracer.SetOK(span)
	return domain.Success(text).WithDuration(elapsed), nil
}

func toolDefinition(name, server string, t mcp.Tool) domain.ToolDefinition {
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("MCP tool %q from server %q", t.Name, server)
	}
	params := json.RawMessage(`{"type":"object","properties":{}}`)
	if t.InputSchema.Properties != nil || t.InputSchema.Required != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			params = data
		}
	}
	return domain.NewToolDefinition(name, desc).WithParameters(params).FromPlugin(ID)
}

// contentText joins text parts; other content kinds are rendered as JSON.
func contentText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		switch v := content.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ToolName builds the registry name of a remote tool.
func ToolName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Dial connects to srv over stdio or streamable HTTP and performs the MCP
// initialize handshake.
func Dial(ctx context.Context, srv config.MCPServer) (Client, error) {
	var c *mcpclient.Client
	switch srv.Transport {
	case "stdio":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envList(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "moxie", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
