// Package api is the declarative REST capability: each configured endpoint
// of each configured service becomes a tool named <service>_<endpoint>.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/tracer"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
	"github.com/johnhnguyen97/moxie-ai/internal/security"
)

// ID is the capability id.
const ID = "moxie.api"

// MaxResponseBytes caps how much of a response body is read.
const MaxResponseBytes = 10 << 20

// BreakerSettings configures the per-service circuit breakers.
type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

var errUpstream = errors.New("upstream server error")

// service is a configured Service with its runtime guards.
type service struct {
	Service
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*callResult]
}

type callResult struct {
	status int
	body   json.RawMessage
	raw    string
}

// Capability exposes REST endpoints as tools.
type Capability struct {
	logger   *slog.Logger
	custom   *http.Client
	breakerS BreakerSettings

	mu       sync.RWMutex
	cfg      Config
	services map[string]*service
	byTool   map[string]toolRef
	order    []string
	client   *http.Client
}

type toolRef struct {
	service  string
	endpoint int
}

// Option configures a Capability.
type Option func(*Capability)

// WithHTTPClient replaces the HTTP client. Per-service timeouts still apply
// through the request context.
func WithHTTPClient(c *http.Client) Option { return func(a *Capability) { a.custom = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Capability) { a.logger = l } }

// WithBreaker configures the per-service circuit breakers.
func WithBreaker(s BreakerSettings) Option { return func(a *Capability) { a.breakerS = s } }

// New creates the capability with an initial configuration.
func New(cfg Config, opts ...Option) (*Capability, error) {
	a := &Capability{
		logger: slog.Default(),
		breakerS: BreakerSettings{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	a.apply(cfg)
	return a, nil
}

func (a *Capability) apply(cfg Config) {
	services := make(map[string]*service, len(cfg.Services))
	byTool := make(map[string]toolRef)
	order := make([]string, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		svc := &service{Service: s, breaker: a.newBreaker(s.ID)}
		if s.RateLimitPerMinute > 0 {
			svc.limiter = rate.NewLimiter(rate.Limit(float64(s.RateLimitPerMinute)/60.0), s.RateLimitPerMinute)
		}
		services[s.ID] = svc
		order = append(order, s.ID)
		for i, e := range s.Endpoints {
			byTool[s.ID+"_"+e.Name] = toolRef{service: s.ID, endpoint: i}
		}
	}

	client := a.custom
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
		if cfg.BlockPrivateNetworks {
			client.Transport = security.NewPublicTransport()
		}
	}

	a.mu.Lock()
	a.cfg = cfg
	a.services = services
	a.byTool = byTool
	a.order = order
	a.client = client
	a.mu.Unlock()
}

func (a *Capability) newBreaker(id string) *gobreaker.CircuitBreaker[*callResult] {
	s := a.breakerS
	return gobreaker.NewCircuitBreaker[*callResult](gobreaker.Settings{
		Name:        "api:" + id,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return s.MaxFailures > 0 && c.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// ServiceCount returns the number of configured services.
func (a *Capability) ServiceCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.services)
}

// EndpointCount returns the number of configured endpoints across services.
func (a *Capability) EndpointCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byTool)
}

func (a *Capability) Manifest() domain.PluginManifest {
	return plugin.NewManifest(ID, "Custom API", "Connect any REST API through configuration - no code required").
		Version(1, 0, 0).
		Author("Moxie AI", "").
		Category(domain.CategoryCloud).
		Keywords("api", "rest", "http", "integration", "custom").
		ConfigField(plugin.NewConfigField("services", domain.FieldStringArray).
			Label("API Services").
			Description("Configured API services").
			Build()).
		Build()
}

func (a *Capability) Tools() []domain.ToolDefinition {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var tools []domain.ToolDefinition
	for _, id := range a.order {
		s := a.services[id]
		for _, e := range s.Endpoints {
			tools = append(tools, endpointTool(s.Service, e))
		}
	}
	return tools
}

func endpointTool(s Service, e Endpoint) domain.ToolDefinition {
	desc := fmt.Sprintf("%s: %s", s.Name, e.Description)
	if e.Description == "" {
		desc = fmt.Sprintf("%s: %s %s", s.Name, e.Method, e.Path)
	}

	names := make([]string, 0, len(e.Params))
	for name := range e.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := plugin.NewSchema()
	for _, name := range names {
		p := e.Params[name]
		schema.Property(name, p.Type, p.Description, p.Required)
		if len(p.Default) > 0 {
			schema.PropertyDefault(name, p.Default)
		}
	}

	def := domain.NewToolDefinition(s.ID+"_"+e.Name, desc).
		WithParameters(schema.Build()).
		FromPlugin(ID)
	if e.RequiresConfirmation {
		def = def.WithConfirmation()
	}
	return def
}

// OnInit replaces the configuration when the registry supplies one.
func (a *Capability) OnInit(_ context.Context, pctx domain.PluginContext) error {
	if len(pctx.Config) > 0 && string(pctx.Config) != "null" {
		cfg, err := ParseConfig(pctx.Config)
		if err != nil {
			return err
		}
		a.apply(cfg)
	}
	a.logger.Info("api capability initialized", "services", a.ServiceCount(), "endpoints", a.EndpointCount())
	return nil
}

// Execute performs the HTTP call behind tool.
func (a *Capability) Execute(ctx context.Context, tool string, args json.RawMessage) (*domain.ToolResult, error) {
	a.mu.RLock()
	ref, ok := a.byTool[tool]
	var svc *service
	if ok {
		svc = a.services[ref.service]
	}
	client := a.client
	a.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("api.Execute", domain.ErrToolNotFound, tool)
	}
	endpoint := svc.Endpoints[ref.endpoint]

	params := map[string]json.RawMessage{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, domain.NewDomainError("api.Execute", domain.ErrInvalidParameters, err.Error())
		}
	}

	if svc.limiter != nil && !svc.limiter.Allow() {
		return domain.Failure(fmt.Sprintf("Rate limit exceeded for service '%s'", svc.ID)), nil
	}

	ctx, span := tracer.StartSpan(ctx, "api.call", trace.WithAttributes(
		tracer.StringAttr("api.service", svc.ID),
		tracer.StringAttr("api.endpoint", endpoint.Name),
		tracer.StringAttr("http.method", endpoint.Method),
	))
	defer span.End()

	start := time.Now()
	res, err := svc.breaker.Execute(func() (*callResult, error) {
		return a.call(ctx, client, svc.Service, endpoint, params)
	})
	elapsed := time.Since(start).Milliseconds()

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		tracer.RecordError(span, err)
		return domain.Failure(fmt.Sprintf("Service '%s' is temporarily unavailable: %v", svc.ID, err)), nil
	case errors.Is(err, errUpstream) && res != nil:
		tracer.RecordError(span, err)
		return res.failure(), nil
	case err != nil:
		tracer.RecordError(span, err)
		var de *domain.DomainError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.NewDomainError("api.Execute", domain.ErrExecutionFailed, "Request failed: "+err.Error())
	}

	span.SetAttributes(tracer.IntAttr("http.status_code", res.status))
	if res.status < 200 || res.status >= 300 {
		return res.failure(), nil
	}
	tracer.SetOK(span)

	var data any = res.body
	if res.body == nil {
		data = res.raw
	}
	return domain.Success(map[string]any{
		"status": res.status,
		"data":   data,
	}).WithDuration(elapsed), nil
}

func (r *callResult) failure() *domain.ToolResult {
	body := r.raw
	if r.body != nil {
		var pretty bytes.Buffer
		if json.Indent(&pretty, r.body, "", "  ") == nil {
			body = pretty.String()
		}
	}
	return domain.Failure(fmt.Sprintf("API returned error %d: %s", r.status, body))
}

func (a *Capability) call(ctx context.Context, client *http.Client, s Service, e Endpoint, params map[string]json.RawMessage) (*callResult, error) {
	path := e.Path
	query := url.Values{}
	headers := http.Header{}
	body := map[string]json.RawMessage{}

	for name, value := range params {
		loc := InQuery
		if p, ok := e.Params[name]; ok {
			loc = p.Location
		}
		switch loc {
		case InPath:
			path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(scalar(value)))
		case InQuery:
			query.Add(name, scalar(value))
		case InHeader:
			headers.Set(name, scalar(value))
		default:
			body[name] = value
		}
	}

	credential := ""
	if s.AuthEnv != "" {
		credential = os.Getenv(s.AuthEnv)
	}
	if s.AuthType == AuthQueryParam && s.AuthParam != "" && credential != "" {
		query.Set(s.AuthParam, credential)
	}

	target := strings.TrimSuffix(s.BaseURL, "/") + path
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	var reqBody io.Reader
	sendsBody := (e.Method == http.MethodPost || e.Method == http.MethodPut || e.Method == http.MethodPatch) && len(body) > 0
	if sendsBody {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, domain.NewDomainError("api.call", domain.ErrJSON, err.Error())
		}
		reqBody = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.TimeoutSecs)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, e.Method, target, reqBody)
	if err != nil {
		return nil, domain.NewDomainError("api.call", domain.ErrInvalidParameters, err.Error())
	}
	if sendsBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	applyAuth(req, s, credential)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > MaxResponseBytes {
		return nil, domain.NewDomainError("api.call", domain.ErrExecutionFailed,
			fmt.Sprintf("response exceeds %d bytes", MaxResponseBytes))
	}

	res := &callResult{status: resp.StatusCode, raw: string(data)}
	if json.Valid(data) && len(bytes.TrimSpace(data)) > 0 {
		res.body = data
	}
	a.logger.Debug("api call", "service", s.ID, "endpoint", e.Name, "status", resp.StatusCode)
	if resp.StatusCode >= 500 {
		return res, errUpstream
	}
	return res, nil
}

func applyAuth(req *http.Request, s Service, credential string) {
	if credential == "" {
		return
	}
	switch s.AuthType {
	case AuthAPIKey:
		if s.AuthHeader != "" {
			req.Header.Set(s.AuthHeader, credential)
		}
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+credential)
	case AuthBasic:
		if user, pass, ok := strings.Cut(credential, ":"); ok {
			req.SetBasicAuth(user, pass)
		}
	}
}

// scalar renders a JSON value for a URL or header: strings unquoted,
// everything else as compact JSON.
func scalar(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.Trim(string(v), `"`)
}
