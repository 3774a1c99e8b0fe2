// Package plugin hosts the capability registry: registration with manifest,
// category and dependency checks, the lifecycle state machine, and tool
// dispatch across active capabilities.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/tracer"
)

// LoadedCapability is a registered capability together with its lifecycle state.
type LoadedCapability struct {
	Capability domain.Capability
	State      domain.PluginState
	Config     json.RawMessage
	LoadOrder  uint64
}

// Status is a read-only snapshot of a registered capability.
type Status struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	Category  domain.Category    `json:"category"`
	State     domain.PluginState `json:"state"`
	LoadOrder uint64             `json:"load_order"`
	ToolCount int                `json:"tool_count"`
}

// Registry owns every registered capability. Structural changes take the
// write lock; listing and dispatch lookups take the read lock. Lifecycle hooks
// run under the write lock and must not call back into the registry.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]*LoadedCapability
	loadOrder uint64

	dataDir   string
	debug     bool
	logger    *slog.Logger
	policy    CategoryPolicy
	validator *ArgValidator
	confirm   map[string]bool
	audit     domain.AuditLogger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDataDir sets the parent of each capability's private data directory.
func WithDataDir(dir string) Option { return func(r *Registry) { r.dataDir = dir } }

// WithDebug propagates the debug flag to capability OnInit.
func WithDebug(debug bool) Option { return func(r *Registry) { r.debug = debug } }

// WithCategoryPolicy restricts the categories that may register.
func WithCategoryPolicy(p CategoryPolicy) Option { return func(r *Registry) { r.policy = p } }

// WithArgumentValidation validates tool arguments against tool schemas before dispatch.
func WithArgumentValidation() Option {
	return func(r *Registry) { r.validator = NewArgValidator() }
}

// WithConfirmationRequired marks tools as requiring confirmation regardless
// of their definitions.
func WithConfirmationRequired(tools ...string) Option {
	return func(r *Registry) {
		if r.confirm == nil {
			r.confirm = make(map[string]bool, len(tools))
		}
		for _, t := range tools {
			r.confirm[t] = true
		}
	}
}

// WithAuditLogger records every dispatch, successful or not.
func WithAuditLogger(a domain.AuditLogger) Option { return func(r *Registry) { r.audit = a } }

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		plugins: make(map[string]*LoadedCapability),
		dataDir: "data",
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a capability with no configuration.
func (r *Registry) Register(c domain.Capability) error {
	return r.RegisterWithConfig(c, nil)
}

// RegisterWithConfig adds a capability and stores its configuration for
// OnInit. Registration is all-or-nothing.
func (r *Registry) RegisterWithConfig(c domain.Capability, cfg json.RawMessage) error {
	manifest := c.Manifest()
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("register plugin %q: %w", manifest.ID, err)
	}
	if err := r.policy.Check(manifest); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[manifest.ID]; exists {
		return fmt.Errorf("%w: plugin %s", domain.ErrDuplicate, manifest.ID)
	}
	for depID, required := range manifest.Dependencies {
		dep, ok := r.plugins[depID]
		if !ok {
			return fmt.Errorf("%w: %s requires %s which is not registered",
				domain.ErrDependency, manifest.ID, depID)
		}
		have := dep.Capability.Manifest().Version
		if !have.IsCompatibleWith(required) {
			return fmt.Errorf("%w: %s requires %s %s, found %s",
				domain.ErrDependency, manifest.ID, depID, required, have)
		}
	}

	if len(cfg) == 0 {
		cfg = json.RawMessage("null")
	}
	r.loadOrder++
	r.plugins[manifest.ID] = &LoadedCapability{
		Capability: c,
		State:      domain.StateRegistered,
		Config:     cfg,
		LoadOrder:  r.loadOrder,
	}
	r.logger.Info("plugin registered",
		"id", manifest.ID, "version", manifest.Version.String(), "load_order", r.loadOrder)
	return nil
}

// InitAll initializes every capability in load order, stopping at the first failure.
func (r *Registry) InitAll(ctx context.Context) error {
	for _, id := range r.idsByOrder(false) {
		if err := r.InitPlugin(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// InitPlugin moves a Registered capability to Active. Capabilities in any
// other state are left alone.
func (r *Registry) InitPlugin(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.plugins[id]
	if !ok {
		return domain.NewDomainError("Registry.InitPlugin", domain.ErrPluginNotFound, id)
	}
	if lc.State != domain.StateRegistered {
		return nil
	}
	lc.State = domain.StateInitializing

	dataDir := filepath.Join(r.dataDir, id)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		r.logger.Warn("create plugin data dir failed", "id", id, "dir", dataDir, "error", err)
	}

	if initer, ok := lc.Capability.(domain.Initializer); ok {
		pctx := domain.PluginContext{Config: lc.Config, DataDir: dataDir, Debug: r.debug}
		if err := initer.OnInit(ctx, pctx); err != nil {
			lc.State = domain.StateError
			r.logger.Error("plugin init failed", "id", id, "error", err)
			return fmt.Errorf("%w: %s: %w", domain.ErrInitFailed, id, err)
		}
	}
	lc.State = domain.StateActive
	r.logger.Info("plugin initialized", "id", id, "tools", len(lc.Capability.Tools()))
	return nil
}

// ShutdownAll shuts capabilities down in reverse load order. Failures are
// logged and do not stop the sweep.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	for _, id := range r.idsByOrder(true) {
		if err := r.ShutdownPlugin(ctx, id); err != nil {
			r.logger.Warn("plugin shutdown failed", "id", id, "error", err)
		}
	}
	return nil
}

// ShutdownPlugin returns an Active or Disabled capability to Registered.
func (r *Registry) ShutdownPlugin(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.plugins[id]
	if !ok {
		return domain.NewDomainError("Registry.ShutdownPlugin", domain.ErrPluginNotFound, id)
	}
	if lc.State != domain.StateActive && lc.State != domain.StateDisabled {
		return nil
	}
	lc.State = domain.StateShuttingDown
	if s, ok := lc.Capability.(domain.Shutdowner); ok {
		if err := s.OnShutdown(ctx); err != nil {
			r.logger.Warn("plugin shutdown hook failed", "id", id, "error", err)
		}
	}
	lc.State = domain.StateRegistered
	r.logger.Info("plugin shut down", "id", id)
	return nil
}

// EnablePlugin moves a Disabled capability back to Active.
func (r *Registry) EnablePlugin(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.plugins[id]
	if !ok {
		return domain.NewDomainError("Registry.EnablePlugin", domain.ErrPluginNotFound, id)
	}
	if lc.State != domain.StateDisabled {
		return nil
	}
	if e, ok := lc.Capability.(domain.Enabler); ok {
		if err := e.OnEnable(ctx); err != nil {
			return fmt.Errorf("enable plugin %s: %w", id, err)
		}
	}
	lc.State = domain.StateActive
	r.logger.Info("plugin enabled", "id", id)
	return nil
}

// DisablePlugin moves an Active capability to Disabled, hiding its tools.
func (r *Registry) DisablePlugin(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.plugins[id]
	if !ok {
		return domain.NewDomainError("Registry.DisablePlugin", domain.ErrPluginNotFound, id)
	}
	if lc.State != domain.StateActive {
		return nil
	}
	if d, ok := lc.Capability.(domain.Disabler); ok {
		if err := d.OnDisable(ctx); err != nil {
			return fmt.Errorf("disable plugin %s: %w", id, err)
		}
	}
	lc.State = domain.StateDisabled
	r.logger.Info("plugin disabled", "id", id)
	return nil
}

// Get returns the capability registered under id.
func (r *Registry) Get(id string) (domain.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, ok := r.plugins[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrPluginNotFound, id)
	}
	return lc.Capability, nil
}

// State returns the lifecycle state of a capability.
func (r *Registry) State(id string) (domain.PluginState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, ok := r.plugins[id]
	if !ok {
		return 0, domain.NewDomainError("Registry.State", domain.ErrPluginNotFound, id)
	}
	return lc.State, nil
}

// List returns all manifests in load order.
func (r *Registry) List() []domain.PluginManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PluginManifest
	for _, lc := range r.sortedLocked(false) {
		out = append(out, lc.Capability.Manifest())
	}
	return out
}

// ListActive returns the manifests of Active capabilities in load order.
func (r *Registry) ListActive() []domain.PluginManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PluginManifest
	for _, lc := range r.sortedLocked(false) {
		if lc.State == domain.StateActive {
			out = append(out, lc.Capability.Manifest())
		}
	}
	return out
}

// Statuses returns a snapshot of every capability in load order.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Status
	for _, lc := range r.sortedLocked(false) {
		m := lc.Capability.Manifest()
		out = append(out, Status{
			ID:        m.ID,
			Name:      m.Name,
			Version:   m.Version.String(),
			Category:  m.Category,
			State:     lc.State,
			LoadOrder: lc.LoadOrder,
			ToolCount: len(lc.Capability.Tools()),
		})
	}
	return out
}

// AllTools returns the tools of every Active capability in load order.
func (r *Registry) AllTools() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ToolDefinition
	for _, lc := range r.sortedLocked(false) {
		if lc.State == domain.StateActive {
			out = append(out, lc.Capability.Tools()...)
		}
	}
	return out
}

// FindPluginForTool returns the id of the Active capability that would handle
// the named tool.
func (r *Registry) FindPluginForTool(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, _, ok := r.lookupLocked(name)
	if !ok {
		return "", false
	}
	return lc.Capability.Manifest().ID, true
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Execute dispatches a tool call to the lowest-load-order Active capability
// exposing the tool. The lock is released before the capability runs. Every
// return path is recorded by the audit logger when one is configured.
func (r *Registry) Execute(ctx context.Context, tool string, args json.RawMessage) (result *domain.ToolResult, err error) {
	ctx, span := tracer.StartSpan(ctx, "plugin.execute",
		trace.WithAttributes(tracer.StringAttr("tool.name", tool)))
	defer span.End()

	r.mu.RLock()
	lc, def, ok := r.lookupLocked(tool)
	var c domain.Capability
	var manifest domain.PluginManifest
	if ok {
		c = lc.Capability
		manifest = c.Manifest()
	}
	r.mu.RUnlock()

	start := time.Now()
	defer func() {
		elapsed := time.Since(start).Milliseconds()
		switch {
		case err != nil:
			tracer.RecordError(span, err)
			r.auditDispatch(ctx, manifest.ID, tool, "error", elapsed, err.Error())
		case !result.Success:
			r.auditDispatch(ctx, manifest.ID, tool, "failure", elapsed, result.Error)
		default:
			r.auditDispatch(ctx, manifest.ID, tool, "success", elapsed, "")
		}
	}()

	if !ok {
		return nil, domain.NewDomainError("Registry.Execute", domain.ErrToolNotFound, tool)
	}
	span.SetAttributes(tracer.StringAttr("plugin.id", manifest.ID))
	logger := r.logger.With("plugin", manifest.ID, "tool", tool)

	if manifest.RequiresConfirmation || def.RequiresConfirmation || r.confirm[tool] {
		logger.Warn("tool requires confirmation; executing without prompt")
	}
	if r.validator != nil {
		if err := r.validator.Validate(manifest.ID, def, args); err != nil {
			return nil, err
		}
	}
	if h, ok := c.(domain.BeforeExecuteHook); ok {
		if err := h.BeforeExecute(ctx, tool, args); err != nil {
			return nil, fmt.Errorf("before execute %s: %w", tool, err)
		}
	}

	execStart := time.Now()
	result, err = c.Execute(ctx, tool, args)
	elapsed := time.Since(execStart).Milliseconds()
	if err != nil {
		logger.Warn("tool execution failed", "error", err, "duration_ms", elapsed)
		return nil, err
	}
	if result == nil {
		result = domain.Failure("tool returned no result")
	}
	if result.Metadata == nil || result.Metadata.DurationMS == nil {
		result.WithDuration(elapsed)
	}
	if result.Metadata.PluginID == nil {
		result.WithPlugin(manifest.ID)
	}

	if h, ok := c.(domain.AfterExecuteHook); ok {
		if err := h.AfterExecute(ctx, tool, result); err != nil {
			logger.Warn("after execute hook failed", "error", err)
		}
	}

	span.SetAttributes(tracer.BoolAttr("tool.success", result.Success))
	tracer.SetOK(span)
	logger.Debug("tool executed", "success", result.Success, "duration_ms", elapsed)
	return result, nil
}

func (r *Registry) auditDispatch(ctx context.Context, pluginID, tool, outcome string, elapsed int64, errMsg string) {
	if r.audit == nil {
		return
	}
	detail := map[string]string{
		"duration_ms": strconv.FormatInt(elapsed, 10),
	}
	if pluginID != "" {
		detail["plugin_id"] = pluginID
	}
	if errMsg != "" {
		detail["error"] = errMsg
	}
	err := r.audit.Log(ctx, domain.AuditEvent{
		Type:      domain.AuditToolExec,
		RequestID: domain.RequestIDFrom(ctx),
		Resource:  tool,
		Action:    "execute",
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		r.logger.Warn("audit log write failed", "tool", tool, "error", err)
	}
}

func (r *Registry) lookupLocked(tool string) (*LoadedCapability, domain.ToolDefinition, bool) {
	for _, lc := range r.sortedLocked(false) {
		if lc.State != domain.StateActive {
			continue
		}
		if def, ok := domain.FindTool(lc.Capability, tool); ok {
			return lc, def, true
		}
	}
	return nil, domain.ToolDefinition{}, false
}

func (r *Registry) idsByOrder(desc bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sorted := r.sortedLocked(desc)
	ids := make([]string, 0, len(sorted))
	for _, lc := range sorted {
		ids = append(ids, lc.Capability.Manifest().ID)
	}
	return ids
}

func (r *Registry) sortedLocked(desc bool) []*LoadedCapability {
	out := make([]*LoadedCapability, 0, len(r.plugins))
	for _, lc := range r.plugins {
		out = append(out, lc)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].LoadOrder > out[j].LoadOrder
		}
		return out[i].LoadOrder < out[j].LoadOrder
	})
	return out
}
