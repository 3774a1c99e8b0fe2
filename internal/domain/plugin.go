package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a semantic version used for capability dependency checks.
type Version struct {
	Major uint32 `json:"major" yaml:"major"`
	Minor uint32 `json:"minor" yaml:"minor"`
	Patch uint32 `json:"patch" yaml:"patch"`
}

// DefaultVersion is assigned to manifests that do not declare one.
var DefaultVersion = Version{Major: 0, Minor: 1, Patch: 0}

// NewVersion builds a Version.
func NewVersion(major, minor, patch uint32) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// ParseVersion parses "M.m.p". Missing minor or patch components default to zero.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return Version{}, fmt.Errorf("%w: version %q", ErrInvalidManifest, s)
	}
	var nums [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("%w: version %q", ErrInvalidManifest, s)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsCompatibleWith reports whether v satisfies the required version: same
// major, and minor.patch at least the requirement.
func (v Version) IsCompatibleWith(required Version) bool {
	if v.Major != required.Major {
		return false
	}
	if v.Minor != required.Minor {
		return v.Minor > required.Minor
	}
	return v.Patch >= required.Patch
}

// Category groups capabilities for display and policy.
type Category string

const (
	CategoryFilesystem    Category = "filesystem"
	CategoryDatabase      Category = "database"
	CategoryOffice        Category = "office"
	CategoryCommunication Category = "communication"
	CategoryNetwork       Category = "network"
	CategoryHardware      Category = "hardware"
	CategoryKnowledge     Category = "knowledge"
	CategoryCloud         Category = "cloud"
	CategoryCustom        Category = "custom"
)

// Platform lists platform requirements of a capability.
type Platform struct {
	OS           []string `json:"os,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	MinVersion   string   `json:"min_version,omitempty"`
}

// FieldType is the kind of value a ConfigField accepts.
type FieldType string

const (
	FieldString      FieldType = "string"
	FieldNumber      FieldType = "number"
	FieldBoolean     FieldType = "boolean"
	FieldStringArray FieldType = "string_array"
	FieldPath        FieldType = "path"
	FieldPathArray   FieldType = "path_array"
	FieldSecret      FieldType = "secret"
	FieldSelect      FieldType = "select"
)

// ConfigField declares one configuration option of a capability.
type ConfigField struct {
	Name        string          `json:"name"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	FieldType   FieldType       `json:"field_type"`
	Options     []string        `json:"options,omitempty"` // FieldSelect only
	Required    bool            `json:"required"`
	Default     json.RawMessage `json:"default,omitempty"`
	Validation  string          `json:"validation,omitempty"`
}

// PluginManifest is the identity and metadata of a capability.
type PluginManifest struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	Version              Version            `json:"version"`
	Description          string             `json:"description"`
	LongDescription      string             `json:"long_description,omitempty"`
	Category             Category           `json:"category"`
	Author               string             `json:"author,omitempty"`
	Email                string             `json:"email,omitempty"`
	Homepage             string             `json:"homepage,omitempty"`
	License              string             `json:"license,omitempty"`
	Keywords             []string           `json:"keywords,omitempty"`
	Platform             Platform           `json:"platform"`
	ConfigSchema         []ConfigField      `json:"config_schema,omitempty"`
	Dependencies         map[string]Version `json:"dependencies,omitempty"`
	RequiresConfirmation bool               `json:"requires_confirmation"`
	Icon                 string             `json:"icon,omitempty"`
}

var manifestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate checks the manifest's required fields.
func (m PluginManifest) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidManifest)
	case m.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	case m.Description == "":
		return fmt.Errorf("%w: description is required", ErrInvalidManifest)
	case !manifestIDPattern.MatchString(m.ID):
		return fmt.Errorf("%w: id %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidManifest, m.ID)
	}
	return nil
}

// MissingConfig returns the names of required config fields absent from cfg,
// which must be a JSON object (or null).
func (m PluginManifest) MissingConfig(cfg json.RawMessage) ([]string, error) {
	values := map[string]json.RawMessage{}
	if len(cfg) > 0 && string(cfg) != "null" {
		if err := json.Unmarshal(cfg, &values); err != nil {
			return nil, fmt.Errorf("%w: config must be a JSON object: %v", ErrConfigError, err)
		}
	}
	var missing []string
	for _, f := range m.ConfigSchema {
		if !f.Required {
			continue
		}
		if v, ok := values[f.Name]; !ok || string(v) == "null" {
			missing = append(missing, f.Name)
		}
	}
	return missing, nil
}

// PluginState is a capability's lifecycle state.
type PluginState int

const (
	StateRegistered PluginState = iota
	StateInitializing
	StateActive
	StateDisabled
	StateError
	StateShuttingDown
)

var stateNames = [...]string{"registered", "initializing", "active", "disabled", "error", "shutting_down"}

func (s PluginState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText encodes the state as its name.
func (s PluginState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PluginContext is passed to OnInit.
type PluginContext struct {
	Config  json.RawMessage
	DataDir string
	Debug   bool
}

// Capability is a unit of tool functionality managed by the registry.
type Capability interface {
	Manifest() PluginManifest
	Tools() []ToolDefinition
	Execute(ctx context.Context, tool string, args json.RawMessage) (*ToolResult, error)
}

// Optional lifecycle hooks. The registry checks for them with type assertions.
type (
	Initializer interface {
		OnInit(ctx context.Context, pctx PluginContext) error
	}
	Shutdowner interface {
		OnShutdown(ctx context.Context) error
	}
	Enabler interface {
		OnEnable(ctx context.Context) error
	}
	Disabler interface {
		OnDisable(ctx context.Context) error
	}
	// BeforeExecuteHook aborts dispatch when it returns an error.
	BeforeExecuteHook interface {
		BeforeExecute(ctx context.Context, tool string, args json.RawMessage) error
	}
	// AfterExecuteHook observes results; its error never changes the result.
	AfterExecuteHook interface {
		AfterExecute(ctx context.Context, tool string, result *ToolResult) error
	}
)

// HasTool reports whether c exposes a tool with the given name.
func HasTool(c Capability, name string) bool {
	for _, t := range c.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

// FindTool returns the definition of the named tool.
func FindTool(c Capability, name string) (ToolDefinition, bool) {
	for _, t := range c.Tools() {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}
