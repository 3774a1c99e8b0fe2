package api

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
)

// AuthType selects how credentials are attached to requests.
type AuthType string

const (
	AuthNone       AuthType = "none"
	AuthAPIKey     AuthType = "api_key"
	AuthBearer     AuthType = "bearer"
	AuthBasic      AuthType = "basic"
	AuthQueryParam AuthType = "query_param"
)

// Parameter locations.
const (
	InQuery  = "query"
	InPath   = "path"
	InHeader = "header"
	InBody   = "body"
)

// Param describes one endpoint parameter.
type Param struct {
	Type        string          `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool            `json:"required,omitempty" yaml:"required,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Default     json.RawMessage `json:"default,omitempty" yaml:"-"`
	Location    string          `json:"location,omitempty" yaml:"location,omitempty"`
}

// UnmarshalYAML lets Default hold any YAML scalar or structure.
func (p *Param) UnmarshalYAML(node *yaml.Node) error {
	type plain Param
	var raw struct {
		plain   `yaml:",inline"`
		Default any `yaml:"default"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = Param(raw.plain)
	if raw.Default != nil {
		b, err := json.Marshal(raw.Default)
		if err != nil {
			return fmt.Errorf("param default: %w", err)
		}
		p.Default = b
	}
	return nil
}

// Endpoint maps one REST call to one tool.
type Endpoint struct {
	Name                 string           `json:"name" yaml:"name"`
	Method               string           `json:"method,omitempty" yaml:"method,omitempty"`
	Path                 string           `json:"path" yaml:"path"`
	Description          string           `json:"description,omitempty" yaml:"description,omitempty"`
	Params               map[string]Param `json:"params,omitempty" yaml:"params,omitempty"`
	ResponseType         string           `json:"response_type,omitempty" yaml:"response_type,omitempty"`
	RequiresConfirmation bool             `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
}

// Service is a REST API and the endpoints exposed from it.
type Service struct {
	ID                 string            `json:"id" yaml:"id"`
	Name               string            `json:"name" yaml:"name"`
	BaseURL            string            `json:"base_url" yaml:"base_url"`
	AuthType           AuthType          `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	AuthHeader         string            `json:"auth_header,omitempty" yaml:"auth_header,omitempty"`
	AuthParam          string            `json:"auth_param,omitempty" yaml:"auth_param,omitempty"`
	AuthEnv            string            `json:"auth_env,omitempty" yaml:"auth_env,omitempty"`
	Headers            map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSecs        int               `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`
	Endpoints          []Endpoint        `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

// Config is the capability configuration.
type Config struct {
	Services []Service `json:"services" yaml:"services"`
	// BlockPrivateNetworks refuses calls to loopback and private addresses.
	BlockPrivateNetworks bool `json:"block_private_networks,omitempty" yaml:"block_private_networks,omitempty"`
}

const defaultTimeoutSecs = 30

var allowedMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

// ParseConfig decodes raw JSON. JSON null yields an empty configuration.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, domain.NewDomainError("api.ParseConfig", domain.ErrConfigError, err.Error())
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize fills defaults and rejects malformed services.
func (c *Config) normalize() error {
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		s := &c.Services[i]
		if err := normalizeService(s); err != nil {
			return err
		}
		if seen[s.ID] {
			return domain.NewDomainError("api.Config", domain.ErrConfigError, "duplicate service id "+s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func normalizeService(s *Service) error {
	if s.ID == "" || s.BaseURL == "" {
		return domain.NewDomainError("api.Config", domain.ErrConfigError, "service id and base_url are required")
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.AuthType == "" {
		s.AuthType = AuthNone
	}
	switch s.AuthType {
	case AuthNone, AuthAPIKey, AuthBearer, AuthBasic, AuthQueryParam:
	default:
		return domain.NewDomainError("api.Config", domain.ErrConfigError,
			fmt.Sprintf("service %s: unknown auth_type %q", s.ID, s.AuthType))
	}
	if s.TimeoutSecs <= 0 {
		s.TimeoutSecs = defaultTimeoutSecs
	}
	for j := range s.Endpoints {
		e := &s.Endpoints[j]
		if e.Name == "" {
			return domain.NewDomainError("api.Config", domain.ErrConfigError,
				fmt.Sprintf("service %s: endpoint %d has no name", s.ID, j))
		}
		e.Method = strings.ToUpper(e.Method)
		if e.Method == "" {
			e.Method = "GET"
		}
		if !allowedMethods[e.Method] {
			return domain.NewDomainError("api.Config", domain.ErrConfigError,
				fmt.Sprintf("service %s endpoint %s: unsupported method %q", s.ID, e.Name, e.Method))
		}
		for name, p := range e.Params {
			if p.Type == "" {
				p.Type = "string"
			}
			if p.Location == "" {
				p.Location = InQuery
			}
			e.Params[name] = p
		}
	}
	return nil
}

// LoadServicesFile reads a YAML document of the form "services: [...]".
func LoadServicesFile(path string) ([]Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	var doc Config
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse services file %s: %w", path, err)
	}
	if err := doc.normalize(); err != nil {
		return nil, err
	}
	return doc.Services, nil
}

// DiscoverServices loads the service.yaml of every subdirectory of dirs.
// Malformed or incomplete files are skipped.
func DiscoverServices(dirs []string) ([]Service, error) {
	found, err := plugin.ScanDirectories(dirs, "service.yaml", func(s Service) bool {
		return normalizeService(&s) == nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Service, 0, len(found))
	for _, d := range found {
		s := d.Value
		_ = normalizeService(&s)
		out = append(out, s)
	}
	return out, nil
}
