package plugin

import (
	"encoding/json"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

// ManifestBuilder assembles a PluginManifest with defaults for every
// optional field.
type ManifestBuilder struct {
	m domain.PluginManifest
}

// NewManifest starts a manifest with version 0.1.0 and category custom.
func NewManifest(id, name, description string) *ManifestBuilder {
	return &ManifestBuilder{m: domain.PluginManifest{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     domain.DefaultVersion,
		Category:    domain.CategoryCustom,
	}}
}

func (b *ManifestBuilder) Version(major, minor, patch uint32) *ManifestBuilder {
	b.m.Version = domain.NewVersion(major, minor, patch)
	return b
}

func (b *ManifestBuilder) Category(c domain.Category) *ManifestBuilder {
	b.m.Category = c
	return b
}

func (b *ManifestBuilder) LongDescription(s string) *ManifestBuilder {
	b.m.LongDescription = s
	return b
}

func (b *ManifestBuilder) Author(name, email string) *ManifestBuilder {
	b.m.Author = name
	b.m.Email = email
	return b
}

func (b *ManifestBuilder) Homepage(url string) *ManifestBuilder {
	b.m.Homepage = url
	return b
}

func (b *ManifestBuilder) License(l string) *ManifestBuilder {
	b.m.License = l
	return b
}

func (b *ManifestBuilder) Keywords(k ...string) *ManifestBuilder {
	b.m.Keywords = append(b.m.Keywords, k...)
	return b
}

func (b *ManifestBuilder) Platform(p domain.Platform) *ManifestBuilder {
	b.m.Platform = p
	return b
}

func (b *ManifestBuilder) ConfigField(f domain.ConfigField) *ManifestBuilder {
	b.m.ConfigSchema = append(b.m.ConfigSchema, f)
	return b
}

// DependsOn declares that the capability needs id at a compatible version.
func (b *ManifestBuilder) DependsOn(id string, v domain.Version) *ManifestBuilder {
	if b.m.Dependencies == nil {
		b.m.Dependencies = make(map[string]domain.Version)
	}
	b.m.Dependencies[id] = v
	return b
}

func (b *ManifestBuilder) RequiresConfirmation() *ManifestBuilder {
	b.m.RequiresConfirmation = true
	return b
}

func (b *ManifestBuilder) Icon(icon string) *ManifestBuilder {
	b.m.Icon = icon
	return b
}

// Build returns the manifest.
func (b *ManifestBuilder) Build() domain.PluginManifest {
	return b.m
}

// ConfigFieldBuilder assembles a ConfigField.
type ConfigFieldBuilder struct {
	f domain.ConfigField
}

// NewConfigField starts a field; the label defaults to the name.
func NewConfigField(name string, t domain.FieldType) *ConfigFieldBuilder {
	return &ConfigFieldBuilder{f: domain.ConfigField{Name: name, Label: name, FieldType: t}}
}

func (b *ConfigFieldBuilder) Label(l string) *ConfigFieldBuilder {
	b.f.Label = l
	return b
}

func (b *ConfigFieldBuilder) Description(d string) *ConfigFieldBuilder {
	b.f.Description = d
	return b
}

func (b *ConfigFieldBuilder) Required() *ConfigFieldBuilder {
	b.f.Required = true
	return b
}

// Default sets the default value. Values that cannot be encoded are ignored.
func (b *ConfigFieldBuilder) Default(v any) *ConfigFieldBuilder {
	if raw, err := json.Marshal(v); err == nil {
		b.f.Default = raw
	}
	return b
}

func (b *ConfigFieldBuilder) Validation(pattern string) *ConfigFieldBuilder {
	b.f.Validation = pattern
	return b
}

// Options sets the choices of a select field.
func (b *ConfigFieldBuilder) Options(opts ...string) *ConfigFieldBuilder {
	b.f.FieldType = domain.FieldSelect
	b.f.Options = append(b.f.Options, opts...)
	return b
}

func (b *ConfigFieldBuilder) Build() domain.ConfigField {
	return b.f
}

// SchemaBuilder assembles the JSON schema of a tool's parameters object.
type SchemaBuilder struct {
	properties map[string]map[string]any
	required   []string
}

// NewSchema starts an empty object schema.
func NewSchema() *SchemaBuilder {
	return &SchemaBuilder{properties: make(map[string]map[string]any)}
}

// Property adds a typed property.
func (b *SchemaBuilder) Property(name, typ, description string, required bool) *SchemaBuilder {
	prop := map[string]any{"type": typ}
	if description != "" {
		prop["description"] = description
	}
	b.properties[name] = prop
	if required {
		b.required = append(b.required, name)
	}
	return b
}

// PropertyDefault attaches a default value to an existing property.
func (b *SchemaBuilder) PropertyDefault(name string, v any) *SchemaBuilder {
	if prop, ok := b.properties[name]; ok {
		prop["default"] = v
	}
	return b
}

// Build encodes the schema.
func (b *SchemaBuilder) Build() json.RawMessage {
	required := b.required
	if required == nil {
		required = []string{}
	}
	raw, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": b.properties,
		"required":   required,
	})
	return raw
}
