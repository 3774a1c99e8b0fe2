package plugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

func TestManifestBuilderDefaults(t *testing.T) {
	m := NewManifest("acme.notes", "Notes", "Take notes").Build()
	assert.Equal(t, domain.DefaultVersion, m.Version)
	assert.Equal(t, domain.CategoryCustom, m.Category)
	assert.False(t, m.RequiresConfirmation)
	require.NoError(t, m.Validate())
}

func TestManifestBuilderFull(t *testing.T) {
	m := NewManifest("acme.db", "DB", "Query databases").
		Version(2, 1, 0).
		Category(domain.CategoryDatabase).
		Author("Acme", "dev@acme.test").
		Keywords("sql", "db").
		DependsOn("acme.core", domain.NewVersion(1, 0, 0)).
		ConfigField(NewConfigField("dsn", domain.FieldSecret).Label("DSN").Required().Build()).
		RequiresConfirmation().
		Build()

	assert.Equal(t, "2.1.0", m.Version.String())
	assert.Equal(t, domain.CategoryDatabase, m.Category)
	assert.Equal(t, []string{"sql", "db"}, m.Keywords)
	assert.Equal(t, domain.NewVersion(1, 0, 0), m.Dependencies["acme.core"])
	require.Len(t, m.ConfigSchema, 1)
	assert.Equal(t, "DSN", m.ConfigSchema[0].Label)
	assert.True(t, m.ConfigSchema[0].Required)
	assert.True(t, m.RequiresConfirmation)
}

func TestConfigFieldBuilder(t *testing.T) {
	f := NewConfigField("mode", domain.FieldString).
		Description("Operating mode").
		Default("fast").
		Options("fast", "safe").
		Build()

	assert.Equal(t, "mode", f.Label)
	assert.Equal(t, domain.FieldSelect, f.FieldType)
	assert.Equal(t, []string{"fast", "safe"}, f.Options)
	assert.JSONEq(t, `"fast"`, string(f.Default))
}

func TestSchemaBuilder(t *testing.T) {
	raw := NewSchema().
		Property("path", "string", "File path", true).
		Property("limit", "integer", "", false).
		PropertyDefault("limit", 10).
		Build()

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"path"}, schema["required"])
	props := schema["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "description": "File path"}, props["path"])
	assert.Equal(t, map[string]any{"type": "integer", "default": float64(10)}, props["limit"])

	assert.JSONEq(t, string(domain.DefaultParameters), string(NewSchema().Build()))
}
