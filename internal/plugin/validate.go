package plugin

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

// ArgValidator checks tool arguments against the tool's declared JSON schema.
// Compiled schemas are cached per capability and tool; the cache key includes
// the raw schema so capabilities whose tool list changes after OnInit are
// recompiled.
type ArgValidator struct {
	mu       sync.Mutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewArgValidator creates an empty validator.
func NewArgValidator() *ArgValidator {
	return &ArgValidator{
		compiler: jsonschema.NewCompiler(),
		cache:    make(map[string]*jsonschema.Schema),
	}
}

// Validate returns an ErrInvalidParameters error when args do not satisfy the
// schema of def. Definitions without a schema accept anything.
func (v *ArgValidator) Validate(pluginID string, def domain.ToolDefinition, args json.RawMessage) error {
	if len(def.Parameters) == 0 || string(def.Parameters) == "null" {
		return nil
	}
	schema, err := v.schemaFor(pluginID, def)
	if err != nil {
		// A broken schema is the capability's problem, not the caller's.
		return nil
	}

	var data any = map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &data); err != nil {
			return domain.NewDomainError("Registry.Execute", domain.ErrInvalidParameters,
				fmt.Sprintf("arguments for %s are not valid JSON: %v", def.Name, err))
		}
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return domain.NewDomainError("Registry.Execute", domain.ErrInvalidParameters,
			fmt.Sprintf("arguments for %s: %s", def.Name, result.Error()))
	}
	return nil
}

func (v *ArgValidator) schemaFor(pluginID string, def domain.ToolDefinition) (*jsonschema.Schema, error) {
	key := pluginID + "\x00" + def.Name + "\x00" + string(def.Parameters)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}
	s, err := v.compiler.Compile([]byte(def.Parameters))
	if err != nil {
		return nil, err
	}
	v.cache[key] = s
	return s, nil
}
