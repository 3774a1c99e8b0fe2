package usecase

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Built-in system prompts.
const (
	DefaultPrompt = "You are Moxie, a helpful AI assistant. You can use tools to help answer questions and complete tasks. Be concise and helpful in your responses."

	BusinessAnalystPrompt = `You are a skilled business analyst assistant. Your role is to help business owners understand their data and make informed decisions.

When analyzing data:
1. Gather context first - use tools to get the actual data
2. Present data clearly with tables and key metrics
3. Provide insights, not just numbers - explain what it means
4. Suggest actionable next steps when appropriate

Format your responses as:
1. **Summary** - One sentence answer
2. **Key Metrics** - Important numbers
3. **Analysis** - What this means for the business
4. **Recommendations** - Suggested actions (if appropriate)

Always use actual data from tools - never make up numbers.`

	TechSupportPrompt = `You are a technical support assistant. Help users troubleshoot issues with their systems.

When helping:
1. Ask clarifying questions to understand the problem
2. Use available tools to gather diagnostic information
3. Provide step-by-step solutions
4. Explain what caused the issue when possible

Be patient and clear in your explanations.`

	DataEntryPrompt = `You are a data entry assistant. Help users input and manage data efficiently.

When handling data:
1. Confirm the data before making changes
2. Validate inputs against expected formats
3. Report any issues or anomalies
4. Summarize what was done after completion

Always ask for confirmation before writing or modifying data.`
)

var builtinPersonas = map[string]string{
	"default":          DefaultPrompt,
	"business_analyst": BusinessAnalystPrompt,
	"analyst":          BusinessAnalystPrompt,
	"tech_support":     TechSupportPrompt,
	"support":          TechSupportPrompt,
	"data_entry":       DataEntryPrompt,
	"data":             DataEntryPrompt,
}

// BuiltinPersona returns the built-in prompt for name, case-insensitively.
func BuiltinPersona(name string) (string, bool) {
	p, ok := builtinPersonas[strings.ToLower(name)]
	return p, ok
}

// UnknownPersonaPrompt is used when no persona matches name.
func UnknownPersonaPrompt(name string) string {
	return fmt.Sprintf("%s\n\nNote: Unknown persona '%s', using default.", DefaultPrompt, name)
}

// PromptTemplate is a persona file:
//
//	[persona]
//	name = "Business Analyst"
//	[system_prompt]
//	content = "You are ..."
type PromptTemplate struct {
	Persona struct {
		Name        string `toml:"name"`
		Description string `toml:"description"`
	} `toml:"persona"`
	SystemPrompt struct {
		Content string `toml:"content"`
	} `toml:"system_prompt"`
	Examples struct {
		Questions []string `toml:"questions"`
	} `toml:"examples"`
	Tools struct {
		Primary   []string `toml:"primary"`
		Secondary []string `toml:"secondary"`
	} `toml:"tools"`
}

// PromptManager loads persona templates from <dir>/<name>.toml and caches
// them.
type PromptManager struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*PromptTemplate
}

// NewPromptManager creates a manager over dir.
func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{dir: dir, cache: make(map[string]*PromptTemplate)}
}

var personaName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load returns the template for name, reading it on first use.
func (m *PromptManager) Load(name string) (*PromptTemplate, error) {
	if !personaName.MatchString(name) {
		return nil, fmt.Errorf("invalid persona name %q", name)
	}
	m.mu.RLock()
	t, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := LoadPromptFile(filepath.Join(m.dir, name+".toml"))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[name] = t
	m.mu.Unlock()
	return t, nil
}

// LoadPromptFile parses a persona template. The system prompt content is
// required.
func LoadPromptFile(path string) (*PromptTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt: %w", err)
	}
	var t PromptTemplate
	if _, err := toml.Decode(string(data), &t); err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", path, err)
	}
	if strings.TrimSpace(t.SystemPrompt.Content) == "" {
		return nil, fmt.Errorf("prompt %s: system_prompt.content is empty", path)
	}
	return &t, nil
}

// Available lists the persona names present in the directory.
func (m *PromptManager) Available() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	sort.Strings(names)
	return names, nil
}

// ClearCache drops every cached template.
func (m *PromptManager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]*PromptTemplate)
	m.mu.Unlock()
}
