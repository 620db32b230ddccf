// Package skills discovers skill manifests and turns their methods into
// qualified tool definitions. A skill is a directory carrying a skill.yaml
// manifest; each declared method becomes one callable tool named
// "{skill}__{method}".
package skills

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ManifestFilename is the manifest file expected in each skill directory.
const ManifestFilename = "skill.yaml"

// nameRE constrains skill and method identifiers. Double underscores are
// excluded so qualified names split unambiguously.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Manifest is one parsed skill definition.
type Manifest struct {
	// Name is the unique skill identifier (lowercase, hyphens and single
	// underscores allowed).
	Name string `yaml:"name" json:"name"`

	// Description explains what the skill does.
	Description string `yaml:"description" json:"description"`

	// Version is informational.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Methods are the callable operations this skill exposes.
	Methods []Method `yaml:"methods" json:"methods"`

	// Path is the directory the manifest was discovered in.
	Path string `yaml:"-" json:"path"`
}

// Method is one callable operation declared by a manifest.
type Method struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// TimeoutSeconds overrides the executor default for this method.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// QualifiedName joins a skill and method into the registry tool name.
func QualifiedName(skill, method string) string {
	return skill + "__" + method
}

// SplitQualifiedName splits a registry tool name back into skill and method.
func SplitQualifiedName(name string) (skill, method string, ok bool) {
	skill, method, ok = strings.Cut(name, "__")
	return skill, method, ok && skill != "" && method != ""
}

// ParametersJSON returns the method's parameter schema as JSON, defaulting
// to an open object schema when none is declared.
func (m *Method) ParametersJSON() json.RawMessage {
	if m.Parameters == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	payload, err := json.Marshal(m.Parameters)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return payload
}

// Validate checks identifier shape, method uniqueness, and that every
// declared parameter schema compiles as JSON Schema.
func (m *Manifest) Validate() error {
	if !nameRE.MatchString(m.Name) {
		return fmt.Errorf("invalid skill name %q", m.Name)
	}
	if strings.Contains(m.Name, "__") {
		return fmt.Errorf("skill name %q must not contain double underscore", m.Name)
	}
	if len(m.Methods) == 0 {
		return fmt.Errorf("skill %q declares no methods", m.Name)
	}

	seen := make(map[string]bool, len(m.Methods))
	for i := range m.Methods {
		method := &m.Methods[i]
		if !nameRE.MatchString(method.Name) {
			return fmt.Errorf("skill %q: invalid method name %q", m.Name, method.Name)
		}
		if strings.Contains(method.Name, "__") {
			return fmt.Errorf("skill %q: method name %q must not contain double underscore", m.Name, method.Name)
		}
		if seen[method.Name] {
			return fmt.Errorf("skill %q: duplicate method %q", m.Name, method.Name)
		}
		seen[method.Name] = true

		if err := compileSchema(method.ParametersJSON()); err != nil {
			return fmt.Errorf("skill %q method %q: invalid parameter schema: %w", m.Name, method.Name, err)
		}
		if method.TimeoutSeconds < 0 {
			return fmt.Errorf("skill %q method %q: negative timeout", m.Name, method.Name)
		}
	}
	return nil
}

// compileSchema verifies a parameter schema is valid JSON Schema.
func compileSchema(schema json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", strings.NewReader(string(schema))); err != nil {
		return err
	}
	_, err := compiler.Compile("params.json")
	return err
}
