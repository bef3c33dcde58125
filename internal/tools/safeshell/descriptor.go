package safeshell

import (
	"slices"
	"strings"

	"github.com/jkaninda/safeshell/internal/sandbox"
)

// Name is the tool identifier advertised to models and MCP clients.
const Name = "safe_shell"

// Input declares one named tool parameter.
type Input struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Descriptor is the static capability declaration consumed at registration time.
type Descriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Inputs      map[string]Input `json:"inputs"`
	OutputType  string           `json:"output_type"`
}

// Definition describes safe_shell with the default allow-list.
var Definition = Describe(sandbox.DefaultVerbs)

// Describe builds the descriptor advertising verbs, listed in sorted order.
func Describe(verbs []string) Descriptor {
	sorted := slices.Sorted(slices.Values(verbs))
	return Descriptor{
		Name: Name,
		Description: "Run a small set of read-only shell commands inside a sandbox folder. " +
			"Allowed: " + strings.Join(sorted, ", ") + ". Relative paths only.",
		Inputs: map[string]Input{
			"cmd": {Type: "string", Description: "Shell command"},
		},
		OutputType: "string",
	}
}

// JSONSchema renders the inputs as a JSON Schema object; every input is required.
func (d Descriptor) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Inputs))
	required := make([]string, 0, len(d.Inputs))
	for name, in := range d.Inputs {
		props[name] = map[string]any{"type": in.Type, "description": in.Description}
		required = append(required, name)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
