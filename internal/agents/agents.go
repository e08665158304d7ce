// Package agents defines the closed set of subagents that can run as
// background tasks.
package agents

// Known subagent names.
const (
	Orchestrator = "orchestrator"
	Explorer     = "explorer"
	Librarian    = "librarian"
	Oracle       = "oracle"
	Designer     = "designer"
	Fixer        = "fixer"
)

// allowed is the closed enumeration of launchable subagents.
var allowed = map[string]bool{
	Orchestrator: true,
	Explorer:     true,
	Librarian:    true,
	Oracle:       true,
	Designer:     true,
	Fixer:        true,
}

// readOnly agents may not modify the workspace and may not launch
// background tasks of their own.
var readOnly = map[string]bool{
	Explorer:  true,
	Librarian: true,
}

// IsKnown reports whether name is one of the allowed subagents.
func IsKnown(name string) bool {
	return allowed[name]
}

// IsReadOnly reports whether name is a read-only subagent.
func IsReadOnly(name string) bool {
	return readOnly[name]
}

// Names returns the allowed subagent names.
func Names() []string {
	return []string{Orchestrator, Explorer, Librarian, Oracle, Designer, Fixer}
}

// Variant is a resolved agent variant. Variant definitions and permission
// resolution live in the host; the manager only consumes the resolved data.
type Variant struct {
	Name         string `mapstructure:"name"`
	SystemPrompt string `mapstructure:"systemPrompt"`
	Model        string `mapstructure:"model"`
}

// VariantResolver maps an agent name to its configured variant, if any.
type VariantResolver interface {
	Resolve(agent string) (*Variant, bool)
}

// StaticVariants is a VariantResolver backed by a fixed map.
type StaticVariants map[string]Variant

// Resolve implements VariantResolver.
func (s StaticVariants) Resolve(agent string) (*Variant, bool) {
	v, ok := s[agent]
	if !ok {
		return nil, false
	}
	return &v, true
}
