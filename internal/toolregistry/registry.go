// Package toolregistry maps tool names to capabilities and classifies their
// risk. Registration happens at startup; lookups are read-mostly.
package toolregistry

import (
	"context"
	"sort"
	"sync"

	"loom/internal/errs"
	"loom/internal/logging"
)

// Risk classifies how dangerous a tool invocation is.
type Risk string

const (
	RiskReadOnly Risk = "read_only" // safe to call and cache
	RiskMutating Risk = "mutating"  // writes state, never cached
	RiskCritical Risk = "critical"  // requires user confirmation
)

// RequiresConfirmation reports whether a tool of this risk needs HITL approval.
func (r Risk) RequiresConfirmation() bool {
	return r == RiskCritical
}

// ParameterSchema describes a tool's expected parameters.
type ParameterSchema struct {
	// Properties maps parameter name to a short type/usage description.
	Properties map[string]string `json:"properties,omitempty"`
	// Required lists parameter names that must be present.
	Required []string `json:"required,omitempty"`
}

// Result is the normalized output of a tool invocation.
type Result struct {
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
}

// Tool is the capability interface every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	ParameterSchema() ParameterSchema
	Risk() Risk
	Invoke(ctx context.Context, params map[string]any) (*Result, error)
}

// InfoAcquiring marks tools whose calls count toward the findings-recording
// rule (web search, url read, and similar).
type InfoAcquiring interface {
	InfoAcquiring() bool
}

// Registry is the name -> capability mapping.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.OrNop(logger),
	}
}

// Register adds a tool. Re-registering a name is a startup configuration error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if name == "" {
		return errs.New(errs.KindInternal, "tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return errs.New(errs.KindInternal, "tool %q already registered", name)
	}
	r.tools[name] = tool
	r.logger.Debug("registered tool %s (risk=%s)", name, tool.Risk())
	return nil
}

// Get returns the tool for a name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, errs.New(errs.KindToolUnknown, "tool %q is not registered", name)
	}
	return tool, nil
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns "name: description" lines for planner prompts.
func (r *Registry) Describe() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines := make([]string, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		lines = append(lines, name+": "+r.tools[name].Description())
	}
	return lines
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks params against the tool's schema.
func ValidateParams(tool Tool, params map[string]any) error {
	schema := tool.ParameterSchema()
	for _, required := range schema.Required {
		if _, ok := params[required]; !ok {
			return errs.New(errs.KindToolParameterInvalid,
				"tool %q: missing required parameter %q", tool.Name(), required)
		}
	}
	return nil
}

// IsInfoAcquiring reports whether the tool's calls count toward the
// findings-recording rule.
func IsInfoAcquiring(tool Tool) bool {
	if marker, ok := tool.(InfoAcquiring); ok {
		return marker.InfoAcquiring()
	}
	return false
}
