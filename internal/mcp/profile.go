// Package mcp models the tool-protocol servers handed to agent providers:
// named profiles of required servers, strict/degraded enforcement, and the
// stdio process hosting the state server.
package mcp

import (
	"fmt"
	"sort"

	"jeeves/internal/provider"
)

// Profile names a set of MCP servers a phase requires.
type Profile struct {
	Name     string
	Required []string
}

// Registry resolves profile names.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry creates a registry with the built-in profiles. The state
// server underpins every state_* tool; pruner is the optional memory
// retention assistant.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	r.Register(Profile{Name: "state", Required: []string{"state"}})
	r.Register(Profile{Name: "state_with_pruner", Required: []string{"state", "pruner"}})
	return r
}

// Register adds or replaces a profile.
func (r *Registry) Register(p Profile) {
	r.profiles[p.Name] = p
}

// Lookup resolves a profile by name.
func (r *Registry) Lookup(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown mcp profile %q", name)
	}
	return p, nil
}

// Missing returns the profile's required servers absent from the available
// set, sorted for stable log output.
func (p Profile) Missing(available map[string]provider.MCPServer) []string {
	var missing []string
	for _, name := range p.Required {
		if _, ok := available[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
