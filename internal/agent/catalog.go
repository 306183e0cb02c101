// Package agent hosts the catalogue of domain-specific investigation
// agents and the session-scoped service that drives streaming runs.
package agent

import "fmt"

// Definition describes one domain agent exposed by the platform.
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Model       string `yaml:"model,omitempty" json:"model,omitempty"`
	Provider    string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// Catalog is a lookup over the configured agents.
type Catalog struct {
	agents []Definition
	byID   map[string]Definition
}

// NewCatalog builds a catalogue, de-duplicating by id (first wins).
func NewCatalog(defs []Definition) *Catalog {
	c := &Catalog{byID: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.ID == "" {
			continue
		}
		if _, dup := c.byID[d.ID]; dup {
			continue
		}
		c.byID[d.ID] = d
		c.agents = append(c.agents, d)
	}
	return c
}

// Get returns the agent with the given id.
func (c *Catalog) Get(id string) (Definition, error) {
	d, ok := c.byID[id]
	if !ok {
		return Definition{}, fmt.Errorf("unknown agent %q", id)
	}
	return d, nil
}

// List returns all agents in configuration order.
func (c *Catalog) List() []Definition {
	out := make([]Definition, len(c.agents))
	copy(out, c.agents)
	return out
}

// DefaultAgents is the built-in catalogue used when the config names
// none.
func DefaultAgents() []Definition {
	return []Definition{
		{
			ID:          "general",
			Name:        "General Investigation",
			Description: "Cross-domain assistant for general case work",
			Endpoint:    "/v1/agents/general/runs",
		},
		{
			ID:          "narcotics",
			Name:        "Narcotics",
			Description: "Drug-trafficking patterns, precursor chemistry, street terminology",
			Endpoint:    "/v1/agents/narcotics/runs",
		},
		{
			ID:          "cybercrime",
			Name:        "Cybercrime",
			Description: "Digital forensics, network intrusion, online fraud",
			Endpoint:    "/v1/agents/cybercrime/runs",
		},
		{
			ID:          "financial-crime",
			Name:        "Financial Crime",
			Description: "Money laundering, asset tracing, transaction analysis",
			Endpoint:    "/v1/agents/financial-crime/runs",
		},
	}
}
