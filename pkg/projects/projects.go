// Package projects maintains the registry of long-lived project
// workspaces and matches incoming prompts against their triggers.
package projects

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// Registry holds the loaded project list. Reload replaces it
// atomically so matching never sees a partial registry.
type Registry struct {
	path string

	mu       sync.RWMutex
	projects []*types.Project
}

type registryFile struct {
	Projects []*types.Project `yaml:"projects"`
}

// Load reads the registry file. A missing file yields an empty
// registry, not an error; registering projects is optional.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		log.WithComponent("projects").Warn().Str("path", r.path).Msg("Project registry not found")
		r.mu.Lock()
		r.projects = nil
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read project registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse project registry: %w", err)
	}

	r.mu.Lock()
	r.projects = file.Projects
	r.mu.Unlock()

	log.WithComponent("projects").Info().Int("count", len(file.Projects)).Msg("Loaded project registry")
	return nil
}

// All returns the registered projects.
func (r *Registry) All() []*types.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.projects
}

// Match finds the project whose trigger appears in the message,
// preferring the longest matching trigger as the most specific.
func (r *Registry) Match(message string) *types.Project {
	msgLower := strings.ToLower(message)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.Project
	bestScore := 0
	for _, p := range r.projects {
		score := 0
		for _, trigger := range p.Triggers {
			if trigger == "" {
				continue
			}
			if strings.Contains(msgLower, strings.ToLower(trigger)) && len(trigger) > score {
				score = len(trigger)
			}
		}
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	return best
}

// Context formats one project as prompt context.
func Context(p *types.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EXISTING PROJECT AVAILABLE: %s\n", p.Name)
	fmt.Fprintf(&b, "Path: %s\n", p.Path)
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		desc = "N/A"
	}
	fmt.Fprintf(&b, "Description: %s\n", desc)
	if len(p.Commands) > 0 {
		b.WriteString("Available commands:\n")
		for name, cmd := range p.Commands {
			fmt.Fprintf(&b, "  - %s: %s\n", name, cmd)
		}
	}
	if p.RequiresFile {
		b.WriteString("NOTE: This project requires a file upload to work.\n")
	}
	timeout := p.TimeoutSecs
	if timeout == 0 {
		timeout = 60
	}
	fmt.Fprintf(&b, "Timeout: %ds", timeout)
	return b.String()
}

// Summary lists all projects briefly for classifier context.
func (r *Registry) Summary() string {
	all := r.All()
	if len(all) == 0 {
		return "No existing projects registered."
	}
	lines := []string{"REGISTERED PROJECTS (invoke these instead of writing new code):"}
	for _, p := range all {
		triggers := p.Triggers
		if len(triggers) > 3 {
			triggers = triggers[:3]
		}
		desc := strings.TrimSpace(p.Description)
		if i := strings.IndexByte(desc, '\n'); i >= 0 {
			desc = desc[:i]
		}
		lines = append(lines, fmt.Sprintf("  - %s: %s [triggers: %s]",
			p.Name, desc, strings.Join(triggers, ", ")))
	}
	return strings.Join(lines, "\n")
}
