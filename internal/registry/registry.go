// Package registry exposes the configured workflow template as an immutable
// ordered view: which phases exist, in what order, with which activities and
// approval gates.
package registry

import (
	"fmt"

	"cycleline/internal/config"
)

type Registry struct {
	phases []Phase
	index  map[string]int
}

// Phase is one resolved phase definition.
type Phase struct {
	Name          string
	Ordinal       int
	DurationDays  int
	Activities    []Activity
	ApprovalGates []string
}

// Activity is one resolved activity definition.
type Activity struct {
	Name     string
	Ordinal  int
	Required bool
}

// FromConfig builds a registry from a validated config.
func FromConfig(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config nil")
	}
	r := &Registry{index: map[string]int{}}
	for i, pt := range cfg.Phases {
		p := Phase{
			Name:          pt.Name,
			Ordinal:       i,
			DurationDays:  pt.DurationDays,
			ApprovalGates: append([]string(nil), pt.ApprovalGates...),
		}
		for j, at := range pt.Activities {
			p.Activities = append(p.Activities, Activity{
				Name:     at.Name,
				Ordinal:  j,
				Required: at.IsRequired(),
			})
		}
		r.index[p.Name] = i
		r.phases = append(r.phases, p)
	}
	return r, nil
}

// Phases returns all phases in workflow order.
func (r *Registry) Phases() []Phase {
	return r.phases
}

// Phase returns the definition for name.
func (r *Registry) Phase(name string) (Phase, bool) {
	i, ok := r.index[name]
	if !ok {
		return Phase{}, false
	}
	return r.phases[i], true
}

// ActivityDef returns the definition of one activity within a phase.
func (r *Registry) ActivityDef(phaseName, activityName string) (Activity, bool) {
	p, ok := r.Phase(phaseName)
	if !ok {
		return Activity{}, false
	}
	for _, a := range p.Activities {
		if a.Name == activityName {
			return a, true
		}
	}
	return Activity{}, false
}
