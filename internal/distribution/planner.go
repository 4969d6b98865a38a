// Package distribution selects shard-hosting nodes for batches of bit
// atoms. The primary path delegates to a prediction hook (trained
// externally); the fallback is a deterministic round-robin partition over
// the configured roster.
package distribution

import (
	"context"
	"fmt"
	"log"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

// PlanFunc is the prediction hook: a pure function from a batch to a
// placement. The training pipeline behind it is external to the core.
type PlanFunc func(ctx context.Context, address string, atoms []models.Atom, tokenID string) ([]models.NodeAssignment, error)

// Planner partitions batches over the node roster.
type Planner struct {
	roster []string
	hook   PlanFunc
}

// New builds a planner over roster. hook may be nil, in which case the
// deterministic fallback always runs.
func New(roster []string, hook PlanFunc) *Planner {
	return &Planner{roster: roster, hook: hook}
}

// Roster exposes the configured node endpoints.
func (p *Planner) Roster() []string { return p.roster }

// Plan maps each atom of the batch to a node. A reachable hook wins; hook
// failure degrades to the round-robin fallback and is logged.
func (p *Planner) Plan(ctx context.Context, address string, atoms []models.Atom, tokenID string) ([]models.NodeAssignment, error) {
	if len(p.roster) == 0 {
		return nil, fmt.Errorf("%w: node roster is empty", models.ErrNoNodesAvailable)
	}
	if len(atoms) == 0 {
		return nil, nil
	}

	if p.hook != nil {
		assignments, err := p.hook(ctx, address, atoms, tokenID)
		if err == nil {
			return assignments, nil
		}
		log.Printf("[Planner] Prediction hook unreachable (%v), degraded to round-robin", err)
	}

	return p.roundRobin(atoms), nil
}

// roundRobin gives each node ⌈N/K⌉ atoms in insertion order.
func (p *Planner) roundRobin(atoms []models.Atom) []models.NodeAssignment {
	perNode := (len(atoms) + len(p.roster) - 1) / len(p.roster)
	assignments := make([]models.NodeAssignment, len(atoms))
	for i, a := range atoms {
		assignments[i] = models.NodeAssignment{
			Node:     p.roster[i/perNode],
			Particle: a.Particle,
			Index:    uint64(i),
		}
	}
	return assignments
}
