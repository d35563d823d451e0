package wfkernel

import "fmt"

// validateDefinition enforces the registration invariants:
// non-empty phases, unique phase ids, all dependencies reference known
// phases (no dangling, no duplicates), and no dependency cycles.
func validateDefinition(def *WorkflowDefinition) error {
	if def.ID == "" || def.Version == "" {
		return newErr(ErrCodeDefinitionInvalid, "id and version are required", nil)
	}
	if len(def.Phases) == 0 {
		return newErr(ErrCodeDefinitionInvalid, "definition must have at least one phase", nil)
	}

	seen := make(map[string]bool, len(def.Phases))
	for _, p := range def.Phases {
		if p.ID == "" {
			return newErr(ErrCodeDefinitionInvalid, "phase id cannot be empty", nil)
		}
		if seen[p.ID] {
			return newErr(ErrCodeDefinitionInvalid, fmt.Sprintf("duplicate phase id %q", p.ID), nil)
		}
		seen[p.ID] = true
	}

	for _, p := range def.Phases {
		depSeen := make(map[string]bool, len(p.Dependencies))
		for _, dep := range p.Dependencies {
			if !seen[dep] {
				return newErr(ErrCodeDefinitionInvalid, fmt.Sprintf("phase %q depends on unknown phase %q", p.ID, dep), nil)
			}
			if depSeen[dep] {
				return newErr(ErrCodeDefinitionInvalid, fmt.Sprintf("phase %q lists dependency %q twice", p.ID, dep), nil)
			}
			depSeen[dep] = true
		}
	}

	if cyclePhase, ok := findCycle(def.Phases); ok {
		return newErr(ErrCodeDefinitionInvalid, fmt.Sprintf("dependency cycle detected at phase %q", cyclePhase), nil)
	}

	return nil
}

// findCycle runs Kahn's algorithm over the phase dependency graph; if any
// phase is never reduced to zero in-degree, it is part of a cycle.
func findCycle(phases []PhaseDefinition) (string, bool) {
	indegree := make(map[string]int, len(phases))
	dependents := make(map[string][]string, len(phases))

	for _, p := range phases {
		if _, ok := indegree[p.ID]; !ok {
			indegree[p.ID] = 0
		}
		for _, dep := range p.Dependencies {
			indegree[p.ID]++
			dependents[dep] = append(dependents[dep], p.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited < len(phases) {
		for id, deg := range indegree {
			if deg > 0 {
				return id, true
			}
		}
	}
	return "", false
}
