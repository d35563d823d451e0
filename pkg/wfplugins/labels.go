// Package wfplugins implements the standard plugin set: the
// Auto-Task Plugin, the Clarifier/Planner/Builder phase watchers, the
// Proof Plugin, and the Message Policy Plugin. Every plugin here is a
// wfbus.Plugin registered with the Plugin Bus; several also implement
// wfbus.WorkflowEventHandler to react to kernel lifecycle events.
package wfplugins

import "strings"

const (
	labelWorkflowPrefix         = "workflow:"
	labelWorkflowPhasePrefix    = "workflow_phase:"
	labelWorkflowInstancePrefix = "workflow_instance:"
	labelWorkflowRolePrefix     = "workflow_role:"
	labelScenarioPrefix         = "scenario:"
	labelDecisionPrefix         = "decision:"
	labelArtifactPrefix         = "artifact:"
	labelWorkflowAuto           = "workflow:auto"
	labelWorkflowBusinessTask   = "workflow:business_task"
	labelWorkflowHumanRequired  = "workflow:human_required"
	labelWorkflowHumanPortal    = "workflow_role:human_portal"
)

// instanceIDFromLabels extracts the "workflow_instance:<id>" label value,
// the label convention that doubles as a secondary index.
func instanceIDFromLabels(labels []string) string {
	return firstWithPrefix(labels, labelWorkflowInstancePrefix)
}

func phaseIDFromLabels(labels []string) string {
	return firstWithPrefix(labels, labelWorkflowPhasePrefix)
}

func firstWithPrefix(labels []string, prefix string) string {
	for _, l := range labels {
		if v, ok := strings.CutPrefix(l, prefix); ok {
			return v
		}
	}
	return ""
}

func allWithPrefix(labels []string, prefix string) []string {
	var out []string
	for _, l := range labels {
		if v, ok := strings.CutPrefix(l, prefix); ok {
			out = append(out, v)
		}
	}
	return out
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// firstScenario returns the first entry of an instance's metadata.scenario
// slice, or "" if absent or empty.
func firstScenario(metadata map[string]any) string {
	raw, ok := metadata["scenario"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func metadataString(metadata map[string]any, key string) string {
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}
