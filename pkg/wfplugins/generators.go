package wfplugins

import (
	"fmt"

	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wfregistry"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

// GeneratorRequest is what an auto-task generator sees: the phase's
// auto_tasks template entry and the instance it is spawning tasks into.
type GeneratorRequest struct {
	WorkflowID string
	InstanceID string
	PhaseID    string
	Template   wfkernel.AutoTaskTemplate
	Scenario   string
	Metadata   map[string]any
}

// TaskSpec is one task a generator wants spawned. The Auto-Task Plugin
// turns each TaskSpec into a CreateTaskOnceByLabel call, adding the
// workflow/phase/instance bookkeeping labels on top of whatever the
// generator contributes here.
type TaskSpec struct {
	Title    string
	Intent   string
	Scope    string
	Priority wftask.Priority
	Role     string
	Labels   []string
	Metadata map[string]any
}

// GeneratorFunc produces the tasks a phase's auto_tasks template entry
// spawns for one instance.
type GeneratorFunc func(req GeneratorRequest) []TaskSpec

// GeneratorRegistry is the process-wide, immutable-after-init table of
// auto-task generators, populated once at bootstrap and never mutated
// thereafter.
var GeneratorRegistry = wfregistry.NewBaseRegistry[GeneratorFunc]()

func init() {
	mustRegisterGenerator("feature_breakdown", generateFeatureBreakdown)
	mustRegisterGenerator("bugfix_lane", generateBugfixLane)
	mustRegisterGenerator("doc_delivery", generateDocDelivery)
	mustRegisterGenerator("ops_hotfix", generateOpsHotfix)
	mustRegisterGenerator("test_request", generateTestRequest)
}

func mustRegisterGenerator(name string, fn GeneratorFunc) {
	if err := GeneratorRegistry.Register(name, fn); err != nil {
		panic(err)
	}
}

// GeneratorByName returns a registered generator, for the Auto-Task
// Plugin and for tests.
func GeneratorByName(name string) (GeneratorFunc, bool) {
	return GeneratorRegistry.Get(name)
}

func withBusinessLabels(specs []TaskSpec, scenario string) []TaskSpec {
	extra := []string{labelWorkflowBusinessTask}
	if scenario != "" {
		extra = append(extra, labelScenarioPrefix+scenario)
	}
	for i := range specs {
		specs[i].Labels = append(append([]string(nil), extra...), specs[i].Labels...)
	}
	return specs
}

// generateFeatureBreakdown spawns the clarify -> frontend/backend ->
// qa+automation -> doc pipeline for a new_feature-classified
// requirement.
func generateFeatureBreakdown(req GeneratorRequest) []TaskSpec {
	content := requirementContent(req)
	specs := []TaskSpec{
		{
			Title: fmt.Sprintf("Clarify requirement: %s", content), Intent: "clarify",
			Role: "clarifier", Priority: wftask.PriorityHigh,
		},
		{
			Title: fmt.Sprintf("Frontend implementation: %s", content), Intent: "implement_frontend",
			Role: "frontend", Priority: wftask.PriorityMedium,
		},
		{
			Title: fmt.Sprintf("Backend implementation: %s", content), Intent: "implement_backend",
			Role: "backend", Priority: wftask.PriorityMedium,
		},
		{
			Title: fmt.Sprintf("QA + automation: %s", content), Intent: "qa",
			Role: "qa", Priority: wftask.PriorityMedium,
			Metadata: map[string]any{
				"automation": map[string]any{
					"command": fmt.Sprintf("echo run-qa-suite %s", content),
				},
			},
		},
		{
			Title: fmt.Sprintf("Documentation: %s", content), Intent: "document",
			Role: "docs", Priority: wftask.PriorityLow,
		},
	}
	return withBusinessLabels(specs, req.Scenario)
}

// generateBugfixLane spawns a reproduce -> fix -> verify lane.
func generateBugfixLane(req GeneratorRequest) []TaskSpec {
	content := requirementContent(req)
	specs := []TaskSpec{
		{Title: fmt.Sprintf("Reproduce: %s", content), Intent: "reproduce", Role: "qa", Priority: wftask.PriorityHigh},
		{Title: fmt.Sprintf("Fix: %s", content), Intent: "fix", Role: "build", Priority: wftask.PriorityHigh},
		{Title: fmt.Sprintf("Verify fix: %s", content), Intent: "verify", Role: "qa", Priority: wftask.PriorityMedium},
	}
	return withBusinessLabels(specs, req.Scenario)
}

// generateDocDelivery spawns a draft -> review pair.
func generateDocDelivery(req GeneratorRequest) []TaskSpec {
	content := requirementContent(req)
	specs := []TaskSpec{
		{Title: fmt.Sprintf("Draft docs: %s", content), Intent: "draft_docs", Role: "docs", Priority: wftask.PriorityMedium},
		{Title: fmt.Sprintf("Review docs: %s", content), Intent: "review_docs", Role: "docs", Priority: wftask.PriorityLow},
	}
	return withBusinessLabels(specs, req.Scenario)
}

// generateOpsHotfix spawns a diagnose -> patch -> rollback-plan lane, all
// high priority.
func generateOpsHotfix(req GeneratorRequest) []TaskSpec {
	content := requirementContent(req)
	specs := []TaskSpec{
		{Title: fmt.Sprintf("Diagnose incident: %s", content), Intent: "diagnose", Role: "ops", Priority: wftask.PriorityHigh},
		{Title: fmt.Sprintf("Patch: %s", content), Intent: "patch", Role: "ops", Priority: wftask.PriorityHigh},
		{Title: fmt.Sprintf("Rollback plan: %s", content), Intent: "rollback_plan", Role: "ops", Priority: wftask.PriorityHigh},
	}
	return withBusinessLabels(specs, req.Scenario)
}

// generateTestRequest spawns a single write-tests task.
func generateTestRequest(req GeneratorRequest) []TaskSpec {
	content := requirementContent(req)
	specs := []TaskSpec{
		{Title: fmt.Sprintf("Write tests: %s", content), Intent: "write_tests", Role: "qa", Priority: wftask.PriorityMedium},
	}
	return withBusinessLabels(specs, req.Scenario)
}

func requirementContent(req GeneratorRequest) string {
	if c := metadataString(req.Metadata, "requirementContent"); c != "" {
		return c
	}
	return req.PhaseID
}
