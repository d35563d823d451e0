package wfplugins

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateFeatureBreakdown_ProducesFiveTaggedTasks(t *testing.T) {
	gen, ok := GeneratorByName("feature_breakdown")
	require.True(t, ok)

	specs := gen(GeneratorRequest{
		Scenario: "new_feature",
		Metadata: map[string]any{"requirementContent": "登录页面"},
	})

	require.Len(t, specs, 5)
	for _, spec := range specs {
		require.Contains(t, spec.Labels, labelWorkflowBusinessTask)
		require.Contains(t, spec.Labels, "scenario:new_feature")
	}

	var qa *TaskSpec
	for i := range specs {
		if specs[i].Intent == "qa" {
			qa = &specs[i]
		}
	}
	require.NotNil(t, qa)
	automation, ok := qa.Metadata["automation"].(map[string]any)
	require.True(t, ok)
	cmd, ok := automation["command"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(cmd, "echo"))
}

func TestGeneratorByName_UnknownReturnsFalse(t *testing.T) {
	_, ok := GeneratorByName("no_such_generator")
	require.False(t, ok)
}

func TestGenerateBugfixLane_ProducesReproduceFixVerify(t *testing.T) {
	gen, ok := GeneratorByName("bugfix_lane")
	require.True(t, ok)

	specs := gen(GeneratorRequest{Scenario: "bug_fix", Metadata: map[string]any{"requirementContent": "login crash"}})
	require.Len(t, specs, 3)
	require.Equal(t, "reproduce", specs[0].Intent)
	require.Equal(t, "fix", specs[1].Intent)
	require.Equal(t, "verify", specs[2].Intent)
}
