package wftemplate_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wftemplate"
)

const validTemplate = `{
	"id": "universal_flow_v1",
	"name": "Universal Flow",
	"version": "1",
	"phases": [
		{"id": "intake", "title": "Intake"},
		{
			"id": "build",
			"title": "Build",
			"dependencies": ["intake"],
			"entry": {"auto_tasks": [{"generator": "feature_breakdown", "title": "Break down", "intent": "new_feature"}]},
			"exit": {"require_tasks_completed": ["build"]}
		}
	]
}`

const cyclicTemplate = `{
	"id": "broken_flow",
	"name": "Broken Flow",
	"version": "1",
	"phases": [
		{"id": "a", "dependencies": ["b"]},
		{"id": "b", "dependencies": ["a"]}
	]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadDecodesNestedExternalShape(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "template.json", validTemplate)
	provider, err := wftemplate.NewFileProvider(path)
	require.NoError(t, err)
	loader := wftemplate.NewLoader(provider)

	def, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "universal_flow_v1", def.ID)
	require.Equal(t, "Universal Flow", def.Name)
	require.Len(t, def.Phases, 2)

	build := def.Phases[1]
	require.Equal(t, []string{"intake"}, build.Dependencies)
	require.Len(t, build.EntryAutoTask, 1)
	require.Equal(t, "feature_breakdown", build.EntryAutoTask[0].Generator)
	require.Equal(t, []string{"build"}, build.Exit.RequireTasksCompleted)
}

func indexWith(t *testing.T, dir string, entries ...wftemplate.IndexEntry) string {
	t.Helper()
	idx := wftemplate.Index{Templates: entries}
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	return writeFile(t, dir, "index.json", string(data))
}

func TestManager_SelectActiveRegistersResolvedTemplate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "universal.json", validTemplate)
	indexPath := indexWith(t, dir, wftemplate.IndexEntry{ID: "universal_flow_v1", Name: "Universal", Path: "universal.json"})

	events := wfevents.New()
	kernel := wfkernel.New(events)
	mgr := wftemplate.NewManager(indexPath, kernel, events)

	var updates []wftemplate.Update
	wfevents.Subscribe(events, wfevents.TopicWorkflowTemplateUpdate, func(u wftemplate.Update) {
		updates = append(updates, u)
	})

	def, err := mgr.SelectActive(context.Background(), "universal_flow_v1")
	require.NoError(t, err)
	require.Equal(t, "universal_flow_v1", def.ID)
	require.Equal(t, "universal_flow_v1", mgr.Active())

	_, ok := kernel.GetDefinition("universal_flow_v1")
	require.True(t, ok)
	require.Len(t, updates, 1)
	require.True(t, updates[0].OK)
}

func TestManager_SelectActiveFallsBackToFirstWhenIDUnknown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "universal.json", validTemplate)
	indexPath := indexWith(t, dir, wftemplate.IndexEntry{ID: "universal_flow_v1", Name: "Universal", Path: "universal.json"})

	events := wfevents.New()
	kernel := wfkernel.New(events)
	mgr := wftemplate.NewManager(indexPath, kernel, events)

	def, err := mgr.SelectActive(context.Background(), "does_not_exist")
	require.NoError(t, err)
	require.Equal(t, "universal_flow_v1", def.ID)
}

func TestManager_SelectActiveRejectsCyclicTemplate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", cyclicTemplate)
	indexPath := indexWith(t, dir, wftemplate.IndexEntry{ID: "broken_flow", Name: "Broken", Path: "broken.json"})

	events := wfevents.New()
	kernel := wfkernel.New(events)
	mgr := wftemplate.NewManager(indexPath, kernel, events)

	_, err := mgr.SelectActive(context.Background(), "broken_flow")
	require.Error(t, err)
	require.Equal(t, "", mgr.Active())
}

func TestSchema_ReflectsTemplateFileShape(t *testing.T) {
	schema := wftemplate.Schema()
	require.Equal(t, "Workflow Template", schema.Title)
	require.NotNil(t, schema.Properties)
}
