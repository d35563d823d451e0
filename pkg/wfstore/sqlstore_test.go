package wfstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wftask"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_CreateGetTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := wftask.NewTask(wftask.Input{SessionID: "sess-1", Title: "do the thing", Labels: []string{"workflow:auto"}}, wftask.StatusPending)
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.Title, got.Title)
	require.Equal(t, task.Labels, got.Labels)
}

func TestSQLStore_UpdateTask_Overwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := wftask.NewTask(wftask.Input{SessionID: "sess-1", Title: "v1"}, wftask.StatusPending)
	require.NoError(t, s.CreateTask(ctx, task))

	task.Status = wftask.StatusQueued
	task.Title = "v2"
	require.NoError(t, s.UpdateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Title)
	require.Equal(t, wftask.StatusQueued, got.Status)
}

func TestSQLStore_FindTaskByLabel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1 := wftask.NewTask(wftask.Input{SessionID: "sess-1", Title: "a", Labels: []string{"workflow_phase:build"}}, wftask.StatusPending)
	t2 := wftask.NewTask(wftask.Input{SessionID: "sess-1", Title: "b"}, wftask.StatusPending)
	require.NoError(t, s.CreateTask(ctx, t1))
	require.NoError(t, s.CreateTask(ctx, t2))

	found, err := s.FindTaskByLabel(ctx, "workflow_phase:build")
	require.NoError(t, err)
	require.Equal(t, t1.ID, found.ID)

	notFound, err := s.FindTaskByLabel(ctx, "no-such-label")
	require.NoError(t, err)
	require.Nil(t, notFound)
}

func TestSQLStore_ListTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateTask(ctx, wftask.NewTask(wftask.Input{SessionID: "sess-1", Title: "a"}, wftask.StatusPending)))
	require.NoError(t, s.CreateTask(ctx, wftask.NewTask(wftask.Input{SessionID: "sess-1", Title: "b"}, wftask.StatusPending)))

	all, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSQLStore_AgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &wftask.Agent{ID: "agent-1", Roles: []string{"build"}, Status: wftask.AgentOnline, IsEnabled: true}
	require.NoError(t, s.UpdateAgent(ctx, a))

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, a.Roles, got.Roles)
	require.True(t, got.HasRole("build"))

	a.Status = wftask.AgentBusy
	require.NoError(t, s.UpdateAgent(ctx, a))
	got, err = s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, wftask.AgentBusy, got.Status)

	all, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestNewSQLStore_RejectsUnsupportedDialect(t *testing.T) {
	_, err := NewSQLStore("oracle", "dsn")
	require.Error(t, err)
}
