package wfbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
)

type fakePlugin struct {
	id       string
	started  bool
	disposed bool
	startErr error
	events   []wfkernel.RuntimeEvent
}

func (p *fakePlugin) ID() string { return p.id }

func (p *fakePlugin) Start(ctx context.Context, pctx *Context) error {
	p.started = true
	return p.startErr
}

func (p *fakePlugin) Dispose() error {
	p.disposed = true
	return nil
}

func (p *fakePlugin) HandleWorkflowEvent(ev wfkernel.RuntimeEvent) {
	p.events = append(p.events, ev)
}

type panickingPlugin struct{ id string }

func (p *panickingPlugin) ID() string { return p.id }
func (p *panickingPlugin) Start(ctx context.Context, pctx *Context) error {
	panic("boom")
}
func (p *panickingPlugin) Dispose() error { return nil }

func TestBus_StartDispatchesToAllPlugins(t *testing.T) {
	events := wfevents.New()
	pctx := &Context{Events: events}
	bus := New(pctx)

	a := &fakePlugin{id: "plugin-a"}
	b := &fakePlugin{id: "plugin-b"}
	bus.Register(a)
	bus.Register(b)

	require.NoError(t, bus.Start(context.Background()))
	require.True(t, a.started)
	require.True(t, b.started)
}

func TestBus_PanickingPluginDoesNotBlockSiblings(t *testing.T) {
	events := wfevents.New()
	pctx := &Context{Events: events}
	bus := New(pctx)

	bus.Register(&panickingPlugin{id: "bad"})
	good := &fakePlugin{id: "good"}
	bus.Register(good)

	require.NoError(t, bus.Start(context.Background()))
	require.True(t, good.started, "a sibling's panic must not prevent this plugin from starting")
}

func TestBus_WorkflowEventHandlerReceivesEvents(t *testing.T) {
	events := wfevents.New()
	pctx := &Context{Events: events}
	bus := New(pctx)

	p := &fakePlugin{id: "watcher"}
	bus.Register(p)
	require.NoError(t, bus.Start(context.Background()))

	events.Publish(wfevents.TopicWorkflowEvent, wfkernel.RuntimeEvent{
		Type:    wfkernel.EventPhaseEnter,
		PhaseID: "build",
	})

	require.Len(t, p.events, 1)
	require.Equal(t, "build", p.events[0].PhaseID)
}

func TestBus_DisposeCallsEveryPlugin(t *testing.T) {
	events := wfevents.New()
	pctx := &Context{Events: events}
	bus := New(pctx)

	a := &fakePlugin{id: "a"}
	b := &fakePlugin{id: "b"}
	bus.Register(a)
	bus.Register(b)

	require.NoError(t, bus.Dispose())
	require.True(t, a.disposed)
	require.True(t, b.disposed)
}
