// Package wfbus implements the Plugin Bus: sequential
// lifecycle dispatch plus per-event, per-plugin concurrent fan-out of
// workflow events to the registered Plugins, isolating each plugin's
// panics and errors from its siblings.
package wfbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

// pluginFailuresTotal counts recovered panics and returned errors from
// plugin callbacks, by plugin id and operation.
var pluginFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "wfbus_plugin_failures_total",
	Help: "Plugin callback failures (panics or errors), by plugin id and operation.",
}, []string{"plugin_id", "op"})

func init() {
	prometheus.MustRegister(pluginFailuresTotal)
}

// Context is the object plugins receive on Start: the Kernel, the task
// scheduler, governance services, the typed event bus, and a logger.
type Context struct {
	Kernel     *wfkernel.Kernel
	Tasks      *wftask.Scheduler
	Governance *wfgovernance.Service
	Events     *wfevents.Bus
	Log        *slog.Logger
}

// Plugin is the contract every plugin registers: a unique id, a start
// hook that may subscribe to bus topics, a dispose hook, and an optional
// workflow-event handler invoked directly by the bus in addition to
// whatever topics the plugin subscribed to in Start.
type Plugin interface {
	ID() string
	Start(ctx context.Context, pctx *Context) error
	Dispose() error
}

// WorkflowEventHandler is implemented by plugins that want direct
// workflow_event delivery without managing their own subscription.
type WorkflowEventHandler interface {
	HandleWorkflowEvent(ev wfkernel.RuntimeEvent)
}

// Error is a plugin-bus domain error carrying the offending plugin's id.
type Error struct {
	PluginID string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("wfbus: plugin %q: %s: %v", e.PluginID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// eventHandlerEntry pairs a registered plugin's id with its
// WorkflowEventHandler capability, for the per-event fan-out in
// dispatchWorkflowEvent.
type eventHandlerEntry struct {
	id string
	h  WorkflowEventHandler
}

// Bus owns the registered plugin set. Lifecycle hooks (Start, Dispose)
// run sequentially in registration order; workflow_event delivery fans
// out to every WorkflowEventHandler plugin concurrently, one goroutine
// per plugin per event, each isolated from the others' panics and errors.
type Bus struct {
	pctx          *Context
	plugins       []Plugin
	eventHandlers []eventHandlerEntry
}

// New constructs a Bus that will hand pctx to every plugin's Start call.
func New(pctx *Context) *Bus {
	return &Bus{pctx: pctx}
}

// Register adds a plugin to the dispatch set. Call before Start.
func (b *Bus) Register(p Plugin) {
	b.plugins = append(b.plugins, p)
	if handler, ok := p.(WorkflowEventHandler); ok {
		b.eventHandlers = append(b.eventHandlers, eventHandlerEntry{id: p.ID(), h: handler})
	}
}

// Start calls Start(ctx, pctx) on every registered plugin in order, then
// subscribes the bus's own workflow_event fan-out dispatcher. A plugin
// whose Start panics or errors is logged and skipped; the rest still
// start.
func (b *Bus) Start(ctx context.Context) error {
	for _, p := range b.plugins {
		b.safeCall(p.ID(), "start", func() error {
			return p.Start(ctx, b.pctx)
		})
	}
	if len(b.eventHandlers) > 0 {
		wfevents.Subscribe(b.pctx.Events, wfevents.TopicWorkflowEvent, b.dispatchWorkflowEvent)
	}
	return nil
}

// dispatchWorkflowEvent hands ev to every registered WorkflowEventHandler
// concurrently via an errgroup, one goroutine per plugin: no plugin's
// failure or latency affects delivery to its siblings, and there is no
// cross-plugin ordering guarantee beyond "each plugin sees every event".
func (b *Bus) dispatchWorkflowEvent(ev wfkernel.RuntimeEvent) {
	g := new(errgroup.Group)
	for _, entry := range b.eventHandlers {
		entry := entry
		g.Go(func() error {
			b.safeCall(entry.id, "handle_workflow_event", func() error {
				entry.h.HandleWorkflowEvent(ev)
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()
}

// Dispose calls Dispose on every registered plugin, in reverse
// registration order, isolating each plugin's failure from its siblings.
func (b *Bus) Dispose() error {
	for i := len(b.plugins) - 1; i >= 0; i-- {
		p := b.plugins[i]
		b.safeCall(p.ID(), "dispose", p.Dispose)
	}
	return nil
}

func (b *Bus) safeCall(pluginID, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			pluginFailuresTotal.WithLabelValues(pluginID, op).Inc()
			wflog.L().Error("plugin bus: plugin panicked", "plugin", pluginID, "op", op, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		pluginFailuresTotal.WithLabelValues(pluginID, op).Inc()
		wflog.L().Error("plugin bus: plugin operation failed", "plugin", pluginID, "op", op, "error", err)
	}
}
