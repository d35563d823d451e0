// Package wfevents implements the engine's typed in-process event bus.
//
// Publication is synchronous: Publish delivers to every subscriber, in the
// order they registered, before returning. A subscriber that panics or
// returns is isolated from its siblings — one failing handler never
// prevents the rest of the fan-out, matching the Plugin Bus's exception
// isolation contract.
package wfevents

import (
	"sync"

	"github.com/kadirpekel/arranger/pkg/wflog"
)

// Topic identifies one of the engine's event channels.
type Topic string

const (
	// TopicTasksUpdate carries []*wftask.Task-shaped payloads whenever one
	// or more tasks change status.
	TopicTasksUpdate Topic = "tasks_update"

	// TopicMessagesUpdate carries newly created blackboard messages.
	TopicMessagesUpdate Topic = "messages_update"

	// TopicVotesUpdate carries vote topic changes.
	TopicVotesUpdate Topic = "votes_update"

	// TopicApprovalsUpdate carries approval changes.
	TopicApprovalsUpdate Topic = "approvals_update"

	// TopicWorkflowEvent carries kernel lifecycle events (phase_enter,
	// phase_complete, phase_blocked, workflow_completed).
	TopicWorkflowEvent Topic = "workflow_event"

	// TopicWorkflowInstancesUpdate carries workflow instance summaries.
	TopicWorkflowInstancesUpdate Topic = "workflow_instances_update"

	// TopicLLMStreamUpdate carries streamed LLM content-delta/done/error
	// chunks. The core never subscribes to this; it exists for UI
	// collaborators outside this repository's scope.
	TopicLLMStreamUpdate Topic = "llm_stream_update"

	// TopicWorkflowTemplateUpdate carries template registration/reload
	// notifications.
	TopicWorkflowTemplateUpdate Topic = "workflow_template_update"
)

// Handler receives a topic's payload. The concrete type behind payload is
// documented per Topic constant above; use Subscribe for a type-checked
// wrapper.
type Handler func(payload any)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

type subscription struct {
	id int
	h  Handler
}

// Bus is the process-wide typed pub/sub dispatcher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID int
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// On registers h for topic and returns a function that removes it.
func (b *Bus) On(topic Topic, h Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every subscriber of topic, in registration
// order, isolating panics per-subscriber.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	// Copy the slice so handlers may subscribe/unsubscribe during delivery
	// without racing the live slice.
	list := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range list {
		b.deliver(topic, s, payload)
	}
}

func (b *Bus) deliver(topic Topic, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			wflog.L().Error("event bus: subscriber panicked",
				"topic", string(topic), "subscriber_id", s.id, "panic", r)
		}
	}()
	s.h(payload)
}

// Subscribe wraps On with a type-asserting handler for payloads of type T.
// Mismatched payload types are logged and dropped rather than panicking.
func Subscribe[T any](b *Bus, topic Topic, h func(T)) Unsubscribe {
	return b.On(topic, func(payload any) {
		v, ok := payload.(T)
		if !ok {
			wflog.L().Warn("event bus: payload type mismatch", "topic", string(topic))
			return
		}
		h(v)
	})
}
