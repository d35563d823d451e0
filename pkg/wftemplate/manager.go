package wftemplate

import (
	"context"
	"fmt"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wflog"
)

// Manager resolves a workflowTemplateId against a template index and
// registers the referenced WorkflowDefinition into a Kernel.
// Requesting an id missing from the index falls back to the index's first
// template with a logged warning rather than failing outright; an
// unreadable index is an error.
type Manager struct {
	indexPath string
	kernel    *wfkernel.Kernel
	events    *wfevents.Bus

	active string
}

// Update is the payload Manager publishes on TopicWorkflowTemplateUpdate.
type Update struct {
	TemplateID string
	Version    string
	OK         bool
	Error      string
}

// NewManager constructs a Manager over the template index at indexPath.
func NewManager(indexPath string, kernel *wfkernel.Kernel, events *wfevents.Bus) *Manager {
	return &Manager{indexPath: indexPath, kernel: kernel, events: events}
}

// Active returns the currently registered template id, or "" if
// SelectActive has never succeeded.
func (m *Manager) Active() string { return m.active }

// SelectActive resolves templateID against the index, loads and registers
// its WorkflowDefinition, and publishes a template_update event. A
// template that fails to resolve, load, or validate never disturbs the
// previously active definition still registered in the kernel.
func (m *Manager) SelectActive(ctx context.Context, templateID string) (*wfkernel.WorkflowDefinition, error) {
	idx, err := LoadIndex(m.indexPath)
	if err != nil {
		m.publish(Update{OK: false, Error: err.Error()})
		return nil, err
	}

	entry, found := idx.Find(templateID)
	if !found {
		wflog.L().Warn("wftemplate: requested template not found, falling back to first available",
			"requested", templateID, "fallback", entry.ID)
	}

	path := ResolvePath(m.indexPath, entry)
	provider, err := NewFileProvider(path)
	if err != nil {
		m.publish(Update{TemplateID: entry.ID, OK: false, Error: err.Error()})
		return nil, err
	}
	defer provider.Close()

	def, err := NewLoader(provider).Load(ctx)
	if err != nil {
		m.publish(Update{TemplateID: entry.ID, OK: false, Error: err.Error()})
		return nil, err
	}

	if err := m.kernel.ReplaceDefinition(def); err != nil {
		m.publish(Update{TemplateID: def.ID, Version: def.Version, OK: false, Error: err.Error()})
		return nil, fmt.Errorf("wftemplate: register %q: %w", def.ID, err)
	}

	m.active = def.ID
	m.publish(Update{TemplateID: def.ID, Version: def.Version, OK: true})
	return def, nil
}

func (m *Manager) publish(u Update) {
	if m.events != nil {
		m.events.Publish(wfevents.TopicWorkflowTemplateUpdate, u)
	}
}
