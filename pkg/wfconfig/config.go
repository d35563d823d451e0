// Package wfconfig loads the workspace configuration file and drives the active
// workflow template selection from its single `workflowTemplateId`
// field, reusing wftemplate's fsnotify-backed Provider rather than a
// second file-watch implementation.
package wfconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wftemplate"
)

// DefaultWorkflowTemplateID is used when the workspace config file is
// missing or omits the field.
const DefaultWorkflowTemplateID = "universal_flow_v1"

// WorkspaceConfig is the decoded contents of workflow-config.json.
type WorkspaceConfig struct {
	WorkflowTemplateID string `json:"workflowTemplateId"`
}

// SetDefaults fills WorkflowTemplateID when the file omitted it.
func (c *WorkspaceConfig) SetDefaults() {
	if c.WorkflowTemplateID == "" {
		c.WorkflowTemplateID = DefaultWorkflowTemplateID
	}
}

// Loader reads the workspace config file, applies it to a
// wftemplate.Manager, and can watch the file for subsequent changes to
// workflowTemplateId.
type Loader struct {
	path     string
	provider wftemplate.Provider
	manager  *wftemplate.Manager
}

// NewLoader constructs a Loader for workspaceRoot's .arranger directory,
// applying selections to manager.
func NewLoader(workspaceRoot string, manager *wftemplate.Manager) (*Loader, error) {
	path := filepath.Join(workspaceRoot, ".arranger", "workflow-config.json")
	provider, err := wftemplate.NewFileProvider(path)
	if err != nil {
		return nil, fmt.Errorf("wfconfig: %w", err)
	}
	return &Loader{path: path, provider: provider, manager: manager}, nil
}

// Load reads and decodes the workspace config, falling back to
// DefaultWorkflowTemplateID with a warning if the file is missing or
// unreadable rather than failing startup over it.
func (l *Loader) Load(ctx context.Context) (*WorkspaceConfig, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		wflog.L().Warn("wfconfig: workspace config unreadable, using default template", "path", l.path, "error", err)
		return &WorkspaceConfig{WorkflowTemplateID: DefaultWorkflowTemplateID}, nil
	}

	var cfg WorkspaceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("wfconfig: decode %s: %w", l.path, err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// Start loads the workspace config once and selects the resulting
// template as active.
func (l *Loader) Start(ctx context.Context) error {
	cfg, err := l.Load(ctx)
	if err != nil {
		return err
	}
	_, err = l.manager.SelectActive(ctx, cfg.WorkflowTemplateID)
	return err
}

// Watch blocks reacting to workspace config file changes until ctx is
// cancelled, re-selecting the active template on every change. A
// selection that fails validation is logged and the previously active
// template keeps running (wftemplate.Manager.SelectActive's own
// invariant).
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return err
	}
	if changes == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			cfg, err := l.Load(ctx)
			if err != nil {
				wflog.L().Warn("wfconfig: reload failed, keeping previous selection", "error", err)
				continue
			}
			if _, err := l.manager.SelectActive(ctx, cfg.WorkflowTemplateID); err != nil {
				wflog.L().Warn("wfconfig: template selection failed, keeping previous template active",
					"requested", cfg.WorkflowTemplateID, "error", err)
			}
		}
	}
}

// Close releases the underlying provider's resources.
func (l *Loader) Close() error { return l.provider.Close() }
