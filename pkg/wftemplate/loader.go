package wftemplate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wflog"
)

// definitionDTO mirrors the external JSON shape of a WorkflowDefinition
// file: nested entry.auto_tasks and exit.require_*
// objects, snake_case keys. wfkernel.WorkflowDefinition itself keeps the
// flatter Go-idiomatic shape the kernel was built against; the DTO only
// exists at the file-format boundary.
type definitionDTO struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Version string     `json:"version"`
	Phases  []phaseDTO `json:"phases"`
}

type phaseDTO struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Dependencies []string `json:"dependencies"`
	ScenarioTags []string `json:"scenario_tags"`
	Entry        struct {
		AutoTasks []autoTaskDTO `json:"auto_tasks"`
	} `json:"entry"`
	Exit exitDTO `json:"exit"`
}

type autoTaskDTO struct {
	Generator string         `json:"generator"`
	Title     string         `json:"title"`
	Intent    string         `json:"intent"`
	Scope     string         `json:"scope"`
	Priority  string         `json:"priority"`
	Role      string         `json:"role"`
	Labels    []string       `json:"labels"`
	Metadata  map[string]any `json:"metadata"`
}

type exitDTO struct {
	RequireDecisions      []string `json:"require_decisions"`
	RequireArtifacts      []string `json:"require_artifacts"`
	RequireTasksCreated   []string `json:"require_tasks_created"`
	RequireTasksCompleted []string `json:"require_tasks_completed"`
	RequireDefectsOpenMax int      `json:"require_defects_open_max"`
}

func (d definitionDTO) toDefinition() *wfkernel.WorkflowDefinition {
	def := &wfkernel.WorkflowDefinition{ID: d.ID, Name: d.Name, Version: d.Version}
	for _, p := range d.Phases {
		autoTasks := make([]wfkernel.AutoTaskTemplate, 0, len(p.Entry.AutoTasks))
		for _, a := range p.Entry.AutoTasks {
			autoTasks = append(autoTasks, wfkernel.AutoTaskTemplate{
				Generator: a.Generator, Title: a.Title, Intent: a.Intent, Scope: a.Scope,
				Priority: a.Priority, Role: a.Role, Labels: a.Labels, Metadata: a.Metadata,
			})
		}
		def.Phases = append(def.Phases, wfkernel.PhaseDefinition{
			ID: p.ID, Title: p.Title, Dependencies: p.Dependencies, ScenarioTags: p.ScenarioTags,
			EntryAutoTask: autoTasks,
			Exit: wfkernel.ExitGate{
				RequireDecisions:      p.Exit.RequireDecisions,
				RequireArtifacts:      p.Exit.RequireArtifacts,
				RequireTasksCreated:   p.Exit.RequireTasksCreated,
				RequireTasksCompleted: p.Exit.RequireTasksCompleted,
				RequireDefectsOpenMax: p.Exit.RequireDefectsOpenMax,
			},
		})
	}
	return def
}

// Loader reads a WorkflowDefinition file from a Provider, expanding
// ${VAR} environment references before decoding the external JSON shape.
type Loader struct {
	provider Provider
	onChange func(*wfkernel.WorkflowDefinition)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets the callback Watch invokes after each successful
// reload.
func WithOnChange(fn func(*wfkernel.WorkflowDefinition)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

// NewLoader constructs a Loader over provider.
func NewLoader(provider Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: provider}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, env-expands, and decodes one WorkflowDefinition. Validation
// is left to the caller (typically Kernel.RegisterDefinition/
// ReplaceDefinition), which already enforces phase-graph invariants.
func (l *Loader) Load(ctx context.Context) (*wfkernel.WorkflowDefinition, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, err
	}

	var dto definitionDTO
	if err := json.Unmarshal([]byte(expandEnvVars(string(data))), &dto); err != nil {
		return nil, fmt.Errorf("wftemplate: decode template: %w", err)
	}
	return dto.toDefinition(), nil
}

// Watch blocks, reloading and invoking onChange on every provider change
// signal, until ctx is cancelled. A reload that fails to parse or decode
// is logged and skipped; it never replaces the previously active
// definition.
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
			def, err := l.Load(ctx)
			if err != nil {
				wflog.L().Warn("wftemplate: reload failed, keeping previous template", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(def)
			}
		}
	}
}

func (l *Loader) Close() error { return l.provider.Close() }

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars substitutes ${VAR} and ${VAR:-default} references in raw
// template text, letting a template point at environment-specific values
// without forking the file.
func expandEnvVars(text string) string {
	return envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		inner := match[2 : len(match)-1]
		if idx := strings.Index(inner, ":-"); idx != -1 {
			name, def := inner[:idx], inner[idx+2:]
			if v, ok := os.LookupEnv(name); ok && v != "" {
				return v
			}
			return def
		}
		return os.Getenv(inner)
	})
}
