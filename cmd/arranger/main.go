// Command arranger is the host CLI for the workflow execution engine: it
// loads the template index and workspace config, wires the kernel, store,
// event bus, plugin bus, scheduler, a small agent pool, and the
// introspection HTTP API, then serves until signaled to stop.
//
// Usage:
//
//	arranger serve --workspace . --templates templates/index.json
//	arranger validate templates/universal_flow_v1.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/arranger/pkg/wfagent"
	"github.com/kadirpekel/arranger/pkg/wfagent/fakellm"
	"github.com/kadirpekel/arranger/pkg/wfbus"
	"github.com/kadirpekel/arranger/pkg/wfconfig"
	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wfobs"
	"github.com/kadirpekel/arranger/pkg/wfplugins"
	"github.com/kadirpekel/arranger/pkg/wfserver"
	"github.com/kadirpekel/arranger/pkg/wfstore"
	"github.com/kadirpekel/arranger/pkg/wftask"
	"github.com/kadirpekel/arranger/pkg/wftemplate"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Boot the engine: kernel, bus, scheduler, agent pool, and the status API."`
	Validate ValidateCmd `cmd:"" help:"Validate a workflow template file and exit."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the workflow template file format."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// SchemaCmd prints the JSON Schema for the template file format, for
// template-authoring tooling.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	schema := wftemplate.Schema()
	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(schema)
}

// ServeCmd boots the full engine.
type ServeCmd struct {
	Workspace string `help:"Workspace root containing .arranger/workflow-config.json." default:"." type:"path"`
	Templates string `help:"Path to the template index JSON file." default:"templates/index.json" type:"path"`
	Addr      string `help:"Listen address for the introspection HTTP API." default:":8080"`
	Agents    int    `help:"Number of fake-LLM-backed agent runtimes to start, each carrying every role." default:"2"`

	DBDriver string `help:"SQL driver for the task/agent store (sqlite3, postgres, mysql). Empty keeps the in-memory store." default:""`
	DBDSN    string `help:"Data source name for --db-driver." default:""`

	Trace bool `help:"Enable OpenTelemetry tracing; captured spans are served at /debug/spans."`
}

// ValidateCmd validates a single template file via RegisterDefinition,
// without booting anything else.
type ValidateCmd struct {
	Path string `arg:"" help:"Path to a WorkflowDefinition JSON file." type:"path"`
}

func (c *ValidateCmd) Run() error {
	provider, err := wftemplate.NewFileProvider(c.Path)
	if err != nil {
		return err
	}
	defer provider.Close()

	def, err := wftemplate.NewLoader(provider).Load(context.Background())
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	k := wfkernel.New(wfevents.New())
	if err := k.RegisterDefinition(def); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}

	fmt.Printf("ok: %s v%s (%d phases)\n", def.ID, def.Version, len(def.Phases))
	return nil
}

func (c *ServeCmd) Run() error {
	log := wflog.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spans, shutdownTracer, err := wfobs.Init(ctx, wfobs.Config{Enabled: c.Trace, ServiceName: "arranger"})
	if err != nil {
		return fmt.Errorf("arranger: tracer init: %w", err)
	}

	events := wfevents.New()
	kernel := wfkernel.New(events)
	gov := wfgovernance.New(events)

	var tasks wftask.TaskStore = wftask.NewInMemoryTaskStore()
	var agentStore wftask.AgentStore = wftask.NewInMemoryAgentStore()
	if c.DBDriver != "" {
		store, err := wfstore.NewSQLStore(c.DBDriver, c.DBDSN)
		if err != nil {
			return fmt.Errorf("arranger: opening task store: %w", err)
		}
		defer store.Close()
		tasks, agentStore = store, store
		log.Info("task store", "driver", c.DBDriver)
	}
	locks := wftask.NewMemLockTable()
	scheduler := wftask.New(tasks, agentStore, locks, events, wftask.Config{})

	mgr := wftemplate.NewManager(c.Templates, kernel, events)
	cfgLoader, err := wfconfig.NewLoader(c.Workspace, mgr)
	if err != nil {
		return fmt.Errorf("arranger: workspace config: %w", err)
	}
	if err := cfgLoader.Start(ctx); err != nil {
		return fmt.Errorf("arranger: selecting active template: %w", err)
	}
	log.Info("active workflow template", "id", mgr.Active())

	bus := wfbus.New(&wfbus.Context{
		Kernel:     kernel,
		Tasks:      scheduler,
		Governance: gov,
		Events:     events,
		Log:        log,
	})
	bus.Register(wfplugins.NewAutoTaskPlugin())
	bus.Register(wfplugins.NewClarifierPlugin())
	bus.Register(wfplugins.NewPlannerPlugin())
	bus.Register(wfplugins.NewBuilderPlugin())
	bus.Register(wfplugins.NewProofPlugin())
	bus.Register(wfplugins.NewMessagePolicyPlugin().WithWorkflowBootstrap(mgr.Active()))

	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("arranger: starting plugin bus: %w", err)
	}
	defer bus.Dispose()

	srv := wfserver.New(wfserver.Config{
		Kernel:    kernel,
		Scheduler: scheduler,
		Agents:    agentStore,
		Gov:       gov,
		Templates: mgr,
		Spans:     spans,
	})
	httpServer := &http.Server{Addr: c.Addr, Handler: srv}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		return cfgLoader.Watch(gctx)
	})

	g.Go(func() error {
		log.Info("introspection API listening", "addr", c.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	startAgentPool(gctx, g, c.Agents, scheduler, agentStore, gov, events, log)

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	// Agent runtimes mark themselves offline and release their own
	// claims as they unwind.
	werr := g.Wait()
	_ = shutdownTracer(shutdownCtx)
	if werr != nil && ctx.Err() == nil {
		return werr
	}
	return nil
}

// every role the universal template's auto_tasks reference, so the demo
// agent pool never leaves a role uncovered.
var demoRoles = []string{
	"clarifier", "frontend", "backend", "qa", "docs", "build", "ops", "human_portal",
}

func startAgentPool(
	ctx context.Context,
	g *errgroup.Group,
	n int,
	scheduler *wftask.Scheduler,
	agentStore wftask.AgentStore,
	gov *wfgovernance.Service,
	events *wfevents.Bus,
	log *slog.Logger,
) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("agent-%d", i+1)
		llm := fakellm.NewStatic("fake-v1", "done")

		rt, err := wfagent.New(id, demoRoles, llm, noopTools{}, nil, scheduler, agentStore, gov, events, wfagent.Config{})
		if err != nil {
			log.Error("agent runtime construction failed", "agent", id, "error", err)
			continue
		}
		g.Go(func() error { return rt.Run(ctx) })
	}
}

// noopTools is the ToolInvoker used by the demo agent pool; no core code
// depends on real tool execution.
type noopTools struct{}

func (noopTools) Invoke(_ context.Context, call wfagent.ToolCall) (string, error) {
	return "", fmt.Errorf("arranger: no tool invoker configured for %q", call.Name)
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("arranger"),
		kong.Description("Multi-agent workflow execution engine."),
		kong.UsageOnError(),
	)

	wflog.Init(wflog.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	err := kctx.Run()
	kctx.FatalIfErrorf(err)
}
