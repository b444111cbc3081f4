package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/inputs"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

// workflowFile is the on-disk graph document the runner consumes.
type workflowFile struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Nodes      []schema.Node  `json:"nodes"`
	Edges      []schema.Edge  `json:"edges,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := loadConfig()

	var (
		workflowPath = flag.String("f", "", "workflow JSON file (required)")
		varsJSON     = flag.String("vars", "", "run variables as a JSON object, merged over the file's variables")
		condEngine   = flag.String("condition-engine", cfg.ConditionEngine, `condition backend: "expr" or "cel"`)
		agentURL     = flag.String("agent-url", cfg.AgentBaseURL, "base URL of the agent backend")
		record       = flag.Bool("record", false, "persist the run to the history database")
		validateOnly = flag.Bool("validate", false, "validate the workflow and exit")
	)
	flag.Parse()

	logger := newLogger(cfg.LogLevel)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "usage: loom -f workflow.json [-vars '{...}'] [-record] [-validate]")
		return 2
	}

	wf, err := loadWorkflow(*workflowPath)
	if err != nil {
		logger.Error("load workflow", slog.String("error", err.Error()))
		return 1
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		logger.Error("build validator", slog.String("error", err.Error()))
		return 1
	}
	if err := validator.ValidateWorkflow(wf.Nodes, wf.Edges); err != nil {
		logger.Error("workflow invalid", slog.String("error", err.Error()))
		return 1
	}
	if *validateOnly {
		fmt.Println("workflow is valid")
		return 0
	}

	variables := wf.Variables
	if *varsJSON != "" {
		overrides := map[string]any{}
		if err := json.Unmarshal([]byte(*varsJSON), &overrides); err != nil {
			logger.Error("parse -vars", slog.String("error", err.Error()))
			return 1
		}
		if variables == nil {
			variables = map[string]any{}
		}
		for k, v := range overrides {
			variables[k] = v
		}
	}

	hub := streaming.NewMemoryHub()
	broker := inputs.NewBroker(func(req inputs.Request) {
		if req.Prompt != "" {
			fmt.Fprintf(os.Stderr, "%s\n", req.Prompt)
		}
		fmt.Fprintf(os.Stderr, "input for node %s> ", req.NodeID)
	})

	opts := []engine.Option{
		engine.WithPoolSize(cfg.PoolSize),
		engine.WithConditionEngine(*condEngine),
		engine.WithInputProvider(broker),
		engine.WithHub(hub),
		engine.WithLogger(logger),
	}
	if *agentURL != "" {
		opts = append(opts, engine.WithAgentInvoker(nodes.NewHTTPAgentInvoker(*agentURL, 0)))
	}

	execCtx := schema.ExecutionContext{
		WorkflowID: wf.WorkflowID,
		Variables:  variables,
	}

	eng, err := engine.New(wf.Nodes, wf.Edges, execCtx, engine.Observers{}, opts...)
	if err != nil {
		logger.Error("build engine", slog.String("error", err.Error()))
		return 1
	}

	ctx := context.Background()

	events, cancelEvents, err := hub.Subscribe(ctx, streaming.EventFilter{
		ExecutionID: eng.ExecutionID(),
	})
	if err != nil {
		logger.Error("subscribe to run events", slog.String("error", err.Error()))
		return 1
	}
	defer cancelEvents()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamEvents(logger, events)
	}()
	// Daemon goroutine: stdin has no cancellable read, the process exit
	// reclaims it.
	go answerInputs(broker)

	// First interrupt stops the run gracefully; a second one kills the process.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("interrupt received, stopping run")
		eng.Stop()
		<-sigCh
		os.Exit(130)
	}()

	result, execErr := eng.Execute(ctx)
	signal.Stop(sigCh)
	cancelEvents()
	wg.Wait()

	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	}

	if *record && result != nil {
		if err := recordRun(ctx, cfg.DBPath, wf.WorkflowID, result); err != nil {
			logger.Error("record run", slog.String("error", err.Error()))
		}
	}

	if execErr != nil {
		logger.Error("run failed", slog.String("error", execErr.Error()))
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func loadWorkflow(path string) (*workflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wf workflowFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &wf, nil
}

// streamEvents logs run events until the subscription channel closes.
func streamEvents(logger *slog.Logger, events <-chan streaming.RunEvent) {
	for ev := range events {
		attrs := []any{slog.String("event", ev.EventType)}
		if ev.NodeID != "" {
			attrs = append(attrs, slog.String("node_id", ev.NodeID))
		}
		if ev.NodeResult != nil && ev.NodeResult.Error != "" {
			attrs = append(attrs, slog.String("error", ev.NodeResult.Error))
		}
		if ev.RunStatus != "" {
			attrs = append(attrs, slog.String("status", string(ev.RunStatus)))
		}
		logger.Info("run event", attrs...)
	}
}

// answerInputs feeds stdin lines to whichever node is waiting for input.
func answerInputs(broker *inputs.Broker) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		pending := broker.Pending()
		if len(pending) == 0 {
			continue
		}
		if err := broker.Submit(pending[0], line); err != nil {
			fmt.Fprintf(os.Stderr, "submit input: %v\n", err)
		}
	}
}

func recordRun(ctx context.Context, dbPath, workflowID string, result *schema.WorkflowExecutionResult) error {
	if err := os.MkdirAll(loomDir(), 0o755); err != nil {
		return err
	}
	recorder, err := history.NewLibSQLRecorder(ctx, "file:"+dbPath)
	if err != nil {
		return err
	}
	defer recorder.Close()
	return recorder.Record(ctx, workflowID, result)
}
