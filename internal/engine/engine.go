package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/inputs"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

// Config bounds one engine instance.
type Config struct {
	PoolSize              int    // max concurrently executing nodes
	DefaultLoopIterations int    // loop `iterations` default
	MaxLoopIterations     int    // hard loop ceiling
	ConditionEngine       string // "expr" (default) or "cel"
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:              8,
		DefaultLoopIterations: 10,
		MaxLoopIterations:     1000,
		ConditionEngine:       "expr",
	}
}

type options struct {
	cfg      Config
	registry *nodes.Registry
	eval     *expressions.TemplateEvaluator
	invoker  nodes.AgentInvoker
	provider inputs.Provider
	hub      streaming.Hub
	logger   *slog.Logger
}

// Option customizes engine construction.
type Option func(*options)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithPoolSize bounds node concurrency.
func WithPoolSize(n int) Option {
	return func(o *options) { o.cfg.PoolSize = n }
}

// WithConditionEngine selects the condition backend: "expr" or "cel".
func WithConditionEngine(name string) Option {
	return func(o *options) { o.cfg.ConditionEngine = name }
}

// WithRegistry supplies a prebuilt node executor registry, overriding the
// default one.
func WithRegistry(r *nodes.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithAgentInvoker wires the agent backend.
func WithAgentInvoker(inv nodes.AgentInvoker) Option {
	return func(o *options) { o.invoker = inv }
}

// WithInputProvider wires the chat-input provider; required when the graph
// contains a chat_input node.
func WithInputProvider(p inputs.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithHub publishes run events to the given streaming hub.
func WithHub(h streaming.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Engine executes one workflow run. Instances are single-use: construct with
// New, call Execute once, steer with Pause/Resume/Stop from other goroutines.
type Engine struct {
	g        *graph.Graph
	execCtx  schema.ExecutionContext
	registry *nodes.Registry
	eval     *expressions.TemplateEvaluator
	obs      Observers
	hub      streaming.Hub
	log      *slog.Logger
	cfg      Config
	control  *runControl
	pool     *WorkerPool

	mu       sync.Mutex
	started  bool
	status   schema.RunStatus
	results  []schema.NodeExecutionResult
	outputs  map[string]any
	entered  map[string]bool
	runErr   error
}

// New validates the graph and builds a ready-to-run engine. Configuration
// errors (no start node, dangling edges, error edges not ending at a handler,
// chat input without a provider) surface here, before anything executes.
func New(nodeList []schema.Node, edges []schema.Edge, execCtx schema.ExecutionContext,
	obs Observers, opts ...Option) (*Engine, error) {

	g, err := graph.Build(nodeList, edges)
	if err != nil {
		return nil, err
	}

	o := &options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}

	eval := o.eval
	if eval == nil {
		switch o.cfg.ConditionEngine {
		case "", "expr":
			eval = expressions.NewTemplateEvaluator()
		case "cel":
			cel, err := expressions.NewCELEngine()
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeConfiguration,
					"build CEL condition engine").WithCause(err)
			}
			eval = expressions.NewTemplateEvaluatorWithConditions(cel)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"unknown condition engine %q", o.cfg.ConditionEngine)
		}
	}

	registry := o.registry
	if registry == nil {
		registry, err = nodes.DefaultRegistry(nodes.Deps{
			Evaluator: eval,
			Agent:     o.invoker,
			Inputs:    o.provider,
		})
		if err != nil {
			return nil, err
		}
	}

	if g.HasNodeType(schema.NodeTypeChatInput) && !registry.Has(schema.NodeTypeChatInput) {
		return nil, schema.NewError(schema.ErrCodeConfiguration,
			"workflow contains a chat_input node but no input provider is configured")
	}

	if execCtx.ExecutionID == "" {
		execCtx.ExecutionID = uuid.NewString()
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		g:        g,
		execCtx:  execCtx,
		registry: registry,
		eval:     eval,
		obs:      obs,
		hub:      o.hub,
		log:      logger,
		cfg:      o.cfg,
		control:  newRunControl(),
		pool:     NewWorkerPool(o.cfg.PoolSize),
		status:   schema.RunStatusRunning,
		outputs:  make(map[string]any),
		entered:  make(map[string]bool),
	}, nil
}

// ExecutionID returns the run's execution ID.
func (e *Engine) ExecutionID() string {
	return e.execCtx.ExecutionID
}

// Execute runs the workflow to completion and returns the aggregated result.
// On an unhandled node error or a stop request it returns the partial result
// (status failed) alongside the error.
func (e *Engine) Execute(ctx context.Context) (*schema.WorkflowExecutionResult, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConflict,
			"engine instances are single-run; construct a new engine")
	}
	e.started = true
	e.mu.Unlock()

	ctx = logging.WithRunID(ctx, e.execCtx.ExecutionID)
	startTime := time.Now()

	logging.LogWith(ctx, e.log).Info("run started",
		slog.String("workflow_id", e.execCtx.WorkflowID))
	e.publish(ctx, streaming.RunEvent{
		ExecutionID: e.execCtx.ExecutionID,
		EventType:   streaming.EventRunStarted,
		RunStatus:   schema.RunStatusRunning,
	})
	if e.obs.OnRunStatus != nil {
		e.obs.OnRunStatus(e.execCtx.ExecutionID, schema.RunStatusRunning)
	}

	initial := nodes.Payload{}
	for k, v := range e.execCtx.Variables {
		initial[k] = v
	}

	e.runBranch(ctx, branchItem{node: e.g.Start, input: initial})
	e.pool.Wait()

	endTime := time.Now()

	var status schema.RunStatus
	var execErr error
	switch {
	case e.control.stopRequested():
		status = schema.RunStatusFailed
		execErr = schema.NewError(schema.ErrCodeCancelled, "run stopped by request")
	case e.firstError() != nil:
		status = schema.RunStatusFailed
		execErr = e.firstError()
	default:
		status = schema.RunStatusCompleted
	}
	e.setRunStatus(ctx, status)

	e.mu.Lock()
	result := &schema.WorkflowExecutionResult{
		ExecutionID:        e.execCtx.ExecutionID,
		Status:             status,
		NodeResults:        append([]schema.NodeExecutionResult(nil), e.results...),
		StartTime:          startTime,
		EndTime:            endTime,
		TotalExecutionTime: endTime.Sub(startTime),
	}
	e.mu.Unlock()

	e.publish(ctx, streaming.RunEvent{
		ExecutionID: e.execCtx.ExecutionID,
		EventType:   streaming.EventRunFinished,
		RunStatus:   status,
	})
	logging.LogWith(ctx, e.log).Info("run finished",
		slog.String("status", string(status)),
		slog.Duration("took", result.TotalExecutionTime))

	return result, execErr
}

// Pause gates the start of the next node; in-flight nodes finish.
func (e *Engine) Pause() {
	if e.control.pause() {
		e.setRunStatus(context.Background(), schema.RunStatusPaused)
		e.publish(context.Background(), streaming.RunEvent{
			ExecutionID: e.execCtx.ExecutionID,
			EventType:   streaming.EventRunPaused,
			RunStatus:   schema.RunStatusPaused,
		})
	}
}

// Resume releases a paused run.
func (e *Engine) Resume() {
	if e.control.resume() {
		e.setRunStatus(context.Background(), schema.RunStatusRunning)
		e.publish(context.Background(), streaming.RunEvent{
			ExecutionID: e.execCtx.ExecutionID,
			EventType:   streaming.EventRunResumed,
			RunStatus:   schema.RunStatusRunning,
		})
	}
}

// Stop aborts the run before the next node start. In-flight nodes finish but
// their results are discarded; Execute returns a CANCELLED error.
func (e *Engine) Stop() {
	e.control.stop()
}

// branchItem is one unit of traversal work: a node about to be entered with
// the payload the arriving edge carries. ns scopes the entered-once check so
// loop iterations revisit their body; loop carries the iteration bindings.
type branchItem struct {
	node  *schema.Node
	input nodes.Payload
	ns    string
	loop  map[string]any
}

// runBranch walks the graph from item until the branch ends, fanning sibling
// edges out concurrently and joining them. It returns the outputs of the
// branch's leaf nodes.
func (e *Engine) runBranch(ctx context.Context, item branchItem) []any {
	for {
		if err := e.control.gate(ctx); err != nil {
			return nil
		}

		if !e.enterOnce(item.ns, item.node.ID) {
			return nil
		}

		var output any
		var nodeErr error
		started := time.Now()

		if item.node.Type == schema.NodeTypeLoop {
			output, nodeErr = e.runLoop(ctx, item)
		} else {
			output, nodeErr = e.executeNode(ctx, item)
		}

		if e.control.stopRequested() {
			// Result of an in-flight node that outlived a stop is discarded.
			return nil
		}

		if nodeErr != nil {
			return e.handleNodeError(ctx, item, nodeErr, started)
		}

		e.record(ctx, schema.NodeExecutionResult{
			NodeID:        item.node.ID,
			Status:        schema.NodeStatusSuccess,
			Output:        output,
			ExecutionTime: time.Since(started),
			Timestamp:     time.Now(),
		})

		if item.node.Type == schema.NodeTypeEnd {
			// End short-circuits the branch.
			return []any{output}
		}

		next := e.nextEdges(item.node, output)
		if len(next) == 0 {
			return []any{output}
		}

		payload := toPayload(output)

		if len(next) == 1 {
			target := e.g.Node(next[0].Target)
			item = branchItem{node: target, input: payload, ns: item.ns, loop: item.loop}
			continue
		}

		// Fan-out: siblings run concurrently and are joined here.
		var wg sync.WaitGroup
		leaves := make([][]any, len(next))
		for i, edge := range next {
			wg.Add(1)
			go func(i int, edge schema.Edge) {
				defer wg.Done()
				leaves[i] = e.runBranch(ctx, branchItem{
					node:  e.g.Node(edge.Target),
					input: payload,
					ns:    item.ns,
					loop:  item.loop,
				})
			}(i, edge)
		}
		wg.Wait()

		var merged []any
		for _, l := range leaves {
			merged = append(merged, l...)
		}
		return merged
	}
}

// nextEdges selects the outgoing edges to follow after a successful node.
func (e *Engine) nextEdges(node *schema.Node, output any) []schema.Edge {
	switch node.Type {
	case schema.NodeTypeCondition:
		branch := branchTaken(output)
		return e.g.BranchEdges(node.ID, branch)
	case schema.NodeTypeLoop:
		return e.g.LoopContinuationEdges(node.ID)
	default:
		return e.g.NormalEdges(node.ID)
	}
}

// handleNodeError routes a failure over the node's error edges, applying the
// handler's retry policy first; without error edges the failure is unhandled
// and the run aborts.
func (e *Engine) handleNodeError(ctx context.Context, item branchItem, nodeErr error, started time.Time) []any {
	errorEdges := e.g.ErrorEdges(item.node.ID)

	if len(errorEdges) > 0 && item.node.Type != schema.NodeTypeErrorHandler {
		handler := e.g.Node(errorEdges[0].Target)
		if recoveryPolicy(handler) == nodes.PolicyRetry && item.node.Type != schema.NodeTypeLoop {
			if output, ok := e.retrySource(ctx, item, handler); ok {
				e.record(ctx, schema.NodeExecutionResult{
					NodeID:        item.node.ID,
					Status:        schema.NodeStatusSuccess,
					Output:        output,
					ExecutionTime: time.Since(started),
					Timestamp:     time.Now(),
				})
				return e.continueAfterSuccess(ctx, item, output)
			}
		}

		e.record(ctx, schema.NodeExecutionResult{
			NodeID:        item.node.ID,
			Status:        schema.NodeStatusError,
			Error:         nodeErr.Error(),
			ExecutionTime: time.Since(started),
			Timestamp:     time.Now(),
		})

		errPayload := nodes.Payload{
			nodes.ErrorKey:         nodeErr.Error(),
			nodes.OriginalInputKey: item.input,
			nodes.FailedNodeKey:    item.node.ID,
		}

		var wg sync.WaitGroup
		leaves := make([][]any, len(errorEdges))
		for i, edge := range errorEdges {
			wg.Add(1)
			go func(i int, edge schema.Edge) {
				defer wg.Done()
				leaves[i] = e.runBranch(ctx, branchItem{
					node:  e.g.Node(edge.Target),
					input: errPayload,
					ns:    item.ns,
					loop:  item.loop,
				})
			}(i, edge)
		}
		wg.Wait()

		var merged []any
		for _, l := range leaves {
			merged = append(merged, l...)
		}
		return merged
	}

	// Unhandled: record, remember the first failure, halt scheduling.
	e.record(ctx, schema.NodeExecutionResult{
		NodeID:        item.node.ID,
		Status:        schema.NodeStatusError,
		Error:         nodeErr.Error(),
		ExecutionTime: time.Since(started),
		Timestamp:     time.Now(),
	})
	e.setFirstError(nodeErr)
	e.control.abort()
	return nil
}

// continueAfterSuccess resumes normal routing after a retried node recovered.
func (e *Engine) continueAfterSuccess(ctx context.Context, item branchItem, output any) []any {
	if item.node.Type == schema.NodeTypeEnd {
		return []any{output}
	}
	next := e.nextEdges(item.node, output)
	if len(next) == 0 {
		return []any{output}
	}
	payload := toPayload(output)

	var wg sync.WaitGroup
	leaves := make([][]any, len(next))
	for i, edge := range next {
		wg.Add(1)
		go func(i int, edge schema.Edge) {
			defer wg.Done()
			leaves[i] = e.runBranch(ctx, branchItem{
				node:  e.g.Node(edge.Target),
				input: payload,
				ns:    item.ns,
				loop:  item.loop,
			})
		}(i, edge)
	}
	wg.Wait()

	var merged []any
	for _, l := range leaves {
		merged = append(merged, l...)
	}
	return merged
}

// retrySource re-executes the failed node per the handler's retry policy.
func (e *Engine) retrySource(ctx context.Context, item branchItem, handler *schema.Node) (any, bool) {
	policy := RetryPolicyFromConfig(handler.Config)

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return nil, false
		}
		if e.control.abortRequested() {
			return nil, false
		}

		output, err := e.executeNode(ctx, item)
		if err == nil {
			return output, true
		}
		logging.LogWith(ctx, e.log).Warn("retry attempt failed",
			slog.String("node_id", item.node.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, false
}

// executeNode runs one node inside a pool slot, emitting the running event
// and building the expression scope.
func (e *Engine) executeNode(ctx context.Context, item branchItem) (any, error) {
	exec, err := e.registry.Get(item.node.Type)
	if err != nil {
		return nil, err
	}

	e.emitNodeStatus(ctx, schema.NodeExecutionResult{
		NodeID:    item.node.ID,
		Status:    schema.NodeStatusRunning,
		Timestamp: time.Now(),
	})

	nodeCtx := nodes.WithScope(logging.WithNodeID(ctx, item.node.ID), e.scopeFor(item))

	var output any
	runErr := e.pool.Run(nodeCtx, func(ctx context.Context) error {
		var execErr error
		output, execErr = exec.Execute(ctx, item.node, item.input)
		return execErr
	})
	return output, runErr
}

// record appends a terminal node result in completion order and remembers the
// node's output for downstream expressions.
func (e *Engine) record(ctx context.Context, result schema.NodeExecutionResult) {
	e.mu.Lock()
	e.results = append(e.results, result)
	if result.Status == schema.NodeStatusSuccess {
		e.outputs[result.NodeID] = result.Output
	}
	e.mu.Unlock()

	e.emitNodeStatus(ctx, result)
}

func (e *Engine) emitNodeStatus(ctx context.Context, result schema.NodeExecutionResult) {
	if e.obs.OnNodeStatus != nil {
		e.obs.OnNodeStatus(result)
	}

	eventType := streaming.EventNodeRunning
	switch result.Status {
	case schema.NodeStatusSuccess:
		eventType = streaming.EventNodeSuccess
	case schema.NodeStatusError:
		eventType = streaming.EventNodeError
	}
	res := result
	e.publish(ctx, streaming.RunEvent{
		ExecutionID: e.execCtx.ExecutionID,
		NodeID:      result.NodeID,
		EventType:   eventType,
		NodeResult:  &res,
	})
}

func (e *Engine) publish(ctx context.Context, event streaming.RunEvent) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, event)
}

func (e *Engine) setRunStatus(ctx context.Context, to schema.RunStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !canTransitionRun(e.status, to) {
		return
	}
	e.status = to
	if e.obs.OnRunStatus != nil {
		e.obs.OnRunStatus(e.execCtx.ExecutionID, to)
	}
}

func (e *Engine) enterOnce(ns, nodeID string) bool {
	key := ns + "/" + nodeID
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entered[key] {
		return false
	}
	e.entered[key] = true
	return true
}

func (e *Engine) outputsSnapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make(map[string]any, len(e.outputs))
	for k, v := range e.outputs {
		snap[k] = v
	}
	return snap
}

func (e *Engine) setFirstError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runErr == nil {
		e.runErr = err
	}
}

func (e *Engine) firstError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// branchTaken reads the routing key from a condition output.
func branchTaken(output any) string {
	m, ok := output.(map[string]any)
	if !ok {
		return ""
	}
	branch, _ := m[nodes.BranchTakenKey].(string)
	return branch
}

// recoveryPolicy reads an error handler's configured policy.
func recoveryPolicy(handler *schema.Node) string {
	if handler == nil || handler.Config == nil {
		return nodes.PolicyContinue
	}
	if p, ok := handler.Config["recovery_policy"].(string); ok && p != "" {
		return p
	}
	return nodes.PolicyContinue
}

// toPayload shapes a node output into the payload the next node receives.
func toPayload(output any) nodes.Payload {
	switch v := output.(type) {
	case nil:
		return nodes.Payload{}
	case map[string]any:
		return v
	default:
		return nodes.Payload{"data": v}
	}
}
