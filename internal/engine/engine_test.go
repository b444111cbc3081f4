package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/inputs"
	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

func node(id string, t schema.NodeType, cfg map[string]any) schema.Node {
	return schema.Node{ID: id, Type: t, Config: cfg}
}

func edge(id, source, target string) schema.Edge {
	return schema.Edge{ID: id, Source: source, Target: target}
}

func branchEdge(id, source, target, handle string) schema.Edge {
	return schema.Edge{ID: id, Source: source, Target: target, SourceHandle: handle}
}

func errorEdge(id, source, target string) schema.Edge {
	return schema.Edge{ID: id, Source: source, Target: target, Kind: schema.EdgeKindError}
}

func execCtx(vars map[string]any) schema.ExecutionContext {
	return schema.ExecutionContext{
		WorkflowID:  "wf-test",
		ExecutionID: "run-test",
		Variables:   vars,
	}
}

func mustRun(t *testing.T, e *Engine) *schema.WorkflowExecutionResult {
	t.Helper()
	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	return result
}

func TestLinearFlowCompletes(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("act", schema.NodeTypeAction, nil),
		node("show", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "act"),
		edge("e2", "act", "show"),
	}

	e, err := New(ns, es, execCtx(map[string]any{"city": "Lima"}), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)
	require.Len(t, result.NodeResults, 3)
	assert.Equal(t, "start", result.NodeResults[0].NodeID)
	assert.Equal(t, "act", result.NodeResults[1].NodeID)
	assert.Equal(t, "show", result.NodeResults[2].NodeID)
	for _, r := range result.NodeResults {
		assert.Equal(t, schema.NodeStatusSuccess, r.Status)
	}
	assert.True(t, result.TotalExecutionTime >= 0)
}

func TestConditionRoutesTakenBranchOnly(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("check", schema.NodeTypeCondition, map[string]any{"condition": "input.temp > 30"}),
		node("hot", schema.NodeTypeDisplay, nil),
		node("cold", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "check"),
		branchEdge("e2", "check", "hot", "true"),
		branchEdge("e3", "check", "cold", "false"),
	}

	e, err := New(ns, es, execCtx(map[string]any{"temp": 35}), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.NotNil(t, result.Result("hot"))
	// Untaken branch nodes are absent from results, not marked skipped.
	assert.Nil(t, result.Result("cold"))
	for _, r := range result.NodeResults {
		assert.NotEqual(t, schema.NodeStatusSkipped, r.Status)
	}
}

func TestMultiBranchConditionFallsToDefault(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("route", schema.NodeTypeCondition, map[string]any{
			"expression": "input.category",
			"branches":   []any{"billing", "support"},
		}),
		node("billing", schema.NodeTypeDisplay, nil),
		node("other", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "route"),
		branchEdge("e2", "route", "billing", "billing"),
		branchEdge("e3", "route", "other", "default"),
	}

	e, err := New(ns, es, execCtx(map[string]any{"category": "legal"}), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.Nil(t, result.Result("billing"))
	assert.NotNil(t, result.Result("other"))
}

func TestFanOutSiblingsRunConcurrentlyAndJoin(t *testing.T) {
	var active, peak int32

	actions := nodes.NewActionRegistry()
	require.NoError(t, actions.RegisterHandler("track", func(ctx context.Context, params map[string]any, input nodes.Payload) (any, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return map[string]any{"done": true}, nil
	}))
	registry, err := nodes.DefaultRegistry(nodes.Deps{Actions: actions})
	require.NoError(t, err)

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("a", schema.NodeTypeAction, map[string]any{"action_type": "track"}),
		node("b", schema.NodeTypeAction, map[string]any{"action_type": "track"}),
		node("c", schema.NodeTypeAction, map[string]any{"action_type": "track"}),
	}
	es := []schema.Edge{
		edge("e1", "start", "a"),
		edge("e2", "start", "b"),
		edge("e3", "start", "c"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithRegistry(registry))
	require.NoError(t, err)

	result := mustRun(t, e)
	require.Len(t, result.NodeResults, 4)
	assert.GreaterOrEqual(t, peak, int32(2), "siblings should overlap")
}

func TestEndNodeShortCircuits(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("finish", schema.NodeTypeEnd, nil),
	}
	es := []schema.Edge{edge("e1", "start", "finish")}

	e, err := New(ns, es, execCtx(map[string]any{"x": 1}), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)
	end := result.Result("finish")
	require.NotNil(t, end)
	out := end.Output.(map[string]any)
	final := out["finalResult"].(map[string]any)
	assert.Equal(t, 1, final["x"])
	assert.NotEmpty(t, out["timestamp"])
}

func TestUnhandledNodeErrorFailsRun(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("bad", schema.NodeTypeCondition, nil), // missing condition expression
		node("after", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "bad"),
		branchEdge("e2", "bad", "after", "true"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{})
	require.NoError(t, err)

	result, err := e.Execute(context.Background())
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, schema.RunStatusFailed, result.Status)

	bad := result.Result("bad")
	require.NotNil(t, bad)
	assert.Equal(t, schema.NodeStatusError, bad.Status)
	assert.NotEmpty(t, bad.Error)
	// Partial results gathered before the failure are preserved.
	assert.NotNil(t, result.Result("start"))
	assert.Nil(t, result.Result("after"))
}

func TestErrorEdgeRoutesToHandler(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("bad", schema.NodeTypeCondition, nil),
		node("handler", schema.NodeTypeErrorHandler, nil),
		node("after", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "bad"),
		errorEdge("e2", "bad", "handler"),
		edge("e3", "handler", "after"),
	}

	e, err := New(ns, es, execCtx(map[string]any{"k": "v"}), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)

	bad := result.Result("bad")
	require.NotNil(t, bad)
	assert.Equal(t, schema.NodeStatusError, bad.Status)

	handler := result.Result("handler")
	require.NotNil(t, handler)
	assert.Equal(t, schema.NodeStatusSuccess, handler.Status)

	out := handler.Output.(map[string]any)
	assert.Equal(t, true, out["handled"])
	assert.NotEmpty(t, out["error"])
	// originalInput flows through on the continue policy.
	orig := out["data"].(map[string]any)
	assert.Equal(t, "v", orig["k"])

	assert.NotNil(t, result.Result("after"))
}

func TestErrorHandlerAbortPolicy(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("bad", schema.NodeTypeCondition, nil),
		node("handler", schema.NodeTypeErrorHandler, map[string]any{"recovery_policy": "abort"}),
	}
	es := []schema.Edge{
		edge("e1", "start", "bad"),
		errorEdge("e2", "bad", "handler"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{})
	require.NoError(t, err)

	result, err := e.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
}

func TestErrorHandlerRetryPolicyRecovers(t *testing.T) {
	var calls int32
	invoker := nodes.AgentInvokerFunc(func(ctx context.Context, agentID, message string, params map[string]any) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient upstream failure")
		}
		return "recovered", nil
	})

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("flaky", schema.NodeTypeAgent, map[string]any{"agent_id": "a1"}),
		node("handler", schema.NodeTypeErrorHandler, map[string]any{
			"recovery_policy": "retry",
			"max_retries":     3,
			"delay":           "1ms",
		}),
		node("after", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "flaky"),
		errorEdge("e2", "flaky", "handler"),
		edge("e3", "flaky", "after"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithAgentInvoker(invoker))
	require.NoError(t, err)

	result := mustRun(t, e)

	flaky := result.Result("flaky")
	require.NotNil(t, flaky)
	assert.Equal(t, schema.NodeStatusSuccess, flaky.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// Recovery means the handler is never entered and the normal edge runs.
	assert.Nil(t, result.Result("handler"))
	assert.NotNil(t, result.Result("after"))
}

func TestErrorHandlerRetryExhaustedFallsToHandler(t *testing.T) {
	invoker := nodes.AgentInvokerFunc(func(ctx context.Context, agentID, message string, params map[string]any) (any, error) {
		return nil, errors.New("permanent failure")
	})

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("flaky", schema.NodeTypeAgent, map[string]any{"agent_id": "a1"}),
		node("handler", schema.NodeTypeErrorHandler, map[string]any{
			"recovery_policy": "retry",
			"max_retries":     2,
			"delay":           "1ms",
		}),
	}
	es := []schema.Edge{
		edge("e1", "start", "flaky"),
		errorEdge("e2", "flaky", "handler"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithAgentInvoker(invoker))
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.Equal(t, schema.NodeStatusError, result.Result("flaky").Status)
	assert.Equal(t, schema.NodeStatusSuccess, result.Result("handler").Status)
}

func TestLoopSequentialIterations(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("repeat", schema.NodeTypeLoop, map[string]any{"iterations": 3}),
		node("body", schema.NodeTypeAction, nil),
		node("after", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "repeat"),
		branchEdge("e2", "repeat", "body", "loop"),
		edge("e3", "repeat", "after"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)

	// One result per iteration for body nodes.
	bodyResults := result.Results("body")
	require.Len(t, bodyResults, 3)

	// Per-iteration input carries loopIndex and loopTotal.
	seen := map[int]bool{}
	for _, br := range bodyResults {
		out := br.Output.(map[string]any)
		data := out["data"].(map[string]any)
		idx := data["loopIndex"].(int)
		assert.Equal(t, 3, data["loopTotal"])
		seen[idx] = true
	}
	assert.Len(t, seen, 3)

	loop := result.Result("repeat")
	require.NotNil(t, loop)
	agg := loop.Output.(map[string]any)
	assert.Equal(t, 3, agg["iterations"])
	assert.Len(t, agg["results"], 3)

	// Continuation runs exactly once.
	assert.Len(t, result.Results("after"), 1)
}

func TestLoopCollectionBoundsIterations(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("each", schema.NodeTypeLoop, map[string]any{
			"collection": "variables.rows",
			"iterations": 50,
		}),
		node("body", schema.NodeTypeAction, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "each"),
		branchEdge("e2", "each", "body", "loop"),
	}

	e, err := New(ns, es, execCtx(map[string]any{
		"rows": []any{"a", "b"},
	}), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.Len(t, result.Results("body"), 2)

	agg := result.Result("each").Output.(map[string]any)
	assert.Equal(t, 2, agg["iterations"])
}

func TestLoopParallelDeliversEachIndexOnce(t *testing.T) {
	var mu sync.Mutex
	indexes := map[int]int{}

	actions := nodes.NewActionRegistry()
	require.NoError(t, actions.RegisterHandler("count", func(ctx context.Context, params map[string]any, input nodes.Payload) (any, error) {
		mu.Lock()
		indexes[input["loopIndex"].(int)]++
		mu.Unlock()
		return input["loopIndex"], nil
	}))
	registry, err := nodes.DefaultRegistry(nodes.Deps{Actions: actions})
	require.NoError(t, err)

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("par", schema.NodeTypeLoop, map[string]any{
			"iterations":      8,
			"parallel":        true,
			"max_concurrency": 3,
		}),
		node("body", schema.NodeTypeAction, map[string]any{"action_type": "count"}),
	}
	es := []schema.Edge{
		edge("e1", "start", "par"),
		branchEdge("e2", "par", "body", "loop"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithRegistry(registry))
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.Len(t, result.Results("body"), 8)

	require.Len(t, indexes, 8)
	for idx, count := range indexes {
		assert.Equal(t, 1, count, "loopIndex %d consumed more than once", idx)
	}
}

func TestLoopIterationCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLoopIterations = 5

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("big", schema.NodeTypeLoop, map[string]any{"iterations": 5000}),
		node("body", schema.NodeTypeAction, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "big"),
		branchEdge("e2", "big", "body", "loop"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithConfig(cfg))
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.Len(t, result.Results("body"), 5)
}

func TestPauseGatesNextNodeStart(t *testing.T) {
	bodyStarted := make(chan struct{}, 10)
	release := make(chan struct{})

	actions := nodes.NewActionRegistry()
	require.NoError(t, actions.RegisterHandler("slow", func(ctx context.Context, params map[string]any, input nodes.Payload) (any, error) {
		bodyStarted <- struct{}{}
		<-release
		return "done", nil
	}))
	require.NoError(t, actions.RegisterHandler("probe", func(ctx context.Context, params map[string]any, input nodes.Payload) (any, error) {
		bodyStarted <- struct{}{}
		return "probe", nil
	}))
	registry, err := nodes.DefaultRegistry(nodes.Deps{Actions: actions})
	require.NoError(t, err)

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("first", schema.NodeTypeAction, map[string]any{"action_type": "slow"}),
		node("second", schema.NodeTypeAction, map[string]any{"action_type": "probe"}),
	}
	es := []schema.Edge{
		edge("e1", "start", "first"),
		edge("e2", "first", "second"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithRegistry(registry))
	require.NoError(t, err)

	done := make(chan *schema.WorkflowExecutionResult, 1)
	go func() {
		result, _ := e.Execute(context.Background())
		done <- result
	}()

	// Wait for the first node to be in flight, then pause.
	<-bodyStarted
	e.Pause()
	close(release) // let the in-flight node finish

	// The second node must not start while paused.
	select {
	case <-bodyStarted:
		t.Fatal("node started while paused")
	case <-time.After(50 * time.Millisecond):
	}

	e.Resume()
	<-bodyStarted // second node now runs

	result := <-done
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Len(t, result.NodeResults, 3)
}

func TestStopAbortsBeforeNextNode(t *testing.T) {
	firstRunning := make(chan struct{})
	release := make(chan struct{})

	actions := nodes.NewActionRegistry()
	require.NoError(t, actions.RegisterHandler("slow", func(ctx context.Context, params map[string]any, input nodes.Payload) (any, error) {
		close(firstRunning)
		<-release
		return "done", nil
	}))
	registry, err := nodes.DefaultRegistry(nodes.Deps{Actions: actions})
	require.NoError(t, err)

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("first", schema.NodeTypeAction, map[string]any{"action_type": "slow"}),
		node("second", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "first"),
		edge("e2", "first", "second"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithRegistry(registry))
	require.NoError(t, err)

	type outcome struct {
		result *schema.WorkflowExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.Execute(context.Background())
		done <- outcome{r, err}
	}()

	<-firstRunning
	e.Stop()
	close(release)

	out := <-done
	require.Error(t, out.err)
	le := out.err.(*schema.LoomError)
	assert.Equal(t, schema.ErrCodeCancelled, le.Code)
	assert.Equal(t, schema.RunStatusFailed, out.result.Status)

	// The in-flight node's result is discarded and the next never runs.
	assert.Nil(t, out.result.Result("first"))
	assert.Nil(t, out.result.Result("second"))
}

func TestEngineSingleRun(t *testing.T) {
	ns := []schema.Node{node("start", schema.NodeTypeStart, nil)}

	e, err := New(ns, nil, execCtx(nil), Observers{})
	require.NoError(t, err)

	_ = mustRun(t, e)

	_, err = e.Execute(context.Background())
	require.Error(t, err)
	le := err.(*schema.LoomError)
	assert.Equal(t, schema.ErrCodeConflict, le.Code)
}

func TestNewValidatesConfiguration(t *testing.T) {
	// Chat input without a provider.
	_, err := New([]schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("ask", schema.NodeTypeChatInput, nil),
	}, []schema.Edge{edge("e1", "start", "ask")}, execCtx(nil), Observers{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input provider")

	// Unknown condition engine.
	_, err = New([]schema.Node{node("start", schema.NodeTypeStart, nil)},
		nil, execCtx(nil), Observers{}, WithConditionEngine("lua"))
	require.Error(t, err)

	// Structural graph errors surface from New.
	_, err = New(nil, nil, execCtx(nil), Observers{})
	require.Error(t, err)
}

func TestChatInputSuspendAndResume(t *testing.T) {
	broker := inputs.NewBroker(nil)

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("ask", schema.NodeTypeChatInput, map[string]any{"welcome_message": "name?"}),
		node("show", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "ask"),
		edge("e2", "ask", "show"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithInputProvider(broker))
	require.NoError(t, err)

	done := make(chan *schema.WorkflowExecutionResult, 1)
	go func() {
		r, _ := e.Execute(context.Background())
		done <- r
	}()

	require.Eventually(t, func() bool {
		return len(broker.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, broker.Submit("ask", "ada"))

	result := <-done
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	out := result.Result("ask").Output.(map[string]any)
	assert.Equal(t, "ada", out["userInput"])
}

func TestUnconfiguredAgentFailsRunBeforeEnd(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("agent", schema.NodeTypeAgent, nil), // no agent_id
		node("finish", schema.NodeTypeEnd, nil),
	}
	es := []schema.Edge{
		edge("e1", "start", "agent"),
		edge("e2", "agent", "finish"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{})
	require.NoError(t, err)

	result, err := e.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)

	agent := result.Result("agent")
	require.NotNil(t, agent)
	assert.Equal(t, schema.NodeStatusError, agent.Status)
	assert.Contains(t, agent.Error, "agent_id")

	assert.Nil(t, result.Result("finish"))
}

func TestObserverSeesRunningThenTerminal(t *testing.T) {
	var mu sync.Mutex
	statuses := map[string][]schema.NodeStatus{}

	obs := Observers{
		OnNodeStatus: func(r schema.NodeExecutionResult) {
			mu.Lock()
			statuses[r.NodeID] = append(statuses[r.NodeID], r.Status)
			mu.Unlock()
		},
	}

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("show", schema.NodeTypeDisplay, nil),
	}
	es := []schema.Edge{edge("e1", "start", "show")}

	e, err := New(ns, es, execCtx(nil), obs)
	require.NoError(t, err)
	_ = mustRun(t, e)

	for _, id := range []string{"start", "show"} {
		require.GreaterOrEqual(t, len(statuses[id]), 2, "node %s", id)
		assert.Equal(t, schema.NodeStatusRunning, statuses[id][0])
		assert.Equal(t, schema.NodeStatusSuccess, statuses[id][len(statuses[id])-1])
	}
}

func TestHubReceivesRunEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ns := []schema.Node{node("start", schema.NodeTypeStart, nil)}
	e, err := New(ns, nil, execCtx(nil), Observers{}, WithHub(hub))
	require.NoError(t, err)
	_ = mustRun(t, e)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).EventType)
	}
	assert.Contains(t, types, streaming.EventRunStarted)
	assert.Contains(t, types, streaming.EventNodeRunning)
	assert.Contains(t, types, streaming.EventNodeSuccess)
	assert.Contains(t, types, streaming.EventRunFinished)
}

func TestResultsRecordedInCompletionOrder(t *testing.T) {
	actions := nodes.NewActionRegistry()
	require.NoError(t, actions.RegisterHandler("sleepy", func(ctx context.Context, params map[string]any, input nodes.Payload) (any, error) {
		d := time.Duration(params["ms"].(int)) * time.Millisecond
		time.Sleep(d)
		return "done", nil
	}))
	registry, err := nodes.DefaultRegistry(nodes.Deps{Actions: actions})
	require.NoError(t, err)

	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("slow", schema.NodeTypeAction, map[string]any{"action_type": "sleepy", "ms": 60}),
		node("fast", schema.NodeTypeAction, map[string]any{"action_type": "sleepy", "ms": 5}),
	}
	es := []schema.Edge{
		edge("e1", "start", "slow"),
		edge("e2", "start", "fast"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithRegistry(registry))
	require.NoError(t, err)

	result := mustRun(t, e)
	require.Len(t, result.NodeResults, 3)
	// Completion order: fast finishes before slow despite equal fan-out.
	assert.Equal(t, "fast", result.NodeResults[1].NodeID)
	assert.Equal(t, "slow", result.NodeResults[2].NodeID)
}

func TestDownstreamSeesUpstreamOutputs(t *testing.T) {
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("calc", schema.NodeTypeTransform, map[string]any{
			"transformType": "expression",
			"expression":    "input.a + input.b",
		}),
		node("report", schema.NodeTypeTransform, map[string]any{
			"transformType": "template",
			"template":      "sum is {{ nodes.calc }}",
		}),
	}
	es := []schema.Edge{
		edge("e1", "start", "calc"),
		edge("e2", "calc", "report"),
	}

	e, err := New(ns, es, execCtx(map[string]any{"a": 2, "b": 5}), Observers{})
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.Equal(t, "sum is 7", result.Result("report").Output)
}

func TestNodeEnteredAtMostOnce(t *testing.T) {
	var calls int32
	actions := nodes.NewActionRegistry()
	require.NoError(t, actions.RegisterHandler("tally", func(ctx context.Context, params map[string]any, input nodes.Payload) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	}))
	registry, err := nodes.DefaultRegistry(nodes.Deps{Actions: actions})
	require.NoError(t, err)

	// Diamond: start fans out to a and b, both converge on join.
	ns := []schema.Node{
		node("start", schema.NodeTypeStart, nil),
		node("a", schema.NodeTypeAction, nil),
		node("b", schema.NodeTypeAction, nil),
		node("join", schema.NodeTypeAction, map[string]any{"action_type": "tally"}),
	}
	es := []schema.Edge{
		edge("e1", "start", "a"),
		edge("e2", "start", "b"),
		edge("e3", "a", "join"),
		edge("e4", "b", "join"),
	}

	e, err := New(ns, es, execCtx(nil), Observers{}, WithRegistry(registry))
	require.NoError(t, err)

	result := mustRun(t, e)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Len(t, result.Results("join"), 1)
}
