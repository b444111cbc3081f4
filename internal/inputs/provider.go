package inputs

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Request describes a pending human-input demand raised by a chat input node.
type Request struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	Prompt      string `json:"prompt,omitempty"`
}

// Provider supplies the answer for a chat input node. Provide blocks the
// calling node until an answer is available or ctx is done; the run suspends
// on that node rather than polling.
type Provider interface {
	Provide(ctx context.Context, req Request) (any, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (any, error)

func (f ProviderFunc) Provide(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// StaticProvider answers from a fixed node-ID keyed map. Used by tests and
// non-interactive CLI runs.
type StaticProvider map[string]any

func (p StaticProvider) Provide(ctx context.Context, req Request) (any, error) {
	answer, ok := p[req.NodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no input configured for node %s", req.NodeID).WithNode(req.NodeID)
	}
	return answer, nil
}

// Broker is a suspend/resume Provider. A chat input node calls Provide and
// blocks; an external party observes the pending request and calls Submit to
// resume the run.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan any
	notify  func(Request)
}

// NewBroker creates a Broker. The optional notify callback fires whenever a
// node starts waiting for input.
func NewBroker(notify func(Request)) *Broker {
	return &Broker{
		pending: make(map[string]chan any),
		notify:  notify,
	}
}

// Provide registers a pending request and blocks until Submit delivers an
// answer or ctx is cancelled.
func (b *Broker) Provide(ctx context.Context, req Request) (any, error) {
	b.mu.Lock()
	if _, exists := b.pending[req.NodeID]; exists {
		b.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"node %s is already waiting for input", req.NodeID).WithNode(req.NodeID)
	}
	ch := make(chan any, 1)
	b.pending[req.NodeID] = ch
	b.mu.Unlock()

	if b.notify != nil {
		b.notify(req)
	}

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.NodeID)
		b.mu.Unlock()
	}()

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"input wait cancelled for node %s", req.NodeID).
			WithNode(req.NodeID).WithCause(ctx.Err())
	}
}

// Submit delivers an answer to a waiting node. Returns NOT_FOUND when no
// request is pending for the node.
func (b *Broker) Submit(nodeID string, answer any) error {
	b.mu.Lock()
	ch, ok := b.pending[nodeID]
	b.mu.Unlock()

	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"no pending input request for node %s", nodeID).WithNode(nodeID)
	}

	select {
	case ch <- answer:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"input already submitted for node %s", nodeID).WithNode(nodeID)
	}
}

// Pending lists the node IDs currently waiting for input.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}

var _ Provider = (*Broker)(nil)
var _ Provider = (StaticProvider)(nil)
var _ Provider = (ProviderFunc)(nil)
