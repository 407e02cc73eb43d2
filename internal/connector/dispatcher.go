// Package connector is the out-of-scope collaborator boundary: it defines
// the interface the orchestrator's node execution loop calls through for
// connector-kind and built-in-kind nodes, plus the generic-executor
// fallback path (§4.5.4 step 5). Real connector integrations (HTTP, LLM
// providers, SaaS APIs) are not implemented here — this package only
// carries the dispatch contract and the fallback behavior, grounded on the
// teacher's clients.ServiceClients pattern generalized from 3 fixed gRPC
// service stubs to an open connector registry.
package connector

import (
	"context"
	"fmt"
	"sync"
)

// Request is one call's input: the resolved node parameters plus identity
// context needed to route and audit the call.
type Request struct {
	ConnectorID    string
	Op             string
	ExecutionID    string
	NodeID         string
	OrganizationID string
	IdempotencyKey string
	Params         map[string]interface{}
}

// Response is a successful call's output plus usage metadata the
// orchestrator rolls up into NodeAttempt.metadata (§4.5.4 step 7).
type Response struct {
	Output     map[string]interface{}
	RequestHash string
	Tokens     int64
	CostCents  int64
	CacheHit   bool
}

// Dispatcher routes a Request to the concrete integration registered for
// its ConnectorID.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Response, error)
}

// Handler is one connector's (or builtin op's) concrete implementation.
type Handler func(ctx context.Context, req Request) (*Response, error)

// Registry is a Dispatcher backed by a map of connector id -> Handler,
// with a generic fallback used when a connector call fails and
// GENERIC_EXECUTOR_ENABLED is set (§4.5.4 step 5).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry builds an empty registry. Register handlers with Register;
// set a fallback with SetFallback.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs the handler for a connector id, overwriting any
// previous registration.
func (r *Registry) Register(connectorID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[connectorID] = h
}

// SetFallback installs the generic-executor handler invoked when a
// connector call fails and no connector-specific handler recovers it.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Dispatch routes to the registered handler. On failure, if a fallback is
// configured, it retries once through the fallback with the idempotency
// key folded into params under both `idempotency_key` and `idempotencyKey`
// — the dual casing the spec calls out explicitly so downstream connectors
// expecting either convention still see it.
func (r *Registry) Dispatch(ctx context.Context, req Request) (*Response, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.ConnectorID]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return nil, fmt.Errorf("connector: no handler registered for %q", req.ConnectorID)
		}
		return fallback(ctx, withIdempotencyFields(req))
	}

	resp, err := h(ctx, req)
	if err == nil {
		return resp, nil
	}
	if fallback == nil {
		return nil, err
	}

	fallbackResp, fallbackErr := fallback(ctx, withIdempotencyFields(req))
	if fallbackErr != nil {
		return nil, fmt.Errorf("connector %q failed (%w), generic fallback also failed: %w", req.ConnectorID, err, fallbackErr)
	}
	return fallbackResp, nil
}

// DispatchBuiltin routes a built-in node (LLM/HTTP/transform) call by its
// Op rather than ConnectorID — built-ins have no connector concurrency
// slot and never fall back to the generic executor, since they are the
// generic executor's own handler set.
func (r *Registry) DispatchBuiltin(ctx context.Context, req Request) (*Response, error) {
	r.mu.RLock()
	h, ok := r.handlers["builtin:"+req.Op]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector: no built-in handler registered for op %q", req.Op)
	}
	return h(ctx, req)
}

// RegisterBuiltin installs the handler for a built-in node op.
func (r *Registry) RegisterBuiltin(op string, h Handler) {
	r.Register("builtin:"+op, h)
}

func withIdempotencyFields(req Request) Request {
	params := make(map[string]interface{}, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	params["idempotency_key"] = req.IdempotencyKey
	params["idempotencyKey"] = req.IdempotencyKey
	req.Params = params
	return req
}
