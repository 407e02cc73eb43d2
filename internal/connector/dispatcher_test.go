package connector

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("slack", func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Output: map[string]interface{}{"ok": true}}, nil
	})

	resp, err := r.Dispatch(context.Background(), Request{ConnectorID: "slack"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Output["ok"] != true {
		t.Fatalf("expected handler output, got %v", resp.Output)
	}
}

func TestDispatchFallsBackOnFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("slack", func(ctx context.Context, req Request) (*Response, error) {
		return nil, errors.New("connector down")
	})

	var fallbackKey, fallbackKeyCamel interface{}
	r.SetFallback(func(ctx context.Context, req Request) (*Response, error) {
		fallbackKey = req.Params["idempotency_key"]
		fallbackKeyCamel = req.Params["idempotencyKey"]
		return &Response{Output: map[string]interface{}{"generic": true}}, nil
	})

	resp, err := r.Dispatch(context.Background(), Request{ConnectorID: "slack", IdempotencyKey: "abc123"})
	if err != nil {
		t.Fatalf("expected fallback to recover, got error: %v", err)
	}
	if resp.Output["generic"] != true {
		t.Fatalf("expected fallback output, got %v", resp.Output)
	}
	if fallbackKey != "abc123" || fallbackKeyCamel != "abc123" {
		t.Fatalf("expected both idempotency key fields set, got %v / %v", fallbackKey, fallbackKeyCamel)
	}
}

func TestDispatchUnknownConnectorNoFallbackErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Dispatch(context.Background(), Request{ConnectorID: "unknown"}); err == nil {
		t.Fatal("expected error for unknown connector with no fallback")
	}
}

func TestDispatchBuiltinRoutesByOp(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltin("transform", func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Output: map[string]interface{}{"transformed": true}}, nil
	})

	resp, err := r.DispatchBuiltin(context.Background(), Request{Op: "transform"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Output["transformed"] != true {
		t.Fatalf("expected builtin output, got %v", resp.Output)
	}
}
