package localtools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	res := reg.Execute(context.Background(), wire.ExecutionRequest{
		RequestID: "r1",
		Tool:      "browser.open",
	})
	if res.Success {
		t.Fatal("unknown tool reported success")
	}
	if !strings.Contains(res.Error, "browser.open") {
		t.Fatalf("error = %q, want the tool id named", res.Error)
	}
	if res.RequestID != "r1" {
		t.Fatalf("request id = %q, want r1", res.RequestID)
	}
}

func TestExecuteEcho(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(wire.ToolDef{ID: "test.echo"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", err
		}
		return p.Text, nil
	})

	res := reg.Execute(context.Background(), wire.ExecutionRequest{
		RequestID: "r2",
		Tool:      "test.echo",
		Args:      json.RawMessage(`{"text":"hello"}`),
	})
	if !res.Success {
		t.Fatalf("echo failed: %s", res.Error)
	}
	if res.Result != "hello" {
		t.Fatalf("result = %q, want hello", res.Result)
	}
}

func TestExecuteHonorsTimeout(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(wire.ToolDef{ID: "test.slow"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	start := time.Now()
	res := reg.Execute(context.Background(), wire.ExecutionRequest{
		RequestID: "r3",
		Tool:      "test.slow",
		TimeoutMS: 50,
	})
	if res.Success {
		t.Fatal("slow tool beat a 50ms budget")
	}
	if !strings.Contains(res.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("error = %q, want deadline exceeded", res.Error)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout was not enforced")
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(wire.ToolDef{ID: "test.boom"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		panic("kaboom")
	})

	res := reg.Execute(context.Background(), wire.ExecutionRequest{RequestID: "r4", Tool: "test.boom"})
	if res.Success {
		t.Fatal("panicking tool reported success")
	}
	if !strings.Contains(res.Error, "panic") {
		t.Fatalf("error = %q, want panic mentioned", res.Error)
	}
}

func TestManifestSortedByID(t *testing.T) {
	reg := NewRegistry(nil)
	noop := func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil }
	reg.Register(wire.ToolDef{ID: "zeta.last"}, noop)
	reg.Register(wire.ToolDef{ID: "alpha.first"}, noop)
	reg.Register(wire.ToolDef{ID: "mid.dle"}, noop)

	defs := reg.Manifest()
	if len(defs) != 3 {
		t.Fatalf("manifest size = %d, want 3", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].ID > defs[i].ID {
			t.Fatalf("manifest out of order: %s before %s", defs[i-1].ID, defs[i].ID)
		}
	}
}

func TestDispatcherAnswersWithExecutionResult(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(wire.ToolDef{ID: "test.echo"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "pong", nil
	})

	sent := make(chan *wire.Envelope, 1)
	d := NewDispatcher(reg, func(env *wire.Envelope) error {
		sent <- env
		return nil
	}, nil)

	env := wire.MustNew(wire.TypeExecutionRequest, wire.ExecutionRequest{
		RequestID: "r5",
		Tool:      "test.echo",
	})
	d.HandleExecutionRequest(context.Background(), env)

	select {
	case out := <-sent:
		if out.Type != wire.TypeExecutionResult {
			t.Fatalf("reply kind = %s, want %s", out.Type, wire.TypeExecutionResult)
		}
		var res wire.ExecutionResult
		if err := out.Decode(&res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if !res.Success || res.Result != "pong" || res.RequestID != "r5" {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no execution result arrived")
	}
}

func TestDispatcherIgnoresMalformedRequest(t *testing.T) {
	reg := NewRegistry(nil)
	d := NewDispatcher(reg, func(env *wire.Envelope) error {
		t.Error("malformed request produced a reply")
		return nil
	}, nil)

	env := &wire.Envelope{Type: wire.TypeExecutionRequest, Payload: json.RawMessage(`"not an object"`)}
	d.HandleExecutionRequest(context.Background(), env)
	time.Sleep(50 * time.Millisecond)
}

func TestDispatcherSendFailureIsSwallowed(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(wire.ToolDef{ID: "test.echo"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "ok", nil
	})
	done := make(chan struct{}, 1)
	d := NewDispatcher(reg, func(env *wire.Envelope) error {
		done <- struct{}{}
		return errors.New("channel down")
	}, nil)

	d.HandleExecutionRequest(context.Background(), wire.MustNew(wire.TypeExecutionRequest, wire.ExecutionRequest{
		RequestID: "r6",
		Tool:      "test.echo",
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never attempted the send")
	}
}
