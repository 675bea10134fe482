package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
)

func echoTool(name string) ToolDef {
	return ToolDef{
		Name: name,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func TestRegisterOverwriteKeepsOneEntry(t *testing.T) {
	r := New()
	if _, err := r.RegisterTools(echoTool("echo"), echoTool("alpha")); err != nil {
		t.Fatalf("register: %v", err)
	}
	second := echoTool("echo")
	second.Description = "v2"
	replaced, err := r.RegisterTools(second)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(replaced) != 1 || replaced[0] != "echo" {
		t.Fatalf("replaced = %v; want [echo]", replaced)
	}
	tools := r.Tools()
	if len(tools) != 2 {
		t.Fatalf("got %d tools; want 2", len(tools))
	}
	if tools[0].Name != "alpha" || tools[1].Name != "echo" {
		t.Fatalf("tools not sorted: %s, %s", tools[0].Name, tools[1].Name)
	}
	if d, _ := r.Tool("echo"); d.Description != "v2" {
		t.Fatalf("last registration should win, got %q", d.Description)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	if _, err := r.RegisterTools(ToolDef{Name: "none"}); err == nil {
		t.Fatalf("expected error for tool without handler")
	}
	both := echoTool("both")
	both.Stream = func(ctx context.Context, args map[string]any) iter.Seq2[any, error] { return nil }
	if _, err := r.RegisterTools(both); err == nil {
		t.Fatalf("expected error for tool with handler and stream")
	}
	bad := echoTool("bad")
	bad.InputSchema = json.RawMessage(`{"type": 12}`)
	if _, err := r.RegisterTools(bad); err == nil {
		t.Fatalf("expected error for invalid schema")
	}
	if _, err := r.Register(KindResource, &PromptDef{Name: "p"}); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
	if len(r.Tools()) != 0 {
		t.Fatalf("failed registrations must not leak definitions")
	}
}

func TestGenericRegisterAndResolve(t *testing.T) {
	r := New()
	res := &ResourceDef{URI: "gateway://status", Handler: func(ctx context.Context, args map[string]string) (ResourceContent, error) {
		return ResourceContent{Text: "ok"}, nil
	}}
	if _, err := r.Register(KindResource, res); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, ok := r.Resolve(KindResource, "gateway://status")
	if !ok || d.CapabilityName() != "gateway://status" {
		t.Fatalf("resolve = %v, %v", d, ok)
	}
	if _, ok := r.Resolve(KindTool, "gateway://status"); ok {
		t.Fatalf("resolve must be kind scoped")
	}
	if got := len(r.List(KindResource)); got != 1 {
		t.Fatalf("list = %d", got)
	}
	if got := r.Resources()[0].MCPResource().Name; got != "gateway://status" {
		t.Fatalf("name should default to URI, got %q", got)
	}
}

func TestConcurrentReadsDuringRegistration(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = r.Tools()
				_, _ = r.Tool("t0")
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if _, err := r.RegisterTools(echoTool(fmt.Sprintf("t%d", i%5))); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	wg.Wait()
	if len(r.Tools()) != 5 {
		t.Fatalf("got %d tools; want 5", len(r.Tools()))
	}
}

func TestValidateToolArguments(t *testing.T) {
	r := New()
	d := echoTool("greet")
	d.InputSchema = json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	if _, err := r.RegisterTools(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	def, _ := r.Tool("greet")
	if err := ValidateToolArguments(def, map[string]any{"name": "ada"}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	err := ValidateToolArguments(def, nil)
	if rpcerr.KindOf(err) != rpcerr.KindInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	if err := ValidateToolArguments(&ToolDef{Name: "free"}, map[string]any{"x": 1}); err != nil {
		t.Fatalf("schemaless tool rejected args: %v", err)
	}
}

func TestCheckArguments(t *testing.T) {
	decls := []Argument{{Name: "text", Required: true}, {Name: "style"}}
	if err := CheckArguments(decls, map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if rpcerr.KindOf(CheckArguments(decls, map[string]string{"style": "short"})) != rpcerr.KindInvalidParams {
		t.Fatalf("missing required argument should be invalid params")
	}
	if rpcerr.KindOf(CheckArguments(decls, map[string]string{"text": "hi", "bogus": "1"})) != rpcerr.KindInvalidParams {
		t.Fatalf("unknown argument should be invalid params")
	}
}

func TestScopes(t *testing.T) {
	d := &ToolDef{Name: "refund", RequiredScopes: []string{"orders:write"}}
	if err := Authorize(d, []string{"orders:read"}); rpcerr.KindOf(err) != rpcerr.KindAuthorizationFailed {
		t.Fatalf("expected authorization failure, got %v", err)
	}
	if err := Authorize(d, []string{"orders:write"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := Authorize(d, []string{ScopeAll}); err != nil {
		t.Fatalf("wildcard scope rejected: %v", err)
	}
}

func TestMCPToolAnnotations(t *testing.T) {
	d := echoTool("lookup")
	d.Hints = Hints{ReadOnly: true, Idempotent: true}
	tool := d.MCPTool()
	if tool.Annotations.ReadOnlyHint == nil || !*tool.Annotations.ReadOnlyHint {
		t.Fatalf("read-only hint missing")
	}
	if tool.Annotations.DestructiveHint == nil || *tool.Annotations.DestructiveHint {
		t.Fatalf("destructive hint should be false")
	}
	b, err := json.Marshal(tool)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(b, &decoded)
	if decoded["name"] != "lookup" || decoded["inputSchema"] == nil {
		t.Fatalf("unexpected tool json %s", b)
	}
}
