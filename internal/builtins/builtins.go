// Package builtins registers a small capability set so a bare gateway has
// something to serve.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/gaspardpetit/mcpgate/internal/auth"
	"github.com/gaspardpetit/mcpgate/internal/registry"
	"github.com/gaspardpetit/mcpgate/internal/serverstate"
)

// Info describes the running binary for the status resource.
type Info struct {
	Version string
	SHA     string
	Date    string
}

const maxCount = 100

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`)

var countSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"to": {"type": "integer", "minimum": 1, "maximum": 100},
		"delay_ms": {"type": "integer", "minimum": 0, "maximum": 10000}
	},
	"additionalProperties": false
}`)

// Register adds the builtin tools, resources and prompts to reg.
func Register(reg *registry.Registry, info Info) error {
	if _, err := reg.RegisterTools(
		registry.ToolDef{
			Name:        "echo",
			Description: "Return the given text unchanged.",
			InputSchema: echoSchema,
			Hints:       registry.Hints{ReadOnly: true, Idempotent: true},
			Handler:     echo,
		},
		registry.ToolDef{
			Name:        "whoami",
			Description: "Describe the authenticated caller.",
			Hints:       registry.Hints{ReadOnly: true, Idempotent: true},
			Handler:     whoami,
		},
		registry.ToolDef{
			Name:        "count",
			Description: "Count from 1 to `to`, one chunk per number.",
			InputSchema: countSchema,
			Hints:       registry.Hints{ReadOnly: true, Idempotent: true},
			Stream:      count,
		},
	); err != nil {
		return err
	}
	if _, err := reg.RegisterResources(registry.ResourceDef{
		URI:         "gateway://status",
		Name:        "status",
		Description: "Gateway readiness and build information.",
		MIMEType:    "application/json",
		Handler: func(context.Context, map[string]string) (registry.ResourceContent, error) {
			return status(reg, info)
		},
	}); err != nil {
		return err
	}
	_, err := reg.RegisterPrompts(registry.PromptDef{
		Name:        "summarize",
		Description: "Ask the model to summarize a text.",
		Arguments: []registry.Argument{
			{Name: "text", Description: "Text to summarize", Required: true},
			{Name: "style", Description: "Optional style, e.g. bullet points"},
		},
		Handler: summarize,
	})
	return err
}

func echo(_ context.Context, args map[string]any) (any, error) {
	return args["text"], nil
}

func whoami(ctx context.Context, _ map[string]any) (any, error) {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no authenticated caller")
	}
	return map[string]any{
		"tenantId": p.TenantID,
		"userId":   p.UserID,
		"scopes":   p.Scopes,
	}, nil
}

func count(ctx context.Context, args map[string]any) iter.Seq2[any, error] {
	to := min(intArg(args, "to", 10), maxCount)
	delay := time.Duration(intArg(args, "delay_ms", 0)) * time.Millisecond
	return func(yield func(any, error) bool) {
		for i := 1; i <= to; i++ {
			if i > 1 && delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					yield(nil, ctx.Err())
					return
				case <-t.C:
				}
			}
			if !yield(fmt.Sprint(i), nil) {
				return
			}
		}
	}
}

func intArg(args map[string]any, name string, def int) int {
	if f, ok := args[name].(float64); ok {
		return int(f)
	}
	return def
}

func status(reg *registry.Registry, info Info) (registry.ResourceContent, error) {
	st := serverstate.Snapshot()
	b, err := json.Marshal(map[string]any{
		"status":    st.Status,
		"draining":  st.Draining,
		"version":   info.Version,
		"sha":       info.SHA,
		"date":      info.Date,
		"tools":     len(reg.Tools()),
		"resources": len(reg.Resources()),
		"prompts":   len(reg.Prompts()),
	})
	if err != nil {
		return registry.ResourceContent{}, err
	}
	return registry.ResourceContent{MIMEType: "application/json", Text: string(b)}, nil
}

func summarize(_ context.Context, args map[string]string) (registry.PromptResult, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the following text")
	if style := strings.TrimSpace(args["style"]); style != "" {
		sb.WriteString(" as ")
		sb.WriteString(style)
	}
	sb.WriteString(":\n\n")
	sb.WriteString(args["text"])
	return registry.PromptResult{
		Description: "Summarize a text",
		Messages:    []registry.PromptMessage{{Role: "user", Text: sb.String()}},
	}, nil
}
