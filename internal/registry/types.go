package registry

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/xeipuuv/gojsonschema"
)

// Kind names a capability family.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Definition is implemented by ToolDef, ResourceDef and PromptDef.
type Definition interface {
	CapabilityKind() Kind
	CapabilityName() string
	Scopes() []string
}

// Hints describe a tool's side effects. They are surfaced to clients and
// may select a rate-limit tier; they never drive control flow.
type Hints struct {
	ReadOnly    bool
	Destructive bool
	Idempotent  bool
}

// ToolFunc runs a tool to completion.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// StreamFunc produces a tool's partial results lazily. Each yielded value
// is one chunk; a non-nil error ends the sequence.
type StreamFunc func(ctx context.Context, args map[string]any) iter.Seq2[any, error]

// ToolDef declares a callable tool. Exactly one of Handler and Stream is set.
type ToolDef struct {
	Name           string
	Description    string
	InputSchema    json.RawMessage
	RequiredScopes []string
	Hints          Hints
	// Tier selects a stricter rate-limit allowance; empty means the
	// tenant's default allowance only.
	Tier    string
	Handler ToolFunc
	Stream  StreamFunc

	schema *gojsonschema.Schema
}

func (d *ToolDef) CapabilityKind() Kind   { return KindTool }
func (d *ToolDef) CapabilityName() string { return d.Name }
func (d *ToolDef) Scopes() []string       { return d.RequiredScopes }

// Streaming reports whether the tool yields partial results.
func (d *ToolDef) Streaming() bool { return d.Stream != nil }

// Argument declares a named string argument of a resource or prompt.
type Argument struct {
	Name        string
	Description string
	Required    bool
}

// ResourceContent is what a resource handler returns. Blob takes
// precedence over Text when set.
type ResourceContent struct {
	MIMEType string
	Text     string
	Blob     []byte
}

// ResourceFunc reads a resource.
type ResourceFunc func(ctx context.Context, args map[string]string) (ResourceContent, error)

// ResourceDef declares a readable resource. Resources are addressed by URI.
type ResourceDef struct {
	URI            string
	Name           string
	Description    string
	MIMEType       string
	Arguments      []Argument
	RequiredScopes []string
	Handler        ResourceFunc
}

func (d *ResourceDef) CapabilityKind() Kind   { return KindResource }
func (d *ResourceDef) CapabilityName() string { return d.URI }
func (d *ResourceDef) Scopes() []string       { return d.RequiredScopes }

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role string
	Text string
}

// PromptResult is a rendered prompt.
type PromptResult struct {
	Description string
	Messages    []PromptMessage
}

// PromptFunc renders a prompt.
type PromptFunc func(ctx context.Context, args map[string]string) (PromptResult, error)

// PromptDef declares a prompt template.
type PromptDef struct {
	Name           string
	Description    string
	Arguments      []Argument
	RequiredScopes []string
	Handler        PromptFunc
}

func (d *PromptDef) CapabilityKind() Kind   { return KindPrompt }
func (d *PromptDef) CapabilityName() string { return d.Name }
func (d *PromptDef) Scopes() []string       { return d.RequiredScopes }
