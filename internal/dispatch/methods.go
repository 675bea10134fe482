package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcpgate/internal/auth"
	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/registry"
	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
	"github.com/gaspardpetit/mcpgate/internal/wire"
)

// SupportedProtocolVersions lists the protocol revisions the gateway
// accepts, newest first.
var SupportedProtocolVersions = mcp.ValidProtocolVersions

// LatestProtocolVersion is offered to clients requesting an unknown revision.
const LatestProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// negotiate echoes the client's version when supported and otherwise
// offers the latest one.
func negotiate(requested string) string {
	if requested != "" && slices.Contains(SupportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}

func (d *Dispatcher) initialize(ctx context.Context, call *Call) (any, error) {
	var p initializeParams
	if perr := wire.DecodeParams(call.Request.Params, &p); perr != nil {
		return nil, perr
	}
	version := negotiate(p.ProtocolVersion)
	if s := call.Caller.Session; s != nil {
		if err := s.MarkInitialized(ctx, version); err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindInternal, err, "session update failed")
		}
	}
	logx.Log.Info().Str("tenant_id", call.Caller.Principal.TenantID).Str("client", p.ClientInfo.Name).
		Str("requested", p.ProtocolVersion).Str("protocol", version).Msg("session initialized")
	return initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
			"prompts":   map[string]any{"listChanged": false},
			"experimental": map[string]any{
				"streaming": map[string]any{"notification": MethodToolChunk},
			},
		},
		ServerInfo:   mcp.Implementation{Name: d.opts.ServerName, Version: d.opts.ServerVersion},
		Instructions: d.opts.Instructions,
	}, nil
}

func (d *Dispatcher) listTools() mcp.ListToolsResult {
	defs := d.reg.Tools()
	tools := make([]mcp.Tool, 0, len(defs))
	for _, t := range defs {
		tools = append(tools, t.MCPTool())
	}
	return mcp.ListToolsResult{Tools: tools}
}

func (d *Dispatcher) listResources() mcp.ListResourcesResult {
	defs := d.reg.Resources()
	out := make([]mcp.Resource, 0, len(defs))
	for _, r := range defs {
		out = append(out, r.MCPResource())
	}
	return mcp.ListResourcesResult{Resources: out}
}

func (d *Dispatcher) listPrompts() mcp.ListPromptsResult {
	defs := d.reg.Prompts()
	out := make([]mcp.Prompt, 0, len(defs))
	for _, p := range defs {
		out = append(out, p.MCPPrompt())
	}
	return mcp.ListPromptsResult{Prompts: out}
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) callTool(ctx context.Context, call *Call) (any, *Stream, error) {
	var p callToolParams
	if perr := wire.DecodeParams(call.Request.Params, &p); perr != nil {
		return nil, nil, perr
	}
	if p.Name == "" {
		return nil, nil, rpcerr.New(rpcerr.KindInvalidParams, "missing tool name")
	}
	def, ok := d.reg.Tool(p.Name)
	if !ok {
		return nil, nil, rpcerr.New(rpcerr.KindNotFound, "unknown tool: %s", p.Name)
	}
	if err := registry.Authorize(def, call.Caller.Principal.Scopes); err != nil {
		return nil, nil, err
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}
	if err := registry.ValidateToolArguments(def, p.Arguments); err != nil {
		return nil, nil, err
	}
	ctx = auth.WithPrincipal(ctx, call.Caller.Principal)

	if def.Streaming() {
		seq := def.Stream(ctx, p.Arguments)
		if call.Caller.Incremental && !call.Request.IsNotification() {
			return nil, &Stream{
				id:        call.Request.ID,
				tool:      def.Name,
				transport: call.Caller.Transport,
				seq:       seq,
			}, nil
		}
		res, err := collect(seq)
		return res, nil, err
	}

	v, err := def.Handler(ctx, p.Arguments)
	if err != nil {
		return nil, nil, err
	}
	return toolResult(v), nil, nil
}

// toolResult wraps a handler's return value in the tools/call result shape.
func toolResult(v any) any {
	switch r := v.(type) {
	case *mcp.CallToolResult:
		return r
	case mcp.CallToolResult:
		return r
	case nil:
		return mcp.CallToolResult{Content: []mcp.Content{}}
	}
	return mcp.CallToolResult{Content: []mcp.Content{toContent(v)}}
}

func toContent(v any) mcp.Content {
	switch c := v.(type) {
	case mcp.Content:
		return c
	case string:
		return mcp.NewTextContent(c)
	case []byte:
		return mcp.NewTextContent(string(c))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewTextContent(err.Error())
	}
	return mcp.NewTextContent(string(b))
}

type readResourceParams struct {
	URI       string            `json:"uri"`
	Arguments map[string]string `json:"arguments"`
}

func (d *Dispatcher) readResource(ctx context.Context, call *Call) (any, error) {
	var p readResourceParams
	if perr := wire.DecodeParams(call.Request.Params, &p); perr != nil {
		return nil, perr
	}
	if p.URI == "" {
		return nil, rpcerr.New(rpcerr.KindInvalidParams, "missing resource uri")
	}
	def, ok := d.reg.Resource(p.URI)
	if !ok {
		return nil, rpcerr.New(rpcerr.KindNotFound, "unknown resource: %s", p.URI)
	}
	if err := registry.Authorize(def, call.Caller.Principal.Scopes); err != nil {
		return nil, err
	}
	if err := registry.CheckArguments(def.Arguments, p.Arguments); err != nil {
		return nil, err
	}
	content, err := def.Handler(auth.WithPrincipal(ctx, call.Caller.Principal), p.Arguments)
	if err != nil {
		return nil, err
	}
	mime := content.MIMEType
	if mime == "" {
		mime = def.MIMEType
	}
	var rc mcp.ResourceContents
	if content.Blob != nil {
		rc = mcp.BlobResourceContents{URI: def.URI, MIMEType: mime, Blob: base64.StdEncoding.EncodeToString(content.Blob)}
	} else {
		rc = mcp.TextResourceContents{URI: def.URI, MIMEType: mime, Text: content.Text}
	}
	return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{rc}}, nil
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (d *Dispatcher) getPrompt(ctx context.Context, call *Call) (any, error) {
	var p getPromptParams
	if perr := wire.DecodeParams(call.Request.Params, &p); perr != nil {
		return nil, perr
	}
	if p.Name == "" {
		return nil, rpcerr.New(rpcerr.KindInvalidParams, "missing prompt name")
	}
	def, ok := d.reg.Prompt(p.Name)
	if !ok {
		return nil, rpcerr.New(rpcerr.KindNotFound, "unknown prompt: %s", p.Name)
	}
	if err := registry.Authorize(def, call.Caller.Principal.Scopes); err != nil {
		return nil, err
	}
	if err := registry.CheckArguments(def.Arguments, p.Arguments); err != nil {
		return nil, err
	}
	res, err := def.Handler(auth.WithPrincipal(ctx, call.Caller.Principal), p.Arguments)
	if err != nil {
		return nil, err
	}
	desc := res.Description
	if desc == "" {
		desc = def.Description
	}
	msgs := make([]mcp.PromptMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		role := mcp.RoleUser
		if m.Role == string(mcp.RoleAssistant) {
			role = mcp.RoleAssistant
		}
		msgs = append(msgs, mcp.PromptMessage{Role: role, Content: mcp.NewTextContent(m.Text)})
	}
	return mcp.GetPromptResult{Description: desc, Messages: msgs}, nil
}
