package registry

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPTool renders the tool as advertised by tools/list.
func (d *ToolDef) MCPTool() mcp.Tool {
	t := mcp.Tool{
		Name:        d.Name,
		Description: d.Description,
		Annotations: mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(d.Hints.ReadOnly),
			DestructiveHint: mcp.ToBoolPtr(d.Hints.Destructive),
			IdempotentHint:  mcp.ToBoolPtr(d.Hints.Idempotent),
		},
	}
	if len(d.InputSchema) > 0 {
		t.RawInputSchema = d.InputSchema
	} else {
		t.InputSchema = mcp.ToolInputSchema{Type: "object"}
	}
	return t
}

// MCPResource renders the resource as advertised by resources/list.
func (d *ResourceDef) MCPResource() mcp.Resource {
	name := d.Name
	if name == "" {
		name = d.URI
	}
	return mcp.Resource{
		URI:         d.URI,
		Name:        name,
		Description: d.Description,
		MIMEType:    d.MIMEType,
	}
}

// MCPPrompt renders the prompt as advertised by prompts/list.
func (d *PromptDef) MCPPrompt() mcp.Prompt {
	p := mcp.Prompt{Name: d.Name, Description: d.Description}
	for _, a := range d.Arguments {
		p.Arguments = append(p.Arguments, mcp.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return p
}
