package registry

import (
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
)

// ScopeAll grants every scope.
const ScopeAll = "*"

// HasScopes reports whether granted covers every required scope.
func HasScopes(required, granted []string) bool {
	if slices.Contains(granted, ScopeAll) {
		return true
	}
	for _, s := range required {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

// Authorize fails with AUTHORIZATION_FAILED when granted does not cover
// the definition's required scopes.
func Authorize(d Definition, granted []string) error {
	if HasScopes(d.Scopes(), granted) {
		return nil
	}
	return rpcerr.New(rpcerr.KindAuthorizationFailed, "%s %q requires scopes %s", d.CapabilityKind(), d.CapabilityName(), strings.Join(d.Scopes(), ","))
}

// CheckArguments validates caller arguments against declared arguments.
// Missing required arguments and unknown names are INVALID_PARAMS.
func CheckArguments(decls []Argument, args map[string]string) error {
	var missing []string
	for _, a := range decls {
		if !a.Required {
			continue
		}
		if v, ok := args[a.Name]; !ok || v == "" {
			missing = append(missing, a.Name)
		}
	}
	if len(missing) > 0 {
		return rpcerr.New(rpcerr.KindInvalidParams, "missing required arguments: %s", strings.Join(missing, ", "))
	}
	for name := range args {
		if !slices.ContainsFunc(decls, func(a Argument) bool { return a.Name == name }) {
			return rpcerr.New(rpcerr.KindInvalidParams, "unknown argument %q", name)
		}
	}
	return nil
}

// ValidateToolArguments checks args against the tool's input schema. Tools
// without a schema accept anything.
func ValidateToolArguments(d *ToolDef, args map[string]any) error {
	if d.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := d.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindInvalidParams, err, "arguments could not be validated")
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return rpcerr.New(rpcerr.KindInvalidParams, "invalid arguments: %s", strings.Join(msgs, "; ")).
		WithData(map[string]any{"errors": msgs})
}
