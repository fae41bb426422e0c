package mcpintegration

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/authz"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/corectx"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/rolemap"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
)

// ToolSpec describes one delegated tool: which delegation module it
// invokes and what role it requires to be visible/callable. This is
// Tool Dispatcher T's per-tool configuration (spec.md §4.10).
type ToolSpec struct {
	Name           string
	Description    string
	Module         string // delegation.Registry module name
	RequiredRole   string // empty means any authenticated session
	InputSchema    mcp.ToolInputSchema
}

// Dispatcher registers delegated tools against an mcp-go server,
// enforcing Z's soft visibility check before listing and its hard
// check before executing, then routing the call through the
// Delegation Registry (C7).
type Dispatcher struct {
	Core *corectx.Context
}

// NewDispatcher builds a Dispatcher over core.
func NewDispatcher(core *corectx.Context) *Dispatcher {
	return &Dispatcher{Core: core}
}

// Register adds every spec to mcpServer as a tool whose handler
// authorizes, delegates, and translates the result into the tagged
// tool-response shape.
func (d *Dispatcher) Register(mcpServer *server.MCPServer, specs []ToolSpec) {
	for _, spec := range specs {
		spec := spec
		mcpServer.AddTool(mcp.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		}, d.handlerFor(spec))
	}
}

// handlerFor closes over spec and returns an mcp-go tool handler.
func (d *Dispatcher) handlerFor(spec ToolSpec) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, ok := SessionFromContext(ctx)
		if !ok {
			return failureResult("INSUFFICIENT_PERMISSIONS", "no authenticated session on this request"), nil
		}

		if spec.RequiredRole != "" {
			if err := authz.RequireRole(sess, rolemap.Role(spec.RequiredRole)); err != nil {
				return failureResult("INSUFFICIENT_PERMISSIONS", err.Error()), nil
			}
		} else if err := authz.RequireAuth(sess); err != nil {
			return failureResult("INSUFFICIENT_PERMISSIONS", err.Error()), nil
		}

		params, err := decodeArguments(req)
		if err != nil {
			return failureResult("INVALID_PARAMS", err.Error()), nil
		}

		action, _ := params["action"].(string)
		args, _ := params["args"].(map[string]any)

		result, err := d.Core.Delegation.Delegate(ctx, spec.Module, sess, action, map[string]any{"body": args, "args": args})
		if err != nil {
			return failureResult("DELEGATION_ERROR", err.Error()), nil
		}
		if !result.Success {
			return failureResult("DELEGATION_ERROR", result.Error), nil
		}
		return successResult(result.Value), nil
	}
}

// IsVisible implements T's soft visibility check: a tool is listed to a
// session only if it would also pass the hard check, so tool lists
// never advertise operations a caller cannot actually invoke.
func IsVisible(sess *session.UserSession, spec ToolSpec) bool {
	if spec.RequiredRole == "" {
		return authz.IsAuthenticated(sess)
	}
	return authz.HasRole(sess, rolemap.Role(spec.RequiredRole))
}

func decodeArguments(req mcp.CallToolRequest) (map[string]any, error) {
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
