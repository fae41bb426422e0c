package mcpintegration

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
)

// errorResponse is the JSON body written for a transport-level error,
// adapted from the teacher's api/errors handler response shape.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, kind gwerrors.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Code: string(kind)})
}

// toolResult is the tagged-union shape every tool handler returns to
// the LLM (spec.md §7 "User-visible failure shape"), independent of
// mcp-go's own CallToolResult envelope.
type toolResult struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// successResult builds the {status:"success", data:...} tool response.
func successResult(data any) *mcp.CallToolResult {
	return structuredResult(toolResult{Status: "success", Data: data})
}

// failureResult builds the {status:"failure", code, message} tool
// response for a known error kind (delegation failures, insufficient
// permissions, etc).
func failureResult(code, message string) *mcp.CallToolResult {
	return structuredResult(toolResult{Status: "failure", Code: code, Message: message})
}

// serverErrorResult builds a generic SERVER_ERROR response for any
// exception a tool handler did not anticipate, redacting sql/params
// fields and never echoing the raw error to the client (spec.md §7).
func serverErrorResult(err error) *mcp.CallToolResult {
	logger.Errorf("mcpintegration: unhandled tool error: %v", redactSensitive(err.Error()))
	return structuredResult(toolResult{
		Status:  "failure",
		Code:    "SERVER_ERROR",
		Message: "An internal error occurred while processing this request.",
	})
}

func structuredResult(r toolResult) *mcp.CallToolResult {
	return mcp.NewToolResultStructuredOnly(r)
}

var sensitiveFieldPattern = regexp.MustCompile(`(?i)"(sql|params)"\s*:\s*"[^"]*"`)

// redactSensitive strips sql/params field values out of a message
// before it is ever logged alongside user-facing output, per §7's
// "sql and params fields redacted" requirement.
func redactSensitive(s string) string {
	return sensitiveFieldPattern.ReplaceAllString(s, `"$1":"[REDACTED]"`)
}

// ensureDetectionKeyword guarantees a 401 message contains one of the
// keywords downstream proxies discriminate on (spec.md §7). Gateway
// error messages already satisfy this; this is a defensive backstop for
// messages coming from outside our own taxonomy (e.g. a wrapped
// library error).
func ensureDetectionKeyword(message string) string {
	for _, kw := range []string{"Authentication", "Invalid JWT", "Token", "Unauthorized"} {
		if containsFold(message, kw) {
			return message
		}
	}
	return "Unauthorized: " + message
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && regexp.MustCompile(`(?i)`+regexp.QuoteMeta(substr)).MatchString(s)
}
