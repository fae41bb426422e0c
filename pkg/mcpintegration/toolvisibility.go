package mcpintegration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
)

// toolsListMethod is the JSON-RPC method mcp-go's tools/list handler
// registers under.
const toolsListMethod = "tools/list"

// jsonrpcRequestEnvelope peeks at enough of a Streamable HTTP request
// body to tell whether it carries a tools/list call, without decoding
// the rest of the MCP request shape.
type jsonrpcRequestEnvelope struct {
	Method string `json:"method"`
}

// jsonrpcResponseEnvelope is the subset of a JSON-RPC response this
// filter needs to touch: everything but result is passed through
// untouched via json.RawMessage.
type jsonrpcResponseEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type listToolsResult struct {
	Tools      []json.RawMessage `json:"tools"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

type toolNameOnly struct {
	Name string `json:"name"`
}

// visibilityFilterMiddleware intercepts tools/list responses and drops
// any tool this request's session cannot see, so a session is never
// advertised a tool it would fail authz.RequireRole/authz.RequireAuth
// to invoke (spec.md §4.10, Tool Dispatcher T's soft visibility check).
// mcp-go registers every tool unconditionally with AddTool; this is
// the layer that turns static registration into per-session filtering.
func visibilityFilterMiddleware(specs []ToolSpec) func(http.Handler) http.Handler {
	byName := make(map[string]ToolSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !isToolsListRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			rec := &bufferingResponseWriter{ResponseWriter: w, buf: &bytes.Buffer{}, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			sess, _ := SessionFromContext(r.Context())
			filtered, err := filterToolsListResponse(rec.buf.Bytes(), sess, byName)
			if err != nil {
				logger.Debugf("mcpintegration: tools/list response not filterable, passing through: %v", err)
				filtered = rec.buf.Bytes()
			}

			w.WriteHeader(rec.status)
			_, _ = w.Write(filtered)
		})
	}
}

// isToolsListRequest peeks at r's body to check its JSON-RPC method,
// then restores the body so the real handler can still read it.
func isToolsListRequest(r *http.Request) bool {
	if r.Body == nil {
		return false
	}
	orig := r.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxToolsListPeekBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), orig), orig}
	if err != nil {
		return false
	}

	var env jsonrpcRequestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false
	}
	return env.Method == toolsListMethod
}

const maxToolsListPeekBytes = 1 << 20

// filterToolsListResponse drops tools from a tools/list response body
// that IsVisible rejects for sess. The result object is re-encoded with
// only its tools and nextCursor fields; any other result field is
// dropped.
func filterToolsListResponse(body []byte, sess *session.UserSession, byName map[string]ToolSpec) ([]byte, error) {
	var resp jsonrpcResponseEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return body, nil
	}

	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}

	visible := make([]json.RawMessage, 0, len(result.Tools))
	for _, raw := range result.Tools {
		var t toolNameOnly
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		spec, ok := byName[t.Name]
		if !ok || IsVisible(sess, spec) {
			visible = append(visible, raw)
		}
	}
	result.Tools = visible

	filteredResult, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp.Result = filteredResult

	return json.Marshal(resp)
}

// bufferingResponseWriter captures a response instead of writing it
// immediately, so its body can be rewritten before it reaches the
// client.
type bufferingResponseWriter struct {
	http.ResponseWriter
	buf        *bytes.Buffer
	status     int
	wroteHeader bool
}

func (b *bufferingResponseWriter) WriteHeader(status int) {
	if !b.wroteHeader {
		b.status = status
		b.wroteHeader = true
	}
}

func (b *bufferingResponseWriter) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}
