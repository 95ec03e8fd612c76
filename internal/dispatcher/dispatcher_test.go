package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRegistry 测试用注册表
type stubRegistry struct {
	agent   *model.AgentRuntime
	servers map[string]*model.McpServer
}

func (s *stubRegistry) Get(name string) (*model.AgentRuntime, error) {
	if s.agent == nil || s.agent.Name != name {
		return nil, apperr.New(apperr.KindClient, apperr.CodeNotFound, "agent not found")
	}
	return s.agent, nil
}

func (s *stubRegistry) McpServersFor(agent *model.AgentRuntime) []*model.McpServer {
	out := make([]*model.McpServer, 0, len(agent.McpServers))
	for _, name := range agent.McpServers {
		if srv, ok := s.servers[name]; ok {
			out = append(out, srv)
		}
	}
	return out
}

func (s *stubRegistry) McpServer(name string) (*model.McpServer, error) {
	srv, ok := s.servers[name]
	if !ok {
		return nil, apperr.New(apperr.KindClient, apperr.CodeNotFound, "server not found")
	}
	return srv, nil
}

// newMcpTestServer 启动一个响应 tools/list 和 tools/call 的假 MCP 服务
//
// handler 处理 tools/call；tools/list 固定返回 toolNames。
// 返回的 McpServer.Port 指向 httptest 监听的随机端口。
func newMcpTestServer(t *testing.T, name string, toolNames []string, handler func(params toolsCallParams, r *http.Request) (any, *rpcError)) *model.McpServer {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "tools/list":
			tools := make([]model.MCPTool, 0, len(toolNames))
			for _, n := range toolNames {
				tools = append(tools, model.MCPTool{Name: n, Description: "test tool"})
			}
			raw, _ := json.Marshal(toolsListResult{Tools: tools})
			resp.Result = raw
		case "tools/call":
			raw, _ := json.Marshal(req.Params)
			var params toolsCallParams
			require.NoError(t, json.Unmarshal(raw, &params))
			result, rpcErr := handler(params, r)
			if rpcErr != nil {
				resp.Error = rpcErr
			} else {
				resp.Result, _ = json.Marshal(result)
			}
		default:
			resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&resp)
	}))
	t.Cleanup(ts.Close)

	port := ts.Listener.Addr().(*net.TCPAddr).Port
	return &model.McpServer{Name: name, Port: port, Enabled: true}
}

func textResult(text string) toolsCallResult {
	return toolsCallResult{Content: []model.ContentPart{{Type: "text", Text: text}}}
}

func TestListAvailableTools(t *testing.T) {
	s1 := newMcpTestServer(t, "sales-mcp", []string{"query_sales", "export_report"}, nil)
	s2 := newMcpTestServer(t, "docs-mcp", []string{"search_docs"}, nil)

	reg := &stubRegistry{
		agent: &model.AgentRuntime{
			Name:       "analyst",
			Enabled:    true,
			McpServers: []string{"sales-mcp", "docs-mcp", "down-mcp"},
		},
		servers: map[string]*model.McpServer{
			"sales-mcp": s1,
			"docs-mcp":  s2,
			// 不可达的服务应被跳过而不是整体失败
			"down-mcp": {Name: "down-mcp", Port: 1, Enabled: true},
		},
	}

	d := New(reg)
	tools, err := d.ListAvailableTools(context.Background(), "analyst", &model.RequestContext{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, tools, 3)

	names := make(map[string]string)
	for _, tool := range tools {
		names[tool.Name] = tool.ServerName
	}
	assert.Equal(t, "sales-mcp", names["query_sales"])
	assert.Equal(t, "docs-mcp", names["search_docs"])
}

func TestListAvailableTools_OAuthGated(t *testing.T) {
	srv := newMcpTestServer(t, "crm-mcp", []string{"lookup_customer"}, nil)
	srv.OAuthScopes = []string{"crm.read"}

	reg := &stubRegistry{
		agent:   &model.AgentRuntime{Name: "analyst", Enabled: true, McpServers: []string{"crm-mcp"}},
		servers: map[string]*model.McpServer{"crm-mcp": srv},
	}
	d := New(reg)

	// 未携带令牌：整个服务被过滤
	tools, err := d.ListAvailableTools(context.Background(), "analyst", &model.RequestContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, tools)

	// 携带令牌：可见，且继承服务的 scope 要求
	tools, err = d.ListAvailableTools(context.Background(), "analyst",
		&model.RequestContext{UserID: "u1", AuthToken: "tok"})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, []string{"crm.read"}, tools[0].RequiredScopes)
}

func TestExecuteTool_HeaderPropagation(t *testing.T) {
	var gotHeaders http.Header
	srv := newMcpTestServer(t, "sales-mcp", []string{"query_sales"},
		func(params toolsCallParams, r *http.Request) (any, *rpcError) {
			gotHeaders = r.Header.Clone()
			assert.Equal(t, "query_sales", params.Name)
			return textResult("ok"), nil
		})

	reg := &stubRegistry{servers: map[string]*model.McpServer{"sales-mcp": srv}}
	d := New(reg)

	reqCtx := &model.RequestContext{
		UserID:    "u1",
		SessionID: "sess-1",
		TraceID:   "trace-1",
		ContextID: "ctx-1",
		AuthToken: "tok",
	}
	tools := []model.MCPTool{{Name: "query_sales", ServerName: "sales-mcp"}}
	call := &model.ToolCall{ID: "call-1", Name: "query_sales", Arguments: json.RawMessage(`{"month":"2026-08"}`)}

	result, err := d.ExecuteTool(context.Background(), call, tools, reqCtx,
		map[string]model.ModelOverride{"query_sales": {Provider: "openai", Model: "gpt-5.2-codex"}})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "call-1", result.ToolCallID)
	assert.Equal(t, "ok", result.TextContent())

	// 追踪标头原样透传
	assert.Equal(t, "trace-1", gotHeaders.Get("X-Trace-Id"))
	assert.Equal(t, "sess-1", gotHeaders.Get("X-Session-Id"))
	assert.Equal(t, "ctx-1", gotHeaders.Get("X-Context-Id"))
	assert.Equal(t, "u1", gotHeaders.Get("X-User-Id"))
	assert.Equal(t, "call-1", gotHeaders.Get("X-Tool-Call-Id"))
	assert.Equal(t, "Bearer tok", gotHeaders.Get("Authorization"))
	// 模型覆盖以标头携带
	assert.Equal(t, "openai", gotHeaders.Get("X-Model-Provider"))
	assert.Equal(t, "gpt-5.2-codex", gotHeaders.Get("X-Model-Name"))
}

func TestExecuteTool_IsErrorPassthrough(t *testing.T) {
	srv := newMcpTestServer(t, "sales-mcp", []string{"query_sales"},
		func(params toolsCallParams, r *http.Request) (any, *rpcError) {
			return toolsCallResult{
				IsError: true,
				Content: []model.ContentPart{{Type: "text", Text: "no such table"}},
				Meta:    map[string]any{"schema": "sales"},
			}, nil
		})

	reg := &stubRegistry{servers: map[string]*model.McpServer{"sales-mcp": srv}}
	d := New(reg)

	tools := []model.MCPTool{{Name: "query_sales", ServerName: "sales-mcp"}}
	result, err := d.ExecuteTool(context.Background(),
		&model.ToolCall{ID: "c1", Name: "query_sales"}, tools, nil, nil)

	// isError 是业务失败：返回结果而非错误，由策略层回馈模型
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "no such table", result.TextContent())
	assert.Equal(t, "sales", result.Meta["schema"])
}

func TestExecuteTool_NotFound(t *testing.T) {
	reg := &stubRegistry{servers: map[string]*model.McpServer{}}
	d := New(reg)

	_, err := d.ExecuteTool(context.Background(),
		&model.ToolCall{ID: "c1", Name: "unknown_tool"},
		[]model.MCPTool{{Name: "query_sales", ServerName: "sales-mcp"}}, nil, nil)
	assert.Equal(t, apperr.CodeToolNotFound, apperr.CodeOf(err))
	assert.Equal(t, apperr.KindTool, apperr.KindOf(err))
}

func TestExecuteTool_Unreachable(t *testing.T) {
	reg := &stubRegistry{servers: map[string]*model.McpServer{
		"dead-mcp": {Name: "dead-mcp", Port: 1, Enabled: true},
	}}
	d := New(reg)

	_, err := d.ExecuteTool(context.Background(),
		&model.ToolCall{ID: "c1", Name: "ping"},
		[]model.MCPTool{{Name: "ping", ServerName: "dead-mcp"}}, nil, nil)
	assert.Equal(t, apperr.CodeTransientTool, apperr.CodeOf(err))
}

func TestExecuteTool_AuthRequired(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate",
			`Bearer realm="crm", authorization_uri="https://auth.example.com/authorize?client_id=crm"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)
	port := ts.Listener.Addr().(*net.TCPAddr).Port

	reg := &stubRegistry{servers: map[string]*model.McpServer{
		"crm-mcp": {Name: "crm-mcp", Port: port, Enabled: true},
	}}
	d := New(reg)

	_, err := d.ExecuteTool(context.Background(),
		&model.ToolCall{ID: "c1", Name: "lookup_customer"},
		[]model.MCPTool{{Name: "lookup_customer", ServerName: "crm-mcp"}}, nil, nil)
	assert.Equal(t, apperr.CodeToolAuthRequired, apperr.CodeOf(err))
	// 质询里的授权入口随错误携带
	assert.Equal(t, "https://auth.example.com/authorize?client_id=crm", apperr.AuthURLOf(err))
}

func TestAuthorizationURI(t *testing.T) {
	assert.Equal(t, "https://auth.example.com/a",
		authorizationURI(`Bearer authorization_uri="https://auth.example.com/a"`))
	assert.Empty(t, authorizationURI(`Bearer realm="crm"`))
	assert.Empty(t, authorizationURI(""))
	assert.Empty(t, authorizationURI(`Bearer authorization_uri="broken`))
}

func TestExecuteTool_RpcError(t *testing.T) {
	srv := newMcpTestServer(t, "sales-mcp", nil,
		func(params toolsCallParams, r *http.Request) (any, *rpcError) {
			return nil, &rpcError{Code: -32000, Message: fmt.Sprintf("tool %s panicked", params.Name)}
		})

	reg := &stubRegistry{servers: map[string]*model.McpServer{"sales-mcp": srv}}
	d := New(reg)

	_, err := d.ExecuteTool(context.Background(),
		&model.ToolCall{ID: "c1", Name: "query_sales"},
		[]model.MCPTool{{Name: "query_sales", ServerName: "sales-mcp"}}, nil, nil)
	assert.Equal(t, apperr.CodeToolReturnedError, apperr.CodeOf(err))
}
