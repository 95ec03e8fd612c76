// Package dispatcher MCP 工具调度器
//
// 为两种执行策略提供统一的同步工具接口：
//   - ListAvailableTools：聚合 Agent 绑定的全部 MCP 服务暴露的工具
//   - ExecuteTool：将一次工具调用转发到所属 MCP 服务
//
// MCP 线协议为 HTTP 上的 JSON-RPC 2.0（tools/list / tools/call）。
// 调度器把每次调用视为单次 RPC，不做透明重试；重试属于策略层的职责。
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
	"agents-exec/pkg/logging"
)

// defaultCallTimeout 单次工具调用的硬超时
const defaultCallTimeout = 60 * time.Second

// AgentSource 调度器需要的注册表视图
type AgentSource interface {
	Get(name string) (*model.AgentRuntime, error)
	McpServersFor(agent *model.AgentRuntime) []*model.McpServer
}

// Dispatcher MCP 工具调度器
type Dispatcher struct {
	registry AgentSource
	client   *http.Client
	logger   *logging.Logger
}

// New 创建调度器
func New(registry AgentSource) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: defaultCallTimeout},
		logger:   logging.Default("dispatcher"),
	}
}

// ============================================================================
// JSON-RPC 2.0 线协议
// ============================================================================

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcMethodNotFound JSON-RPC 规范的 method not found 错误码
const rpcMethodNotFound = -32601

// toolsListResult tools/list 响应体
type toolsListResult struct {
	Tools []model.MCPTool `json:"tools"`
}

// toolsCallParams tools/call 请求参数
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolsCallResult tools/call 响应体
type toolsCallResult struct {
	Content []model.ContentPart `json:"content"`
	IsError bool                `json:"isError"`
	Meta    map[string]any      `json:"_meta,omitempty"`
}

// ============================================================================
// 公开操作
// ============================================================================

// ListAvailableTools 列举 Agent 可用的工具
//
// 聚合 Agent 绑定的全部已启用 MCP 服务的 tools/list 结果，
// 并按 OAuth scope 可用性过滤：要求 OAuth 的服务在请求未携带
// 令牌时整体跳过。单个服务不可达时跳过该服务并记录日志，
// 不让一个故障服务拖垮整个工具清单。
func (d *Dispatcher) ListAvailableTools(ctx context.Context, agentName string, reqCtx *model.RequestContext) ([]model.MCPTool, error) {
	agent, err := d.registry.Get(agentName)
	if err != nil {
		return nil, err
	}

	var tools []model.MCPTool
	for _, server := range d.registry.McpServersFor(agent) {
		if !server.Enabled {
			continue
		}
		if len(server.OAuthScopes) > 0 && (reqCtx == nil || reqCtx.AuthToken == "") {
			d.logger.Info("skipping oauth-gated mcp server",
				"server", server.Name, "agent", agentName)
			continue
		}

		listed, err := d.listTools(ctx, server, reqCtx)
		if err != nil {
			d.logger.Warn("mcp server unreachable, skipping",
				"server", server.Name, "error", err)
			continue
		}
		for i := range listed {
			listed[i].ServerName = server.Name
			if len(listed[i].RequiredScopes) == 0 {
				listed[i].RequiredScopes = server.OAuthScopes
			}
		}
		tools = append(tools, listed...)
	}
	return tools, nil
}

// ExecuteTool 执行一次工具调用
//
// 在 tools 中定位目标工具以确定所属服务，转发为单次 tools/call RPC。
// 追踪标头（trace/session/context/user/tool-call id）原样透传；
// 存在模型覆盖时以标头携带，由工具服务端自行取用。
// 服务端报告的业务失败（isError）映射为 tool_returned_error，
// 由策略层回馈给模型，不在此处重试。
func (d *Dispatcher) ExecuteTool(ctx context.Context, call *model.ToolCall, tools []model.MCPTool, reqCtx *model.RequestContext, overrides map[string]model.ModelOverride) (*model.ToolResult, error) {
	var tool *model.MCPTool
	for i := range tools {
		if tools[i].Name == call.Name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		observeToolCall(call.Name, "", "not_found", 0)
		return nil, apperr.New(apperr.KindTool, apperr.CodeToolNotFound,
			fmt.Sprintf("tool %q is not available", call.Name))
	}

	server, err := d.serverOf(tool)
	if err != nil {
		observeToolCall(call.Name, tool.ServerName, "not_found", 0)
		return nil, err
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	start := time.Now()
	var result toolsCallResult
	err = d.rpc(ctx, server, reqCtx, call, overrides, "tools/call",
		&toolsCallParams{Name: call.Name, Arguments: args}, &result)
	elapsed := time.Since(start)
	d.logger.ToolCallLog(call.Name, server.Name, elapsed, err)
	if err != nil {
		observeToolCall(call.Name, server.Name, string(apperr.CodeOf(err)), elapsed)
		return nil, err
	}

	outcome := "ok"
	if result.IsError {
		outcome = "tool_error"
	}
	observeToolCall(call.Name, server.Name, outcome, elapsed)

	return &model.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		IsError:    result.IsError,
		Content:    result.Content,
		Meta:       result.Meta,
	}, nil
}

// serverOf 解析工具所属服务
func (d *Dispatcher) serverOf(tool *model.MCPTool) (*model.McpServer, error) {
	if tool.ServerName == "" {
		return nil, apperr.New(apperr.KindTool, apperr.CodeToolNotFound,
			fmt.Sprintf("tool %q has no owning server", tool.Name))
	}
	type serverSource interface {
		McpServer(name string) (*model.McpServer, error)
	}
	src, ok := d.registry.(serverSource)
	if !ok {
		return nil, apperr.New(apperr.KindTool, apperr.CodeToolNotFound,
			fmt.Sprintf("cannot resolve server for tool %q", tool.Name))
	}
	server, err := src.McpServer(tool.ServerName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTool, apperr.CodeToolNotFound,
			fmt.Sprintf("server %q for tool %q not configured", tool.ServerName, tool.Name), err)
	}
	return server, nil
}

// listTools 调用单个服务的 tools/list
func (d *Dispatcher) listTools(ctx context.Context, server *model.McpServer, reqCtx *model.RequestContext) ([]model.MCPTool, error) {
	var result toolsListResult
	if err := d.rpc(ctx, server, reqCtx, nil, nil, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// rpc 执行单次 JSON-RPC 调用并解码结果
func (d *Dispatcher) rpc(ctx context.Context, server *model.McpServer, reqCtx *model.RequestContext, call *model.ToolCall, overrides map[string]model.ModelOverride, method string, params, out any) error {
	body, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return apperr.Wrap(apperr.KindTool, apperr.CodeTransientTool, "encode rpc request", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/mcp", server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindTool, apperr.CodeTransientTool, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	d.setHeaders(req, reqCtx, call, overrides)

	resp, err := d.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTool, apperr.CodeTransientTool,
			fmt.Sprintf("mcp server %s unreachable", server.Name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		authErr := apperr.New(apperr.KindTool, apperr.CodeToolAuthRequired,
			fmt.Sprintf("mcp server %s requires authorization", server.Name))
		authErr.AuthURL = authorizationURI(resp.Header.Get("WWW-Authenticate"))
		return authErr
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.KindTool, apperr.CodeTransientTool,
			fmt.Sprintf("mcp server %s returned http %d", server.Name, resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindTool, apperr.CodeTransientTool, "read rpc response", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return apperr.Wrap(apperr.KindTool, apperr.CodeTransientTool, "decode rpc response", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcMethodNotFound {
			return apperr.New(apperr.KindTool, apperr.CodeToolNotFound,
				fmt.Sprintf("mcp server %s: %s", server.Name, rpcResp.Error.Message))
		}
		return apperr.New(apperr.KindTool, apperr.CodeToolReturnedError,
			fmt.Sprintf("mcp server %s: %s", server.Name, rpcResp.Error.Message))
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return apperr.Wrap(apperr.KindTool, apperr.CodeTransientTool, "decode rpc result", err)
		}
	}
	return nil
}

// authorizationURI 从 WWW-Authenticate 质询中提取授权入口地址
//
// 形如 `Bearer authorization_uri="https://auth.example.com/authorize"`；
// 没有该参数时返回空串，由客户端走带外授权流程。
func authorizationURI(challenge string) string {
	const key = `authorization_uri="`
	i := strings.Index(challenge, key)
	if i < 0 {
		return ""
	}
	rest := challenge[i+len(key):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// setHeaders 透传追踪标头与模型覆盖
func (d *Dispatcher) setHeaders(req *http.Request, reqCtx *model.RequestContext, call *model.ToolCall, overrides map[string]model.ModelOverride) {
	if reqCtx != nil {
		if reqCtx.TraceID != "" {
			req.Header.Set("X-Trace-Id", reqCtx.TraceID)
		}
		if reqCtx.SessionID != "" {
			req.Header.Set("X-Session-Id", reqCtx.SessionID)
		}
		if reqCtx.ContextID != "" {
			req.Header.Set("X-Context-Id", reqCtx.ContextID)
		}
		if reqCtx.UserID != "" {
			req.Header.Set("X-User-Id", reqCtx.UserID)
		}
		if reqCtx.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+reqCtx.AuthToken)
		}
	}
	if call != nil && call.ID != "" {
		req.Header.Set("X-Tool-Call-Id", call.ID)
	}
	if call != nil && overrides != nil {
		if o, ok := overrides[call.Name]; ok {
			req.Header.Set("X-Model-Provider", o.Provider)
			req.Header.Set("X-Model-Name", o.Model)
		}
	}
}
