// Package main Mock MCP Server - 开发与联调用的 MCP 服务
//
// 暴露标准 JSON-RPC 2.0 端点 /mcp，提供两个玩具工具：
//   - echo：原样返回 message 参数
//   - now：返回服务器当前时间
//
// 监听端口取 PORT 环境变量（生命周期管理器注入），缺省 9300。
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

var tools = []toolSpec{
	{
		Name:        "echo",
		Description: "Echo the message argument back",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []string{"message"},
		},
	},
	{
		Name:        "now",
		Description: "Return the current server time",
		InputSchema: map[string]any{"type": "object"},
	},
}

func writeResponse(w http.ResponseWriter, resp *rpcResponse) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, &rpcResponse{Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	switch req.Method {
	case "tools/list":
		writeResponse(w, &rpcResponse{ID: req.ID, Result: map[string]any{"tools": tools}})

	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeResponse(w, &rpcResponse{ID: req.ID, Error: &rpcError{Code: -32602, Message: "invalid params"}})
			return
		}
		switch params.Name {
		case "echo":
			msg, _ := params.Arguments["message"].(string)
			writeResponse(w, &rpcResponse{ID: req.ID, Result: map[string]any{
				"content": []contentPart{{Type: "text", Text: msg}},
				"isError": false,
			}})
		case "now":
			writeResponse(w, &rpcResponse{ID: req.ID, Result: map[string]any{
				"content": []contentPart{{Type: "text", Text: time.Now().Format(time.RFC3339)}},
				"isError": false,
			}})
		default:
			writeResponse(w, &rpcResponse{ID: req.ID, Result: map[string]any{
				"content": []contentPart{{Type: "text", Text: fmt.Sprintf("unknown tool %q", params.Name)}},
				"isError": true,
			}})
		}

	default:
		writeResponse(w, &rpcResponse{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
	}
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9300"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", handleMCP)

	log.Printf("Mock MCP server listening on :%s", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
