// Package server HTTP 接入层
//
// 薄壳：鉴权、路由、编解码，全部业务委托给核心子系统。
//   - POST /api/v1/tasks            提交任务（异步执行）
//   - GET  /api/v1/tasks/{id}/stream 任务事件 SSE（先快照后实时）
//   - POST /api/v1/tasks/{id}/cancel 取消执行中的任务
//   - GET  /api/v1/events           用户事件 SSE（广播通道）
//   - GET  /api/v1/ws               WebSocket 监控
//   - /api/v1/contexts              上下文 CRUD
//   - /api/v1/artifacts、/api/v1/blobs 产物查询与文件内容存取
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agents-exec/internal/config"
	"agents-exec/internal/dispatcher"
	"agents-exec/internal/engine"
	"agents-exec/internal/provider"
	"agents-exec/internal/registry"
	"agents-exec/internal/shared/eventbus"
	"agents-exec/internal/shared/objstore"
	"agents-exec/internal/shared/storage/repository"
	"agents-exec/internal/stream"
	"agents-exec/pkg/logging"
)

// run 一次进行中的任务执行
type run struct {
	contextID string
	stream    *stream.Stream
	cancel    context.CancelFunc
}

// runTable 进行中执行的注册表
type runTable struct {
	mu   sync.RWMutex
	runs map[string]*run
}

func newRunTable() *runTable {
	return &runTable{runs: make(map[string]*run)}
}

func (t *runTable) put(taskID string, r *run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[taskID] = r
}

func (t *runTable) get(taskID string) (*run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[taskID]
	return r, ok
}

func (t *runTable) remove(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, taskID)
}

// Server HTTP 服务
type Server struct {
	cfg         *config.Config
	store       *repository.Store
	engine      *engine.Engine
	providers   *provider.Registry
	registry    *registry.Registry
	dispatcher  *dispatcher.Dispatcher
	broadcaster eventbus.Broadcaster
	replay      eventbus.ReplayBus
	objstore    *objstore.Client
	runs        *runTable
	logger      *logging.Logger
}

// SetObjectStore 注入对象存储客户端（可选，未配置时 blob 接口返回 404）
func (s *Server) SetObjectStore(c *objstore.Client) {
	s.objstore = c
}

// SetReplayBus 注入事件回放流（可选，未配置时回放接口返回 404）
func (s *Server) SetReplayBus(r eventbus.ReplayBus) {
	s.replay = r
}

// New 创建 HTTP 服务
func New(cfg *config.Config, store *repository.Store, eng *engine.Engine, providers *provider.Registry, reg *registry.Registry, disp *dispatcher.Dispatcher, broadcaster eventbus.Broadcaster) *Server {
	return &Server{
		cfg:         cfg,
		store:       store,
		engine:      eng,
		providers:   providers,
		registry:    reg,
		dispatcher:  disp,
		broadcaster: broadcaster,
		runs:        newRunTable(),
		logger:      logging.Default("apiserver"),
	}
}

// Handler 组装路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/contexts", s.auth(s.handleCreateContext))
	mux.HandleFunc("GET /api/v1/contexts", s.auth(s.handleListContexts))
	mux.HandleFunc("GET /api/v1/contexts/{id}", s.auth(s.handleGetContext))
	mux.HandleFunc("PATCH /api/v1/contexts/{id}", s.auth(s.handleRenameContext))
	mux.HandleFunc("DELETE /api/v1/contexts/{id}", s.auth(s.handleDeleteContext))
	mux.HandleFunc("GET /api/v1/contexts/{id}/tasks", s.auth(s.handleListTasks))

	mux.HandleFunc("POST /api/v1/tasks", s.auth(s.handleSubmitTask))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("GET /api/v1/tasks/{id}/stream", s.auth(s.handleTaskStream))
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", s.auth(s.handleTaskEvents))
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.auth(s.handleCancelTask))

	mux.HandleFunc("GET /api/v1/tasks/{id}/artifacts", s.auth(s.handleListArtifacts))
	mux.HandleFunc("GET /api/v1/artifacts/{id}", s.auth(s.handleGetArtifact))
	mux.HandleFunc("POST /api/v1/blobs", s.auth(s.handleUploadBlob))
	mux.HandleFunc("GET /api/v1/blobs/{id}", s.auth(s.handleDownloadBlob))

	mux.HandleFunc("GET /api/v1/agents", s.auth(s.handleListAgents))
	mux.HandleFunc("GET /api/v1/me", s.auth(s.handleMe))
	mux.HandleFunc("GET /api/v1/events", s.auth(s.handleUserEvents))
	mux.HandleFunc("GET /api/v1/ws", s.auth(s.handleWebSocket))

	mux.HandleFunc("POST /api/v1/admin/registry/reload", s.auth(requireAdmin(s.handleReloadRegistry)))

	return mux
}
