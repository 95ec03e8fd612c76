package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/eventbus"
	"agents-exec/internal/shared/model"
)

// subscribedChannels 解析 ?channels= 过滤参数，缺省订阅全部通道
func subscribedChannels(r *http.Request) []eventbus.Channel {
	raw := r.URL.Query().Get("channels")
	if raw == "" {
		return []eventbus.Channel{
			eventbus.ChannelContext, eventbus.ChannelA2A,
			eventbus.ChannelAGUI, eventbus.ChannelSystem,
		}
	}
	var channels []eventbus.Channel
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			channels = append(channels, eventbus.Channel(name))
		}
	}
	return channels
}

// handleUserEvents 用户事件 SSE
//
// 订阅广播器上该用户的指定通道，逐条转发直至连接断开。
func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	if s.broadcaster == nil {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeNotFound, "event bus is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeBadRequest, "streaming unsupported"))
		return
	}

	events, unsubscribe := s.broadcaster.Subscribe(rc.UserID, uuid.NewString(), subscribedChannels(r)...)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 鉴权走 JWT，跨域由网关治理
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket 事件监控 WebSocket
//
// 与 /events 语义一致，每条事件一帧 JSON；读泵只负责探活。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	if s.broadcaster == nil {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeNotFound, "event bus is not enabled"))
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.broadcaster.Subscribe(rc.UserID, uuid.NewString(), subscribedChannels(r)...)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
