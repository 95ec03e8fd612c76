package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"agents-exec/internal/shared/model"
)

// ServeSSE 把事件通道写成 Server-Sent Events 响应
//
// 每条事件写为 `event: <type>` + `data: <json>` 并立即 flush。
// 通道关闭或客户端断开时返回。
func ServeSSE(w http.ResponseWriter, r *http.Request, events <-chan *model.StreamEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
