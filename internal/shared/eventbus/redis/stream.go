// Package redis 事件回放流的 Redis Streams 实现
//
// 每个任务一条有上限的 Stream：实时事件经进程内广播器扇出，
// 同时追加到任务流；断线重连的订阅者按流 ID 补读错过的事件。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agents-exec/internal/shared/eventbus"
	"agents-exec/pkg/logging"
)

const (
	// keyTaskEvents 任务事件流键前缀
	keyTaskEvents = "task_events:"

	// maxStreamLength 单任务流长度上限（超出后旧事件被近似裁剪）
	maxStreamLength = 1000
)

// Store Redis 回放流实现
type Store struct {
	client *redis.Client
	logger *logging.Logger
}

var _ eventbus.ReplayBus = (*Store)(nil)

// NewStore 创建 Redis 回放流实例
func NewStore(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger := logging.Default("eventbus.redis")
	logger.Info("connected to redis", "addr", addr)
	return &Store{client: client, logger: logger}, nil
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// streamKey 任务流键
func streamKey(taskID string) string {
	return keyTaskEvents + taskID
}

// Append 追加事件到任务流
func (s *Store) Append(ctx context.Context, taskID string, event *eventbus.Event) error {
	payload := ""
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	args := &redis.XAddArgs{
		Stream: streamKey(taskID),
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"channel":    string(event.Channel),
			"type":       event.Type,
			"user_id":    event.UserID,
			"context_id": event.ContextID,
			"task_id":    event.TaskID,
			"timestamp":  event.Timestamp.Format(time.RFC3339Nano),
			"payload":    payload,
		},
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append task event: %w", err)
	}
	return nil
}

// Range 从 fromID 起读取任务流事件
func (s *Store) Range(ctx context.Context, taskID string, fromID string, count int64) ([]*eventbus.Event, error) {
	if fromID == "" {
		fromID = "0"
	}

	msgs, err := s.client.XRange(ctx, streamKey(taskID), fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task events: %w", err)
	}

	var events []*eventbus.Event
	for _, msg := range msgs {
		events = append(events, decodeMessage(msg))
		if count > 0 && int64(len(events)) >= count {
			break
		}
	}
	return events, nil
}

// Count 任务流中的事件数量
func (s *Store) Count(ctx context.Context, taskID string) (int64, error) {
	return s.client.XLen(ctx, streamKey(taskID)).Result()
}

// Delete 删除任务流
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, streamKey(taskID)).Err()
}

// decodeMessage 从 Stream 消息还原事件
func decodeMessage(msg redis.XMessage) *eventbus.Event {
	event := &eventbus.Event{}
	if v, ok := msg.Values["channel"].(string); ok {
		event.Channel = eventbus.Channel(v)
	}
	if v, ok := msg.Values["type"].(string); ok {
		event.Type = v
	}
	if v, ok := msg.Values["user_id"].(string); ok {
		event.UserID = v
	}
	if v, ok := msg.Values["context_id"].(string); ok {
		event.ContextID = v
	}
	if v, ok := msg.Values["task_id"].(string); ok {
		event.TaskID = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.Timestamp = t
		}
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		event.Payload = json.RawMessage(v)
	}
	return event
}
