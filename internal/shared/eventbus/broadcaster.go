// Package eventbus 进程内广播器实现
package eventbus

import (
	"sync"

	"agents-exec/pkg/logging"
)

// subscriberBuffer 每个订阅者的事件缓冲大小
const subscriberBuffer = 256

// subscriber 单个订阅者句柄
type subscriber struct {
	ch       chan *Event
	channels map[Channel]bool // 空表示全部通道
}

// wants 判断订阅者是否关心该通道
func (s *subscriber) wants(channel Channel) bool {
	if len(s.channels) == 0 {
		return true
	}
	return s.channels[channel]
}

// UserBroadcaster 按用户隔离的进程内广播器
//
// 每个 user_id 映射到一组以 connection_id 为键的订阅者。
// 发布是非阻塞的：缓冲满的订阅者丢事件，绝不拖慢发布方。
// 订阅晚于发布的事件不补发，初始状态由订阅方从仓储读快照。
type UserBroadcaster struct {
	mu     sync.RWMutex
	users  map[string]map[string]*subscriber
	logger *logging.Logger
}

var _ Broadcaster = (*UserBroadcaster)(nil)

// NewUserBroadcaster 创建广播器
func NewUserBroadcaster() *UserBroadcaster {
	return &UserBroadcaster{
		users:  make(map[string]map[string]*subscriber),
		logger: logging.Default("eventbus"),
	}
}

// Subscribe 注册订阅者
func (b *UserBroadcaster) Subscribe(userID, connID string, channels ...Channel) (<-chan *Event, func()) {
	sub := &subscriber{
		ch:       make(chan *Event, subscriberBuffer),
		channels: make(map[Channel]bool, len(channels)),
	}
	for _, c := range channels {
		sub.channels[c] = true
	}

	b.mu.Lock()
	conns, ok := b.users[userID]
	if !ok {
		conns = make(map[string]*subscriber)
		b.users[userID] = conns
	}
	// 同连接重复订阅：关闭旧句柄
	if old, exists := conns[connID]; exists {
		close(old.ch)
	}
	conns[connID] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if conns, ok := b.users[userID]; ok {
			if cur, exists := conns[connID]; exists && cur == sub {
				delete(conns, connID)
				close(sub.ch)
				if len(conns) == 0 {
					delete(b.users, userID)
				}
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish 非阻塞发布
//
// 跨用户隔离：事件只投递给 user_id 相符的订阅者。
func (b *UserBroadcaster) Publish(event *Event) {
	if event == nil || event.UserID == "" {
		return
	}

	b.mu.RLock()
	conns := b.users[event.UserID]
	var targets []*subscriber
	for _, sub := range conns {
		if sub.wants(event.Channel) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			// 慢订阅者：丢弃，发布方不阻塞
		}
	}
}

// SubscriberCount 用户当前的订阅者数量
func (b *UserBroadcaster) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[userID])
}
