// Package eventbus 事件总线抽象接口
//
// 两层事件设施：
//   - Broadcaster：进程内按用户隔离的发布/订阅（实时扇出）
//   - ReplayBus：Redis Streams 按任务保存的事件回放流（断线补发）
package eventbus

import "context"

// Broadcaster 进程内按用户隔离的发布/订阅
type Broadcaster interface {
	// Subscribe 以 (userID, connID) 注册订阅者，channels 为空时订阅全部通道。
	// 返回事件通道与注销函数；注销后通道关闭。
	Subscribe(userID, connID string, channels ...Channel) (<-chan *Event, func())

	// Publish 非阻塞发布：慢订阅者的事件被丢弃，绝不阻塞发布方
	Publish(event *Event)

	// SubscriberCount 用户当前的订阅者数量（用于观测）
	SubscriberCount(userID string) int
}

// ReplayBus 按任务维度的事件回放流
type ReplayBus interface {
	// Append 追加事件到任务流（流长度有上限，超出后旧事件被裁剪）
	Append(ctx context.Context, taskID string, event *Event) error

	// Range 从 fromID 起读取事件；fromID 为空表示从头
	Range(ctx context.Context, taskID string, fromID string, count int64) ([]*Event, error)

	// Count 任务流中的事件数量
	Count(ctx context.Context, taskID string) (int64, error)

	// Delete 删除任务流（任务删除时清理）
	Delete(ctx context.Context, taskID string) error

	// Close 关闭底层连接
	Close() error
}
