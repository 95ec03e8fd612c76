// Package eventbus 测试用 Mock 实现
package eventbus

import (
	"context"
	"sync"
)

// MockReplayBus 内存回放流，用于不依赖 Redis 的测试
type MockReplayBus struct {
	mu      sync.Mutex
	streams map[string][]*Event
}

var _ ReplayBus = (*MockReplayBus)(nil)

// NewMockReplayBus 创建内存回放流
func NewMockReplayBus() *MockReplayBus {
	return &MockReplayBus{streams: make(map[string][]*Event)}
}

func (m *MockReplayBus) Append(_ context.Context, taskID string, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[taskID] = append(m.streams[taskID], event)
	return nil
}

func (m *MockReplayBus) Range(_ context.Context, taskID string, _ string, count int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.streams[taskID]
	if count > 0 && int64(len(events)) > count {
		events = events[:count]
	}
	out := make([]*Event, len(events))
	copy(out, events)
	return out, nil
}

func (m *MockReplayBus) Count(_ context.Context, taskID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.streams[taskID])), nil
}

func (m *MockReplayBus) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, taskID)
	return nil
}

func (m *MockReplayBus) Close() error {
	return nil
}
