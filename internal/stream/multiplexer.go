// Package stream 执行流多路复用器
//
// 连接一次任务执行（单生产者）与任意多个 SSE 订阅者（多消费者）：
//   - 事件按产生顺序全量投递给每个订阅者（FIFO）
//   - 生产者发送永不阻塞：每个订阅者有独立的无界队列
//   - 无订阅者时发送成功并被丢弃
//   - 取消时在关闭前投递一条 canceled 终止事件，且仅一条
package stream

import (
	"context"
	"sync"
	"time"

	"agents-exec/internal/shared/model"
)

// subscriberQueue 单个订阅者的无界 FIFO 队列
type subscriberQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []*model.StreamEvent
	closed bool
}

func newSubscriberQueue() *subscriberQueue {
	q := &subscriberQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push 入队；队列已关闭时丢弃
func (q *subscriberQueue) push(ev *model.StreamEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
}

// pop 出队；队列关闭且排空后返回 false
func (q *subscriberQueue) pop() (*model.StreamEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// close 关闭队列，唤醒等待者
func (q *subscriberQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Stream 一次任务执行的事件流
type Stream struct {
	taskID    string
	contextID string
	userID    string

	mu     sync.Mutex
	subs   map[int]*subscriberQueue
	nextID int
	closed bool
}

// NewStream 为一次任务执行创建事件流
func NewStream(taskID, contextID, userID string) *Stream {
	return &Stream{
		taskID:    taskID,
		contextID: contextID,
		userID:    userID,
		subs:      make(map[int]*subscriberQueue),
	}
}

// Send 投递一条事件给全部订阅者
//
// 永不阻塞生产者；流已关闭或无订阅者时事件被丢弃。
// 事件的任务/上下文/用户标识与时间戳为空时自动补全。
func (s *Stream) Send(ev *model.StreamEvent) {
	if ev.TaskID == "" {
		ev.TaskID = s.taskID
	}
	if ev.ContextID == "" {
		ev.ContextID = s.contextID
	}
	if ev.UserID == "" {
		ev.UserID = s.userID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, q := range s.subs {
		q.push(ev)
	}
}

// Subscribe 订阅事件流
//
// 返回的通道按 FIFO 投递事件，流关闭且事件排空后自动关闭。
// ctx 取消时订阅者退出，剩余事件被丢弃但生产者不受影响。
func (s *Stream) Subscribe(ctx context.Context) <-chan *model.StreamEvent {
	ch := make(chan *model.StreamEvent)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextID
	s.nextID++
	q := newSubscriberQueue()
	s.subs[id] = q
	s.mu.Unlock()

	// pop 会在空队列上阻塞，取消必须经由 close 唤醒它
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.close()
		case <-stop:
		}
	}()

	go func() {
		defer func() {
			close(stop)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			q.close()
			close(ch)
		}()
		for {
			ev, ok := q.pop()
			if !ok {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close 关闭事件流；已入队的事件仍会投递完毕
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, q := range s.subs {
		q.close()
	}
}

// Cancel 投递 canceled 终止事件后关闭流
//
// 幂等：重复调用只投递一次终止事件。
func (s *Stream) Cancel(message string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ev := &model.StreamEvent{
		Type:      model.EventCanceled,
		TaskID:    s.taskID,
		ContextID: s.contextID,
		UserID:    s.userID,
		Message:   message,
		Timestamp: time.Now(),
	}
	for _, q := range s.subs {
		q.push(ev)
	}
	s.closed = true
	for _, q := range s.subs {
		q.close()
	}
	s.mu.Unlock()
}

// SubscriberCount 当前订阅者数量
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
