package genai

import (
	"context"
	"sync"
	"time"
)

// MockGenerator is a Generator for tests and offline runs. Replies are taken
// from a queue, then from Handler, then a fixed echo.
type MockGenerator struct {
	mu       sync.Mutex
	queue    []mockReply
	Handler  func(req Request) (Response, error)
	Delay    time.Duration
	requests []Request
}

type mockReply struct {
	resp Response
	err  error
}

// NewMockGenerator returns an empty MockGenerator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Push queues a reply text.
func (m *MockGenerator) Push(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{resp: Response{Text: text, Model: "mock", Usage: Usage{TotalTokens: int64(len(text))}}})
}

// PushError queues a failure.
func (m *MockGenerator) PushError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
}

// Requests returns a copy of the requests seen so far.
func (m *MockGenerator) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Generator. It honours ctx cancellation while delayed.
func (m *MockGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	delay := m.Delay
	var next *mockReply
	if len(m.queue) > 0 {
		r := m.queue[0]
		m.queue = m.queue[1:]
		next = &r
	}
	handler := m.Handler
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if next != nil {
		return next.resp, next.err
	}
	if handler != nil {
		return handler(req)
	}
	return Response{Text: "我在这里，愿意听你慢慢说。你现在最想聊的是哪一部分？", Model: "mock"}, nil
}
