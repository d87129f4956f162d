package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and local experiments.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Put stores a copy of value at key.
func (m *MemStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

// Get returns the value at key or ErrNotFound.
func (m *MemStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Iterate visits keys with the given prefix in sorted order.
func (m *MemStore) Iterate(prefix string, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = m.data[k]
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

// MockRequest records one transport call made through a MockTransport.
type MockRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// MockTransport implements Transport with programmable per-route handlers.
// Routes match on "METHOD url-substring". A request with no matching handler
// fails the call, so tests cannot silently hit unexpected endpoints.
type MockTransport struct {
	mu       sync.Mutex
	handlers []mockRoute
	Requests []MockRequest
}

type mockRoute struct {
	method    string
	substring string
	handler   func(req MockRequest) (*Response, error)
}

// NewMockTransport creates a transport with no routes.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Handle registers a handler for requests whose method matches and whose URL
// contains substring. Later registrations take precedence.
func (m *MockTransport) Handle(method, substring string, handler func(req MockRequest) (*Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append([]mockRoute{{method, substring, handler}}, m.handlers...)
}

// HandleJSON registers a handler returning a fixed status and body.
func (m *MockTransport) HandleJSON(method, substring string, status int, body string) {
	m.Handle(method, substring, func(MockRequest) (*Response, error) {
		return &Response{StatusCode: status, Body: []byte(body)}, nil
	})
}

// RequestCount returns how many requests have been made.
func (m *MockTransport) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LoadURL implements Transport.
func (m *MockTransport) LoadURL(_ context.Context, url string, headers map[string]string, body []byte, _, method string) (*Response, error) {
	req := MockRequest{URL: url, Method: method, Headers: headers, Body: body}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	var handler func(MockRequest) (*Response, error)
	for _, route := range m.handlers {
		if route.method == method && strings.Contains(url, route.substring) {
			handler = route.handler
			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("no mock handler for %s %s", method, url)
	}
	return handler(req)
}

// ManualTimerScheduler implements TimerScheduler with explicit firing. Tests
// call Fire to run a pending timer callback synchronously.
type ManualTimerScheduler struct {
	mu      sync.Mutex
	next    TimerID
	pending map[TimerID]manualTimer
}

type manualTimer struct {
	delay time.Duration
	fn    func()
}

// NewManualTimerScheduler creates a scheduler with no pending timers.
func NewManualTimerScheduler() *ManualTimerScheduler {
	return &ManualTimerScheduler{pending: make(map[TimerID]manualTimer)}
}

// Set implements TimerScheduler. The callback runs only when Fire is called.
func (m *ManualTimerScheduler) Set(delay time.Duration, fn func()) TimerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.pending[m.next] = manualTimer{delay, fn}
	return m.next
}

// Kill implements TimerScheduler.
func (m *ManualTimerScheduler) Kill(id TimerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

// Delay returns the delay a timer was scheduled with.
func (m *ManualTimerScheduler) Delay(id TimerID) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pending[id]
	return t.delay, ok
}

// PendingCount returns the number of unfired timers.
func (m *ManualTimerScheduler) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Fire runs and removes one pending timer. Returns false if the id is not
// pending.
func (m *ManualTimerScheduler) Fire(id TimerID) bool {
	m.mu.Lock()
	t, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	t.fn()
	return true
}

// FireAll fires every pending timer in id order.
func (m *ManualTimerScheduler) FireAll() {
	m.mu.Lock()
	ids := make([]TimerID, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m.Fire(id)
	}
}
