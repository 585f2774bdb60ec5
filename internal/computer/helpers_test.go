package computer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport. Frames pushed with deliver are
// returned by ReadFrame; frames written by the link appear on sentCh.
type fakeTransport struct {
	inbound  chan []byte
	sentCh   chan []byte
	closed   chan struct{}
	once     sync.Once
	addr     string
	mu       sync.Mutex
	sent     [][]byte
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		sentCh:  make(chan []byte, 16),
		closed:  make(chan struct{}),
		addr:    "10.0.0.7:50000",
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case b := <-f.inbound:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed transport")
	default:
	}
	f.mu.Lock()
	if f.writeErr != nil {
		f.mu.Unlock()
		return f.writeErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.mu.Unlock()
	f.sentCh <- data
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

// deliver queues a frame as if the computer had sent it.
func (f *fakeTransport) deliver(frame string) {
	f.inbound <- []byte(frame)
}

// hangup simulates the computer dropping the connection.
func (f *fakeTransport) hangup() {
	f.Close() //nolint:errcheck // Never fails
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// nextSent waits for the link to write a frame.
func (f *fakeTransport) nextSent(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.sentCh:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

// serveLink starts Serve on a new link and stops it at test end.
func serveLink(t *testing.T, opts LinkOptions) (*Link, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	link := NewLink(ft, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Serve(ctx) //nolint:errcheck // Tests inspect state, not the exit error
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return link, ft
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// mockStore records Put calls.
type mockStore struct {
	mu   sync.Mutex
	puts map[string][]byte
	keys []string
	err  error
}

func newMockStore() *mockStore {
	return &mockStore{puts: make(map[string][]byte)}
}

func (m *mockStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.puts[key] = value
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockStore) get(key string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.puts[key]
	if !ok {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (m *mockStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// mockSink records published updates.
type mockSink struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *mockSink) PublishUpdate(_ context.Context, key string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return m.err
}

func (m *mockSink) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// mockMetrics records metric writes by field.
type mockMetrics struct {
	mu     sync.Mutex
	fields map[string]float64
}

func (m *mockMetrics) WriteDeviceMetric(_, field string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fields == nil {
		m.fields = make(map[string]float64)
	}
	m.fields[field] = value
}

const turtleUpdate = `{"type":"update","computerName":"Turtle","computerId":7,"fuel":100,"busy":true,"label":"miner"}`

// mockLinkEvents records link open and close events in order.
type mockLinkEvents struct {
	mu     sync.Mutex
	events []bool
}

func (m *mockLinkEvents) WriteLinkEvent(_ string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, connected)
}

func (m *mockLinkEvents) recorded() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.events...)
}
