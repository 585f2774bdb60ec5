package computer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
)

// Transport is a message-oriented connection to one computer.
// The api package adapts a gorilla/websocket connection to it.
type Transport interface {
	// ReadFrame blocks until the next frame arrives. It returns an error
	// once the connection is closed.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one text frame. Implementations honour the context deadline.
	WriteFrame(ctx context.Context, data []byte) error

	Close() error
	RemoteAddr() string
}

// LinkOptions configures a Link.
type LinkOptions struct {
	// ConfirmationToken defaults to DefaultConfirmationToken.
	ConfirmationToken string
	Logger            *logging.Logger
	// OnUpdate receives update frames no listener claimed. It runs on the
	// read goroutine, so updates are handled in arrival order.
	OnUpdate func(ctx context.Context, msg InboundMessage)
}

// LinkStats is a snapshot of a link's counters.
type LinkStats struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	Open           bool      `json:"open"`
	FramesReceived uint64    `json:"frames_received"`
	FramesSent     uint64    `json:"frames_sent"`
	FramesDropped  uint64    `json:"frames_dropped"`
	Updates        uint64    `json:"updates"`
	Listeners      int       `json:"listeners"`
	Pending        int       `json:"pending"`
}

// Link is one computer connection.
//
// Serve runs the only read loop. Every inbound frame is classified once and
// handed to exactly one consumer: the oldest armed Listener if there is one,
// otherwise the consumer for its kind. Writes are serialised.
//
// Thread Safety: All methods are safe for concurrent use.
type Link struct {
	id          string
	transport   Transport
	token       string
	logger      *logging.Logger
	onUpdate    func(ctx context.Context, msg InboundMessage)
	connectedAt time.Time

	writeMu sync.Mutex

	// exchange holds one token while a command and its reply are in flight.
	exchange chan struct{}

	mu        sync.Mutex
	listeners []*Listener
	pending   map[string]*Pending
	order     []*Pending // oldest first

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	framesRx      atomic.Uint64
	framesTx      atomic.Uint64
	framesDropped atomic.Uint64
	updates       atomic.Uint64
	lastActivity  atomic.Int64
}

// NewLink wraps a transport. Call Serve to start reading.
func NewLink(t Transport, opts LinkOptions) *Link {
	token := opts.ConfirmationToken
	if token == "" {
		token = DefaultConfirmationToken
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	id := uuid.NewString()

	return &Link{
		id:          id,
		transport:   t,
		token:       token,
		logger:      logger.Link(id, t.RemoteAddr()),
		onUpdate:    opts.OnUpdate,
		connectedAt: time.Now().UTC(),
		pending:     make(map[string]*Pending),
		exchange:    make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// ID returns the link's unique id.
func (l *Link) ID() string { return l.id }

// RemoteAddr returns the peer address reported by the transport.
func (l *Link) RemoteAddr() string { return l.transport.RemoteAddr() }

// IsOpen reports whether the link can still send.
func (l *Link) IsOpen() bool { return !l.closed.Load() }

// Done is closed when the link closes.
func (l *Link) Done() <-chan struct{} { return l.done }

// Send writes one frame.
//
// Returns:
//   - error: ErrConnectionClosed if the link is closed, ErrSendFailed wrapping
//     the transport error if the write fails
func (l *Link) Send(ctx context.Context, data []byte) error {
	if l.closed.Load() {
		return ErrConnectionClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.transport.WriteFrame(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	l.framesTx.Add(1)
	l.touch()
	return nil
}

// Serve reads frames until the transport fails or ctx is cancelled, then
// closes the link. A close initiated locally returns nil.
func (l *Link) Serve(ctx context.Context) error {
	defer l.Close() //nolint:errcheck // Transport close error is irrelevant once reading stopped

	go func() {
		select {
		case <-ctx.Done():
			l.Close() //nolint:errcheck // Unblocks ReadFrame
		case <-l.done:
		}
	}()

	for {
		raw, err := l.transport.ReadFrame()
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		l.framesRx.Add(1)
		l.touch()
		l.route(ctx, Classify(raw, l.token))
	}
}

// Close closes the transport and fails every waiting listener and pending
// request with ErrConnectionClosed. Safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)

		l.mu.Lock()
		dropped := len(l.listeners) + len(l.pending)
		l.listeners = nil
		l.pending = make(map[string]*Pending)
		l.order = nil
		l.mu.Unlock()

		if dropped > 0 {
			l.logger.Debug("link closed with waiters outstanding", "waiters", dropped)
		}
		err = l.transport.Close()
	})
	return err
}

// Stats returns a snapshot of the link's counters.
func (l *Link) Stats() LinkStats {
	l.mu.Lock()
	listeners, pending := len(l.listeners), len(l.pending)
	l.mu.Unlock()

	s := LinkStats{
		ID:             l.id,
		RemoteAddr:     l.transport.RemoteAddr(),
		ConnectedAt:    l.connectedAt,
		Open:           l.IsOpen(),
		FramesReceived: l.framesRx.Load(),
		FramesSent:     l.framesTx.Load(),
		FramesDropped:  l.framesDropped.Load(),
		Updates:        l.updates.Load(),
		Listeners:      listeners,
		Pending:        pending,
	}
	if ns := l.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns).UTC()
	}
	return s
}

// beginExchange waits until no other command is in flight on the link.
// A bare confirmation token cannot say which command it answers, so every
// send, verified or not, runs inside an exchange.
func (l *Link) beginExchange(ctx context.Context) error {
	select {
	case l.exchange <- struct{}{}:
		return nil
	case <-l.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) endExchange() {
	<-l.exchange
}

func (l *Link) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// route hands a classified frame to its single consumer.
func (l *Link) route(ctx context.Context, msg InboundMessage) {
	var (
		listener *Listener
		req      *Pending
	)

	l.mu.Lock()
	switch {
	case len(l.listeners) > 0:
		listener = l.listeners[0]
		l.listeners = l.listeners[1:]
	case msg.Kind == KindResponse && msg.Response.ID != "":
		req = l.takePendingLocked(msg.Response.ID)
	case msg.Kind == KindResponse, msg.Kind == KindConfirmation:
		req = l.takeOldestLocked()
	}
	l.mu.Unlock()

	if listener != nil {
		listener.ch <- msg
		return
	}

	switch msg.Kind {
	case KindUpdate:
		l.updates.Add(1)
		if l.onUpdate == nil {
			l.framesDropped.Add(1)
			l.logger.Debug("update dropped, no handler installed")
			return
		}
		l.onUpdate(ctx, msg)
	case KindResponse, KindConfirmation:
		if req == nil {
			l.framesDropped.Add(1)
			var id string
			if msg.Response != nil {
				id = msg.Response.ID
			}
			l.logger.Warn("reply matches no pending request", "kind", msg.Kind.String(), "id", id)
			return
		}
		ok := true
		if msg.Response != nil {
			ok = msg.Response.OK
		}
		req.ch <- ok
	default:
		l.framesDropped.Add(1)
		l.logger.Warn("dropping unrecognized frame",
			"type", msg.Type,
			"error", msg.Err,
			"payload", truncate(msg.Raw, maxLoggedPayload),
		)
	}
}

func (l *Link) takePendingLocked(id string) *Pending {
	p, ok := l.pending[id]
	if !ok {
		return nil
	}
	l.removePendingLocked(p)
	return p
}

func (l *Link) takeOldestLocked() *Pending {
	if len(l.order) == 0 {
		return nil
	}
	p := l.order[0]
	l.removePendingLocked(p)
	return p
}

func (l *Link) removePendingLocked(p *Pending) bool {
	if _, ok := l.pending[p.id]; !ok {
		return false
	}
	delete(l.pending, p.id)
	for i, q := range l.order {
		if q == p {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Listener receives exactly one inbound frame, whatever its content.
type Listener struct {
	link *Link
	ch   chan InboundMessage
}

// Arm registers a one-shot listener for the next frame not already claimed
// by an earlier listener. Listeners armed in sequence receive distinct
// frames in arrival order. On a closed link the listener fails immediately.
func (l *Link) Arm() *Listener {
	ls := &Listener{link: l, ch: make(chan InboundMessage, 1)}
	l.mu.Lock()
	if !l.closed.Load() {
		l.listeners = append(l.listeners, ls)
	}
	l.mu.Unlock()
	return ls
}

// Wait blocks for the frame. On expiry or cancellation the listener is
// deregistered, so it cannot swallow a later frame.
//
// Returns:
//   - error: ErrTimeout when ctx's deadline passes, ctx.Err() when cancelled,
//     ErrConnectionClosed when the link closes first
func (ls *Listener) Wait(ctx context.Context) (InboundMessage, error) {
	select {
	case msg := <-ls.ch:
		return msg, nil
	case <-ls.link.done:
		return ls.abandon(ErrConnectionClosed)
	case <-ctx.Done():
		return ls.abandon(waitError(ctx))
	}
}

// Cancel deregisters the listener if it has not fired.
func (ls *Listener) Cancel() {
	l := ls.link
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, other := range l.listeners {
		if other == ls {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

// abandon deregisters the listener. A frame routed to it before the
// deregistration still wins over err.
func (ls *Listener) abandon(err error) (InboundMessage, error) {
	ls.Cancel()
	select {
	case msg := <-ls.ch:
		return msg, nil
	default:
		return InboundMessage{}, err
	}
}

// Pending is an outstanding request awaiting a Response or confirmation.
type Pending struct {
	id   string
	link *Link
	ch   chan bool
}

// Expect registers a pending request under id.
func (l *Link) Expect(id string) *Pending {
	p := &Pending{id: id, link: l, ch: make(chan bool, 1)}
	l.mu.Lock()
	if !l.closed.Load() {
		l.pending[id] = p
		l.order = append(l.order, p)
	}
	l.mu.Unlock()
	return p
}

// ID returns the request id.
func (p *Pending) ID() string { return p.id }

// Wait blocks for the reply. ok is the Response's ok field, or true for a
// bare confirmation token. The entry is removed on expiry or cancellation.
func (p *Pending) Wait(ctx context.Context) (bool, error) {
	select {
	case ok := <-p.ch:
		return ok, nil
	case <-p.link.done:
		return p.abandon(ErrConnectionClosed)
	case <-ctx.Done():
		return p.abandon(waitError(ctx))
	}
}

// Cancel removes the pending request if it has not been resolved.
func (p *Pending) Cancel() {
	p.link.mu.Lock()
	p.link.removePendingLocked(p)
	p.link.mu.Unlock()
}

func (p *Pending) abandon(err error) (bool, error) {
	p.Cancel()
	select {
	case ok := <-p.ch:
		return ok, nil
	default:
		return false, err
	}
}

func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}

// maxLoggedPayload caps how much of an unexpected frame is logged.
const maxLoggedPayload = 256

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
