package computer

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
)

// Options configures a Bridge.
type Options struct {
	Store             UpdateStore
	Sinks             []UpdateSink
	Metrics           MetricSink
	LinkEvents        LinkObserver
	Logger            *logging.Logger
	ConfirmationToken string
	ResponseTimeout   time.Duration
	UpdateCommand     string
	// VerifyCommands is the default for label changes that don't say.
	VerifyCommands bool
}

// updateQueueSize bounds the updates waiting to be stored and fanned out
// for one link. Further updates are dropped until the queue drains.
const updateQueueSize = 64

// LinkObserver is told when a transport is attached and when it goes away.
type LinkObserver interface {
	WriteLinkEvent(remoteAddr string, connected bool)
}

// Status describes the bridge's connection state.
type Status struct {
	Connected bool       `json:"connected"`
	Link      *LinkStats `json:"link,omitempty"`
}

// Bridge ties the connection registry, dispatcher, correlator and ingestor together.
//
// Transports are attached with Serve; operators drive the active computer
// through Dispatch, Confirm, SetLabel and RequestUpdate.
type Bridge struct {
	conns      *ConnectionManager
	dispatcher *Dispatcher
	correlator *Correlator
	ingestor   *Ingestor
	events     LinkObserver
	token      string
	verify     bool
	timeout    time.Duration
	logger     *logging.Logger
}

// New creates a bridge.
//
// Parameters:
//   - opts: Store is required; other fields default
//
// Returns:
//   - *Bridge: Ready to accept transports
//   - error: If the store is missing
func New(opts Options) (*Bridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Component("computer")

	token := opts.ConfirmationToken
	if token == "" {
		token = DefaultConfirmationToken
	}

	conns := NewConnectionManager()
	dispatcher := NewDispatcher(conns, logger)
	ingestor, err := NewIngestor(IngestorOptions{
		Store:         opts.Store,
		Sinks:         opts.Sinks,
		Metrics:       opts.Metrics,
		Dispatcher:    dispatcher,
		Timeout:       opts.ResponseTimeout,
		UpdateCommand: opts.UpdateCommand,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ingestor: %w", err)
	}

	return &Bridge{
		conns:      conns,
		dispatcher: dispatcher,
		correlator: NewCorrelator(dispatcher, CorrelatorOptions{
			Timeout:           opts.ResponseTimeout,
			ConfirmationToken: token,
			Logger:            logger,
		}),
		ingestor: ingestor,
		events:   opts.LinkEvents,
		token:    token,
		verify:   opts.VerifyCommands,
		timeout:  ingestor.timeout,
		logger:   logger,
	}, nil
}

// Serve makes t the active connection and reads from it until it closes or
// ctx is cancelled. A previously active link is superseded, not closed.
//
// Unsolicited updates are stored and fanned out by a worker of their own,
// so a slow store or broker never holds up replies to pending commands.
// Updates already queued when the link ends are still ingested.
func (b *Bridge) Serve(ctx context.Context, t Transport) error {
	queue := make(chan InboundMessage, updateQueueSize)
	workerDone := make(chan struct{})
	go b.ingestLoop(context.WithoutCancel(ctx), queue, workerDone)
	defer func() {
		close(queue)
		<-workerDone
	}()

	var link *Link
	link = NewLink(t, LinkOptions{
		ConfirmationToken: b.token,
		Logger:            b.logger,
		OnUpdate: func(_ context.Context, msg InboundMessage) {
			select {
			case queue <- msg:
			default:
				b.logger.Warn("update queue full, dropping update",
					"link_id", link.ID(),
					"queued", len(queue),
				)
			}
		},
	})

	if prev := b.conns.SetActive(link); prev != nil {
		b.logger.Info("computer connection superseded", "previous_link_id", prev.ID(), "link_id", link.ID())
	}
	b.logger.Info("connected to computer", "link_id", link.ID(), "remote_addr", t.RemoteAddr())
	if b.events != nil {
		b.events.WriteLinkEvent(t.RemoteAddr(), true)
		defer b.events.WriteLinkEvent(t.RemoteAddr(), false)
	}

	err := link.Serve(ctx)

	if b.conns.ClearIfMatches(link) {
		b.logger.Info("disconnected from computer", "link_id", link.ID())
	} else {
		b.logger.Debug("superseded connection closed", "link_id", link.ID())
	}
	return err
}

// ingestLoop ingests queued updates in arrival order until queue is closed.
// Each update gets the response timeout to reach the store and sinks.
func (b *Bridge) ingestLoop(ctx context.Context, queue <-chan InboundMessage, done chan<- struct{}) {
	defer close(done)
	for msg := range queue {
		ingestCtx, cancel := context.WithTimeout(ctx, b.timeout)
		_ = b.ingestor.Ingest(ingestCtx, msg) //nolint:errcheck // Ingest logs its own failures
		cancel()
	}
}

// Dispatch sends an operator line to the active computer without waiting.
func (b *Bridge) Dispatch(ctx context.Context, line string) (Command, error) {
	return b.dispatcher.Dispatch(ctx, line)
}

// Confirm sends an operator line and waits for the computer's reply.
func (b *Bridge) Confirm(ctx context.Context, line string) (bool, error) {
	return b.correlator.Confirm(ctx, line)
}

// SetLabel relabels the active computer, verifying when asked.
func (b *Bridge) SetLabel(ctx context.Context, label string, verify bool) (bool, error) {
	return b.correlator.SetLabel(ctx, label, verify)
}

// VerifyCommands reports the configured verification default.
func (b *Bridge) VerifyCommands() bool {
	return b.verify
}

// RequestUpdate asks the active computer for its state and stores the reply.
func (b *Bridge) RequestUpdate(ctx context.Context) error {
	return b.ingestor.RequestUpdate(ctx)
}

// Status reports whether a computer is connected and its link counters.
func (b *Bridge) Status() Status {
	link := b.conns.Active()
	if link == nil {
		return Status{}
	}
	stats := link.Stats()
	return Status{Connected: stats.Open, Link: &stats}
}

// Close closes the active link, if any.
func (b *Bridge) Close() error {
	if link := b.conns.Active(); link != nil {
		return link.Close()
	}
	return nil
}
