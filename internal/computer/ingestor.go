package computer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
)

// DefaultUpdateCommand is the bare word that asks a computer for an update.
const DefaultUpdateCommand = "getUpdate"

// UpdateStore persists the latest update per computer.
type UpdateStore interface {
	Put(ctx context.Context, key string, value []byte) error
}

// UpdateSink receives every stored update, keyed by identity key.
type UpdateSink interface {
	PublishUpdate(ctx context.Context, key string, payload []byte) error
}

// MetricSink records numeric update fields.
type MetricSink interface {
	WriteDeviceMetric(deviceID, field string, value float64)
}

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	Store         UpdateStore
	Sinks         []UpdateSink
	Metrics       MetricSink
	Dispatcher    *Dispatcher
	Timeout       time.Duration
	UpdateCommand string
	Logger        *logging.Logger
}

// Ingestor stores computer updates and fans them out to sinks.
type Ingestor struct {
	store         UpdateStore
	sinks         []UpdateSink
	metrics       MetricSink
	dispatcher    *Dispatcher
	timeout       time.Duration
	updateCommand string
	logger        *logging.Logger
}

// NewIngestor creates an ingestor. Store is required.
func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("update store is required")
	}
	i := &Ingestor{
		store:         opts.Store,
		sinks:         opts.Sinks,
		metrics:       opts.Metrics,
		dispatcher:    opts.Dispatcher,
		timeout:       opts.Timeout,
		updateCommand: opts.UpdateCommand,
		logger:        opts.Logger,
	}
	if i.timeout <= 0 {
		i.timeout = DefaultResponseTimeout
	}
	if i.updateCommand == "" {
		i.updateCommand = DefaultUpdateCommand
	}
	if i.logger == nil {
		i.logger = logging.Discard()
	}
	return i, nil
}

// Ingest stores an update under "/" + computerName + computerId, then
// publishes it to each sink. Sink failures are logged, not returned.
//
// Returns:
//   - error: ErrMalformedPayload for non-updates or updates without identity,
//     or the store's error
func (i *Ingestor) Ingest(ctx context.Context, msg InboundMessage) error {
	if msg.Kind != KindUpdate {
		i.logger.Warn("received data, but type is not update",
			"type", msg.Type,
			"kind", msg.Kind.String(),
		)
		return fmt.Errorf("%w: expected update, got %s", ErrMalformedPayload, msg.Kind)
	}

	key, err := msg.Update.Key()
	if err != nil {
		i.logger.Warn("dropping update without identity", "error", err)
		return err
	}

	payload, err := json.Marshal(msg.Update.Payload)
	if err != nil {
		return fmt.Errorf("encoding update %s: %w", key, err)
	}

	i.logger.Info("received update", "computer", msg.Update.ComputerName, "key", key)

	if err := i.store.Put(ctx, StorageKey(key), payload); err != nil {
		i.logger.Error("failed to store update", "key", key, "error", err)
		return fmt.Errorf("storing update %s: %w", key, err)
	}

	for _, sink := range i.sinks {
		if err := sink.PublishUpdate(ctx, key, payload); err != nil {
			i.logger.Warn("failed to publish update", "key", key, "error", err)
		}
	}

	if i.metrics != nil {
		i.writeMetrics(key, msg.Update.Payload)
	}
	return nil
}

// identityFields are never written as metrics.
var identityFields = map[string]bool{
	"type":         true,
	"computerName": true,
	"computerId":   true,
}

func (i *Ingestor) writeMetrics(key string, payload map[string]any) {
	for field, val := range payload {
		if identityFields[field] {
			continue
		}
		switch v := val.(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				i.metrics.WriteDeviceMetric(key, field, f)
			}
		case bool:
			f := 0.0
			if v {
				f = 1.0
			}
			i.metrics.WriteDeviceMetric(key, field, f)
		}
	}
}

// HandleInbound consumes the next frame on link and ingests it.
func (i *Ingestor) HandleInbound(ctx context.Context, link *Link) error {
	return i.ingestNext(ctx, link.Arm())
}

// RequestUpdate sends the update command to the active computer and ingests its reply.
//
// Returns:
//   - error: ErrNotConnected, ErrTimeout, ErrMalformedPayload when the reply
//     is not an update, or a store error
func (i *Ingestor) RequestUpdate(ctx context.Context) error {
	if i.dispatcher == nil {
		return fmt.Errorf("requesting update: no dispatcher configured")
	}
	link, err := i.dispatcher.acquire(ctx)
	if err != nil {
		return err
	}
	defer link.endExchange()

	ls := link.Arm()
	if err := i.dispatcher.sendText(ctx, link, i.updateCommand); err != nil {
		ls.Cancel()
		return err
	}
	return i.ingestNext(ctx, ls)
}

func (i *Ingestor) ingestNext(ctx context.Context, ls *Listener) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	msg, err := ls.Wait(ctx)
	if err != nil {
		return err
	}
	return i.Ingest(ctx, msg)
}
