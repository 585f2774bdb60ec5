package computer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestIngestor(t *testing.T, opts IngestorOptions) *Ingestor {
	t.Helper()
	i, err := NewIngestor(opts)
	if err != nil {
		t.Fatalf("NewIngestor() error = %v", err)
	}
	return i
}

func TestNewIngestor_RequiresStore(t *testing.T) {
	if _, err := NewIngestor(IngestorOptions{}); err == nil {
		t.Error("NewIngestor() without store should fail")
	}
}

func TestIngestor_Ingest(t *testing.T) {
	store := newMockStore()
	sink := &mockSink{}
	metrics := &mockMetrics{}
	i := newTestIngestor(t, IngestorOptions{Store: store, Sinks: []UpdateSink{sink}, Metrics: metrics})

	if err := i.Ingest(context.Background(), Decode([]byte(turtleUpdate))); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	got, ok := store.get("/Turtle7")
	if !ok {
		t.Fatal("update not stored under /Turtle7")
	}
	if got["label"] != "miner" || got["fuel"] != float64(100) || got["computerId"] != float64(7) {
		t.Errorf("stored payload = %v", got)
	}

	if keys := sink.published(); !reflect.DeepEqual(keys, []string{"Turtle7"}) {
		t.Errorf("sink keys = %v, want [Turtle7]", keys)
	}

	want := map[string]float64{"fuel": 100, "busy": 1}
	if !reflect.DeepEqual(metrics.fields, want) {
		t.Errorf("metrics = %v, want %v", metrics.fields, want)
	}
}

func TestIngestor_IngestRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing computerId", `{"type":"update","computerName":"Turtle"}`},
		{"missing computerName", `{"type":"update","computerId":7}`},
		{"not an update", `{"type":"status"}`},
		{"confirmation", "true"},
		{"garbage", "not json at all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			sink := &mockSink{}
			i := newTestIngestor(t, IngestorOptions{Store: store, Sinks: []UpdateSink{sink}})

			err := i.Ingest(context.Background(), Classify([]byte(tt.raw), DefaultConfirmationToken))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Ingest() error = %v, want ErrMalformedPayload", err)
			}
			if store.putCount() != 0 {
				t.Error("rejected frame reached the store")
			}
			if len(sink.published()) != 0 {
				t.Error("rejected frame reached a sink")
			}
		})
	}
}

func TestIngestor_StoreFailure(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("disk full")
	sink := &mockSink{}
	i := newTestIngestor(t, IngestorOptions{Store: store, Sinks: []UpdateSink{sink}})

	if err := i.Ingest(context.Background(), Decode([]byte(turtleUpdate))); err == nil {
		t.Fatal("Ingest() should report store failure")
	}
	if len(sink.published()) != 0 {
		t.Error("sinks should not see an update that was not stored")
	}
}

func TestIngestor_SinkFailureIsNotFatal(t *testing.T) {
	store := newMockStore()
	failing := &mockSink{err: errors.New("broker down")}
	healthy := &mockSink{}
	i := newTestIngestor(t, IngestorOptions{Store: store, Sinks: []UpdateSink{failing, healthy}})

	if err := i.Ingest(context.Background(), Decode([]byte(turtleUpdate))); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(healthy.published()) != 1 {
		t.Error("a failing sink stopped later sinks")
	}
}

func TestIngestor_HandleInbound(t *testing.T) {
	link, ft := serveLink(t, LinkOptions{})
	store := newMockStore()
	i := newTestIngestor(t, IngestorOptions{Store: store, Timeout: 2 * time.Second})

	done := make(chan error, 1)
	go func() { done <- i.HandleInbound(context.Background(), link) }()

	waitFor(t, "listener armed", func() bool { return link.Stats().Listeners == 1 })
	ft.deliver(turtleUpdate)

	if err := <-done; err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if _, ok := store.get("/Turtle7"); !ok {
		t.Error("update not stored")
	}
}

func TestIngestor_RequestUpdate(t *testing.T) {
	link, ft := serveLink(t, LinkOptions{})
	conns := NewConnectionManager()
	conns.SetActive(link)
	store := newMockStore()
	i := newTestIngestor(t, IngestorOptions{
		Store:      store,
		Dispatcher: NewDispatcher(conns, nil),
		Timeout:    2 * time.Second,
	})

	done := make(chan error, 1)
	go func() { done <- i.RequestUpdate(context.Background()) }()

	if got := string(ft.nextSent(t)); got != DefaultUpdateCommand {
		t.Fatalf("sent %q, want %q", got, DefaultUpdateCommand)
	}
	ft.deliver(turtleUpdate)

	if err := <-done; err != nil {
		t.Fatalf("RequestUpdate() error = %v", err)
	}
	if _, ok := store.get("/Turtle7"); !ok {
		t.Error("update not stored")
	}
}

func TestIngestor_RequestUpdateErrors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		i := newTestIngestor(t, IngestorOptions{
			Store:      newMockStore(),
			Dispatcher: NewDispatcher(NewConnectionManager(), nil),
		})
		if err := i.RequestUpdate(context.Background()); !errors.Is(err, ErrNotConnected) {
			t.Errorf("RequestUpdate() error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		link, _ := serveLink(t, LinkOptions{})
		conns := NewConnectionManager()
		conns.SetActive(link)
		i := newTestIngestor(t, IngestorOptions{
			Store:      newMockStore(),
			Dispatcher: NewDispatcher(conns, nil),
			Timeout:    20 * time.Millisecond,
		})
		if err := i.RequestUpdate(context.Background()); !errors.Is(err, ErrTimeout) {
			t.Errorf("RequestUpdate() error = %v, want ErrTimeout", err)
		}
		if n := link.Stats().Listeners; n != 0 {
			t.Errorf("listeners after timeout = %d, want 0", n)
		}
	})
}
