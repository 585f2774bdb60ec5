package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
)

// testConfig targets a local Mosquitto broker on 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "ccbridge-test-" + time.Now().Format("150405.000000"),
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker, skipping the test when none is running.
func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}
	client, err := Connect(testConfig())
	if err != nil {
		t.Skipf("no MQTT broker on 127.0.0.1:1883: %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

// recordingLogger captures Warn and Error calls.
type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record(msg) }

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ComputerUpdate", Topics{}.ComputerUpdate("Turtle7"), "ccbridge/computer/Turtle7/update"},
		{"ComputerUpdate sanitises wildcards", Topics{}.ComputerUpdate("a/b+c#7"), "ccbridge/computer/a_b_c_7/update"},
		{"ComputerUpdate empty key", Topics{}.ComputerUpdate(""), "ccbridge/computer/_/update"},
		{"ComputerUpdate keeps spaces", Topics{}.ComputerUpdate("Main Base3"), "ccbridge/computer/Main Base3/update"},
		{"Command", Topics{}.Command(), "ccbridge/command"},
		{"SystemStatus", Topics{}.SystemStatus(), "ccbridge/system/status"},
		{"AllComputerUpdates", Topics{}.AllComputerUpdates(), "ccbridge/computer/+/update"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("ccbridge")
	if !strings.Contains(online, `"status":"online"`) || strings.Contains(online, "reason") {
		t.Errorf("online payload = %s", online)
	}
	offline := buildOfflinePayload("ccbridge")
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload = %s", offline)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [ssl://127.0.0.1:1883]", opts.Servers)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig not set with TLS enabled")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false")
	}
}

func TestValidationWithoutConnection(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", client.Publish("", []byte("x"), 1, false), ErrInvalidTopic},
		{"publish bad qos", client.Publish("t", []byte("x"), 3, false), ErrInvalidQoS},
		{"publish too large", client.Publish("t", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed},
		{"publish disconnected", client.Publish("t", []byte("x"), 1, false), ErrNotConnected},
		{"update disconnected", client.PublishUpdate(context.Background(), "Turtle7", []byte("{}")), ErrNotConnected},
		{"subscribe empty topic", client.Subscribe("", 0, noop), ErrInvalidTopic},
		{"subscribe bad qos", client.Subscribe("t", 3, noop), ErrInvalidQoS},
		{"subscribe nil handler", client.Subscribe("t", 0, nil), ErrSubscribeFailed},
		{"subscribe disconnected", client.Subscribe("t", 0, noop), ErrNotConnected},
		{"commands nil handler", client.SubscribeCommands(nil), ErrSubscribeFailed},
		{"unsubscribe empty topic", client.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", client.Unsubscribe("t"), ErrNotConnected},
		{"health disconnected", client.HealthCheck(context.Background()), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestNilClient(t *testing.T) {
	var client *Client
	if client.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
}

func TestCommandHandler(t *testing.T) {
	var got []string
	handler := commandHandler(func(line string) error {
		got = append(got, line)
		if line == "fail" {
			return errors.New("not connected")
		}
		return nil
	})

	err := handler(Topics{}.Command(), []byte("move forward 3\n\n  fail \r\ndig\n"))
	if err == nil || !strings.Contains(err.Error(), `"fail"`) {
		t.Errorf("handler error = %v, want mention of fail", err)
	}
	want := []string{"move forward 3", "fail", "dig"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestDeliverRecoversPanics(t *testing.T) {
	logger := &recordingLogger{}
	client := &Client{}
	client.SetLogger(logger)

	client.deliver(func(string, []byte) error { panic("boom") }, "t", nil)
	client.deliver(func(string, []byte) error { return errors.New("bad") }, "t", nil)

	msgs := logger.messages()
	if len(msgs) != 2 {
		t.Fatalf("logged %v, want panic and error", msgs)
	}
}

func TestConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestBroker_PublishUpdateRoundtrip(t *testing.T) {
	client := connectOrSkip(t)

	received := make(chan string, 1)
	err := client.Subscribe(Topics{}.AllComputerUpdates(), 1, func(topic string, payload []byte) error {
		if topic == (Topics{}).ComputerUpdate("RoundTrip1") {
			received <- string(payload)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(Topics{}.AllComputerUpdates()) {
		t.Error("subscription not tracked")
	}

	payload := `{"type":"update","computerName":"RoundTrip","computerId":1}`
	if err := client.PublishUpdate(context.Background(), "RoundTrip1", []byte(payload)); err != nil {
		t.Fatalf("PublishUpdate() error = %v", err)
	}

	select {
	case got := <-received:
		if got != payload {
			t.Errorf("payload = %s, want %s", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update not received")
	}

	if err := client.Unsubscribe(Topics{}.AllComputerUpdates()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after unsubscribe", client.SubscriptionCount())
	}
}

func TestBroker_Commands(t *testing.T) {
	client := connectOrSkip(t)

	lines := make(chan string, 2)
	if err := client.SubscribeCommands(func(line string) error {
		lines <- line
		return nil
	}); err != nil {
		t.Fatalf("SubscribeCommands() error = %v", err)
	}

	if err := client.Publish(Topics{}.Command(), []byte("setLabel kitchen"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-lines:
		if got != "setLabel kitchen" {
			t.Errorf("line = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestBroker_HealthAndClose(t *testing.T) {
	client := connectOrSkip(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}
