package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/cc-bridge/internal/computer"
	"github.com/nerrad567/cc-bridge/internal/store"
)

const turtleUpdate = `{"type":"update","computerName":"Turtle","computerId":7,"fuel":100}`

// liveBridge runs a real bridge behind an httptest server and returns the
// server URL, the bridge and its store.
func liveBridge(t *testing.T, wsPath string) (string, *computer.Bridge, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	bridge, err := computer.New(computer.Options{
		Store:           mem,
		Logger:          testLogger(),
		ResponseTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("computer.New() error = %v", err)
	}

	deps := testDeps(bridge, mem)
	deps.WS.Path = wsPath
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test cleanup
	return ts.URL, bridge, mem
}

// dialComputer connects as a computer would and waits until the bridge
// has registered the link.
func dialComputer(t *testing.T, baseURL, path string, bridge *computer.Bridge) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // Test cleanup

	waitUntil(t, "computer connected", func() bool { return bridge.Status().Connected })
	return conn
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame %q is not JSON: %v", data, err)
	}
	return frame
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDeviceSocket_CommandReachesComputer(t *testing.T) {
	base, bridge, _ := liveBridge(t, "/")
	conn := dialComputer(t, base, "/", bridge)

	resp := post(t, base+"/api/v1/computer/commands", `{"line":"setLabel kitchen"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "command" || frame["command"] != "setLabel" {
		t.Errorf("frame = %v", frame)
	}
	args, _ := frame["args"].([]any) //nolint:errcheck // Checked below
	if len(args) != 1 || args[0] != "kitchen" {
		t.Errorf("args = %v, want [kitchen]", frame["args"])
	}
	if _, hasID := frame["id"]; hasID {
		t.Error("fire-and-forget command carried an id")
	}
	if _, ok := frame["timestamp"].(float64); !ok {
		t.Errorf("timestamp = %v", frame["timestamp"])
	}
}

func TestDeviceSocket_VerifiedCommand(t *testing.T) {
	base, bridge, _ := liveBridge(t, "/")
	conn := dialComputer(t, base, "/", bridge)

	type result struct {
		status int
		body   commandResponse
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(base+"/api/v1/computer/commands", "application/json",
			strings.NewReader(`{"line":"refuel","verify":true}`))
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		var body commandResponse
		json.NewDecoder(resp.Body).Decode(&body) //nolint:errcheck // Checked via fields
		done <- result{status: resp.StatusCode, body: body}
	}()

	frame := readFrame(t, conn)
	id, _ := frame["id"].(string) //nolint:errcheck // Checked below
	if id == "" {
		t.Fatalf("verified command without id: %v", frame)
	}
	reply, _ := json.Marshal(map[string]any{"type": "response", "id": id, "ok": true}) //nolint:errcheck // Static map
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case res := <-done:
		if res.status != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.status)
		}
		if !res.body.Verified || res.body.Confirmed == nil || !*res.body.Confirmed {
			t.Errorf("response = %+v", res.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("verified command did not complete")
	}
}

func TestDeviceSocket_UpdatesAreStored(t *testing.T) {
	base, bridge, mem := liveBridge(t, "/")
	conn := dialComputer(t, base, "/", bridge)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(turtleUpdate)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	waitUntil(t, "update stored", func() bool {
		_, found, _ := mem.Get(context.Background(), "/Turtle7") //nolint:errcheck // Polling
		return found
	})

	resp, err := http.Get(base + "/api/v1/computers/Turtle7")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body) //nolint:errcheck // Checked via content
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"fuel":100`) {
		t.Errorf("GET /computers/Turtle7 = %d %s", resp.StatusCode, body)
	}
}

func TestDeviceSocket_RequestUpdate(t *testing.T) {
	base, bridge, mem := liveBridge(t, "/")
	conn := dialComputer(t, base, "/", bridge)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(base+"/api/v1/computer/update", "application/json", nil)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != computer.DefaultUpdateCommand {
		t.Fatalf("request frame = %q, want %q", data, computer.DefaultUpdateCommand)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(turtleUpdate)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	select {
	case status := <-done:
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("update request did not complete")
	}
	if _, found, _ := mem.Get(context.Background(), "/Turtle7"); !found { //nolint:errcheck // Checked via found
		t.Error("requested update was not stored")
	}
}

func TestDeviceSocket_DisconnectClearsLink(t *testing.T) {
	base, bridge, _ := liveBridge(t, "/")
	conn := dialComputer(t, base, "/", bridge)

	conn.Close() //nolint:errcheck // Simulated drop
	waitUntil(t, "computer disconnected", func() bool { return !bridge.Status().Connected })

	resp := post(t, base+"/api/v1/computer/commands", `{"line":"dig"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDeviceSocket_NewestConnectionWins(t *testing.T) {
	base, bridge, _ := liveBridge(t, "/")
	first := dialComputer(t, base, "/", bridge)
	firstID := bridge.Status().Link.ID

	second := dialComputer(t, base, "/", bridge)
	waitUntil(t, "second link active", func() bool {
		s := bridge.Status()
		return s.Link != nil && s.Link.ID != firstID
	})

	first.Close() //nolint:errcheck // Superseded computer drops
	time.Sleep(50 * time.Millisecond)
	if !bridge.Status().Connected {
		t.Fatal("dropping the superseded socket cleared the active link")
	}

	post(t, base+"/api/v1/computer/commands", `{"line":"dig"}`)
	if frame := readFrame(t, second); frame["command"] != "dig" {
		t.Errorf("frame = %v", frame)
	}
}

func TestDeviceSocket_CustomPath(t *testing.T) {
	base, bridge, _ := liveBridge(t, "/computer")

	// The root path stays plain liveness when the device path moves.
	url := "ws" + strings.TrimPrefix(base, "http") + "/"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("upgrade on / should fail when the device path is /computer")
	}

	dialComputer(t, base, "/computer", bridge)
}
