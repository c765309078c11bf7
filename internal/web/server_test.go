package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/scrcpyhub/internal/config"
	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/workflow"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts ...HubOption) (*httptest.Server, *Hub) {
	t.Helper()
	cfg := config.DefaultConfig()
	hub := NewHub(cfg, workflow.NewMemoryStore(), opts...)
	srv := httptest.NewServer(NewServer(cfg, hub, nil).Handler())
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return srv, hub
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialViewer(t *testing.T, srv *httptest.Server, path, name string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if name != "" {
		header.Set("X-Forwarded-User", strings.ToLower(name))
		header.Set("X-Forwarded-Name", name)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitFor reads until a text message of type typ satisfies match.
func waitFor(t *testing.T, conn *websocket.Conn, typ string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		if messageType != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == typ && (match == nil || match(msg)) {
			return msg
		}
	}
}

func countIs(n int) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["count"] == float64(n) }
}

func holder(is bool) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["isLockHolder"] == is }
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestWebSocketLockProtocol(t *testing.T) {
	srv, hub := newTestServer(t)
	path := "/ws/emulator-5554?display=0"

	alice := dialViewer(t, srv, path, "Alice")
	waitFor(t, alice, MessageTypeSessionCount, countIs(1))
	state := waitFor(t, alice, MessageTypeLockState, nil)
	assert.Equal(t, true, state["isLockHolder"])
	assert.Equal(t, "emulator-5554", state["udid"])
	lockInfo := state["lock"].(map[string]any)
	assert.Equal(t, "user", lockInfo["type"])
	assert.Equal(t, "Alice", lockInfo["lockHolderName"])

	bob := dialViewer(t, srv, path, "Bob")
	count := waitFor(t, bob, MessageTypeSessionCount, countIs(2))
	assert.Len(t, count["viewers"], 2)
	waitFor(t, bob, MessageTypeLockState, holder(false))
	waitFor(t, alice, MessageTypeSessionCount, countIs(2))

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(`{"type":"lockRequest","action":"forceUnlock"}`)))
	waitFor(t, bob, MessageTypeLockState, holder(true))
	taken := waitFor(t, alice, MessageTypeLockState, holder(false))
	assert.Equal(t, "Bob", taken["lock"].(map[string]any)["lockHolderName"])

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitFor(t, alice, MessageTypeSessionCount, countIs(1))
	waitFor(t, alice, MessageTypeLockState, func(m map[string]any) bool { return m["lock"] == nil })

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsBadDisplay(t *testing.T) {
	srv, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/emulator-5554?display=abc"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketProxiesDevice(t *testing.T) {
	received := make(chan []byte, 4)
	upgrader := websocket.Upgrader{}
	dev := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("frame"))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(dev.Close)

	dialer := &device.WSDialer{URL: func(id string) (string, bool) {
		return wsURL(dev, "/"), id == "emulator-5554"
	}}
	srv, _ := newTestServer(t, WithDialer(dialer))

	viewer := dialViewer(t, srv, "/ws/emulator-5554", "Alice")

	// The device frame and the lock state race each other.
	var gotFrame, gotLock bool
	require.NoError(t, viewer.SetReadDeadline(time.Now().Add(3*time.Second)))
	for !gotFrame || !gotLock {
		messageType, data, err := viewer.ReadMessage()
		require.NoError(t, err)
		if messageType == websocket.BinaryMessage {
			assert.Equal(t, []byte("frame"), data)
			gotFrame = true
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == MessageTypeLockState {
			assert.Equal(t, true, msg["isLockHolder"])
			gotLock = true
		}
	}

	key := &control.KeyCode{Action: control.ActionDown, KeyCode: control.KeyCodeHome}
	data, err := control.Encode(key)
	require.NoError(t, err)
	require.NoError(t, viewer.WriteMessage(websocket.BinaryMessage, data))

	select {
	case got := <-received:
		assert.Equal(t, data, got)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "device did not receive control message")
	}

	// Devices without an upstream still get lock and session state.
	other := dialViewer(t, srv, "/ws/unknown-device", "Bob")
	waitFor(t, other, MessageTypeLockState, holder(true))
}

func doJSON(t *testing.T, method, url string, body any) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestWorkflowAPI(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/devices/emulator-5554/workflows"
	screen := control.Size{Width: 1080, Height: 1920}

	status, out := doJSON(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
	assert.Empty(t, out.Workflows)

	status, out = doJSON(t, http.MethodPost, base, map[string]any{
		"name":       "Open settings",
		"screenSize": screen,
		"actions": []map[string]any{
			{"type": "keycode", "timestamp": 0, "keycode": 3},
			{"type": "text", "timestamp": 120.4, "text": "wifi"},
		},
	})
	require.Equal(t, http.StatusOK, status, out.Error)
	require.NotNil(t, out.Workflow)
	id := out.Workflow.ID
	assert.True(t, strings.HasPrefix(id, "wf_"))
	assert.Equal(t, "emulator-5554", out.Workflow.DeviceID)
	assert.Equal(t, workflow.Millis(120), out.Workflow.Actions[1].At())

	status, out = doJSON(t, http.MethodPost, base, map[string]any{"name": "no actions"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, out.Success)

	status, _ = doJSON(t, http.MethodPost, base, []byte("{"))
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = doJSON(t, http.MethodGet, base+"/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Open settings", out.Workflow.Name)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/api/devices/other/workflows/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status, "workflows belong to one device")

	status, out = doJSON(t, http.MethodPatch, base+"/"+id, map[string]any{"name": "Wifi", "description": "opens wifi"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Wifi", out.Workflow.Name)
	assert.Equal(t, "opens wifi", out.Workflow.Description)

	status, _ = doJSON(t, http.MethodPatch, base+"/"+id, map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Get(base + "/" + id + "/export")
	require.NoError(t, err)
	var exp workflow.Export
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exp))
	_ = resp.Body.Close()
	assert.Equal(t, `attachment; filename="wifi.json"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, workflow.ExportVersion, exp.Version)
	assert.Equal(t, "Wifi", exp.Name)
	require.Len(t, exp.Actions, 2)

	status, out = doJSON(t, http.MethodPost, base+"/import", exp)
	require.Equal(t, http.StatusOK, status, out.Error)
	assert.NotEqual(t, id, out.Workflow.ID)

	status, _ = doJSON(t, http.MethodPost, base+"/import", []byte(`{"version":9,"actions":[]}`))
	assert.Equal(t, http.StatusBadRequest, status)

	_, out = doJSON(t, http.MethodGet, base, nil)
	assert.Len(t, out.Workflows, 2)

	status, out = doJSON(t, http.MethodDelete, base+"/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)

	status, out = doJSON(t, http.MethodDelete, base+"/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Workflow not found", out.Error)
}

func TestDisplayStateAndDevices(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Devices = map[string]string{"b-device": "ws://b", "a-device": "ws://a"}
	hub := NewHub(cfg, nil)
	srv := httptest.NewServer(NewServer(cfg, hub, nil).Handler())
	t.Cleanup(srv.Close)

	hub.Registry().Add(testKey, "c1", nil)
	hub.Arbiter().AcquireUser(testKey, "c1", "Anonymous")

	resp, err := http.Get(srv.URL + "/api/devices/emulator-5554/displays/0/state")
	require.NoError(t, err)
	var state displayState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	_ = resp.Body.Close()

	assert.Equal(t, 1, state.Count)
	require.NotNil(t, state.Lock)
	assert.Equal(t, "c1", state.Lock.HolderID)

	resp, err = http.Get(srv.URL + "/api/devices/emulator-5554/displays/x/state")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, out := doJSON(t, http.MethodGet, srv.URL+"/api/devices", nil)
	assert.Equal(t, []string{"a-device", "b-device"}, out.Devices)
}

func TestConnectionAPI(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Devices = map[string]string{"emulator-5554": "ws://localhost:8000"}
	hub := NewHub(cfg, nil)
	srv := httptest.NewServer(NewServer(cfg, hub, nil).Handler())
	t.Cleanup(srv.Close)
	base := srv.URL + "/api/connections"

	status, out := doJSON(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
	assert.Empty(t, out.Connections)

	status, out = doJSON(t, http.MethodPost, base, map[string]any{
		"id": "lab-phone", "name": "Lab phone", "hostname": "10.0.0.7", "port": 8000,
	})
	require.Equal(t, http.StatusOK, status, out.Error)
	require.NotNil(t, out.Connection)
	assert.Equal(t, device.PlatformAndroid, out.Connection.Type)
	assert.NotZero(t, out.Connection.CreatedAt)
	created := out.Connection.CreatedAt

	status, out = doJSON(t, http.MethodPost, base, map[string]any{
		"id": "lab-phone", "name": "Lab phone", "hostname": "10.0.0.8", "port": 8443, "secure": true, "createdAt": 1,
	})
	require.Equal(t, http.StatusOK, status, out.Error)
	assert.Equal(t, created, out.Connection.CreatedAt)
	assert.Equal(t, "wss://10.0.0.8:8443/", out.Connection.URL())

	status, out = doJSON(t, http.MethodPost, base, map[string]any{"id": "x", "name": "x", "hostname": "h", "port": 70000})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, out.Success)

	status, _ = doJSON(t, http.MethodPost, base, []byte("{"))
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = doJSON(t, http.MethodGet, base+"/lab-phone", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "10.0.0.8", out.Connection.Hostname)

	_, out = doJSON(t, http.MethodGet, base, nil)
	assert.Len(t, out.Connections, 1)

	_, out = doJSON(t, http.MethodGet, srv.URL+"/api/devices", nil)
	assert.Equal(t, []string{"emulator-5554", "lab-phone"}, out.Devices)

	status, out = doJSON(t, http.MethodDelete, base+"/lab-phone", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)

	status, out = doJSON(t, http.MethodGet, base+"/lab-phone", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Connection not found", out.Error)

	status, _ = doJSON(t, http.MethodDelete, base+"/lab-phone", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebSocketDialsSavedConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dev := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("saved"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(dev.Close)

	addr := dev.Listener.Addr().(*net.TCPAddr)
	conns := device.NewMemoryConnectionStore()
	require.NoError(t, conns.SaveConnection(context.Background(), &device.Connection{
		ID: "lab-phone", Name: "Lab phone", Hostname: addr.IP.String(), Port: addr.Port,
	}))

	resolver := &device.Resolver{Connections: conns}
	srv, _ := newTestServer(t, WithConnections(conns), WithDialer(&device.WSDialer{URL: resolver.URL}))

	viewer := dialViewer(t, srv, "/ws/lab-phone", "Alice")
	require.NoError(t, viewer.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		messageType, data, err := viewer.ReadMessage()
		require.NoError(t, err)
		if messageType == websocket.BinaryMessage {
			assert.Equal(t, []byte("saved"), data)
			break
		}
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	hub := NewHub(cfg, nil)
	s := NewServer(cfg, hub, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/emulator-5554", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	health, err := http.Get(base + "/health")
	require.NoError(t, err)
	_ = health.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server did not stop")
	}

	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, hub.Registry().Count(testKey))
	assert.False(t, hub.Register(newClient(hub, 1024)), "hub refuses clients after shutdown")
}
