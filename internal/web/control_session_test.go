package web

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/scrcpyhub/internal/clock"
	"github.com/codefionn/scrcpyhub/internal/config"
	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/lock"
	"github.com/codefionn/scrcpyhub/internal/surface"
	"github.com/codefionn/scrcpyhub/internal/workflow"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey    = surface.Key{DeviceID: "emulator-5554", DisplayID: 0}
	testScreen = control.Size{Width: 1080, Height: 1920}
)

type outbox struct {
	mu   sync.Mutex
	msgs []any
}

func (o *outbox) send(msg any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *outbox) all() []any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]any(nil), o.msgs...)
}

func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = nil
}

func messagesOf[T any](o *outbox) []T {
	var out []T
	for _, m := range o.all() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func lastLockState(t *testing.T, o *outbox) *LockStateMessage {
	t.Helper()
	states := messagesOf[*LockStateMessage](o)
	require.NotEmpty(t, states)
	return states[len(states)-1]
}

type fakeUpstream struct {
	mu     sync.Mutex
	frames []device.Frame
	msgs   []control.Message
}

func (u *fakeUpstream) Send(msg control.Message) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.msgs = append(u.msgs, msg)
	return nil
}

func (u *fakeUpstream) Forward(f device.Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frames = append(u.frames, f)
	return nil
}

func (u *fakeUpstream) sent() []control.Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]control.Message(nil), u.msgs...)
}

func (u *fakeUpstream) forwarded() []device.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]device.Frame(nil), u.frames...)
}

type testConn struct {
	cs       *ControlSession
	out      *outbox
	upstream *fakeUpstream
}

func newTestHub(t *testing.T, mutate func(*config.Config)) (*Hub, *clock.FakeClock) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewHub(cfg, workflow.NewMemoryStore(), WithClock(clk)), clk
}

func connect(hub *Hub, name string) *testConn {
	tc := &testConn{out: &outbox{}, upstream: &fakeUpstream{}}
	var viewer *surface.Viewer
	if name != "" {
		viewer = &surface.Viewer{ID: "user-" + name, DisplayName: name}
	}
	tc.cs = NewControlSession(hub, testKey, viewer, tc.out.send, tc.upstream)
	tc.cs.Register()
	return tc
}

func (tc *testConn) text(s string) {
	tc.cs.HandleText([]byte(s))
}

func encode(t *testing.T, msg control.Message) []byte {
	t.Helper()
	data, err := control.Encode(msg)
	require.NoError(t, err)
	return data
}

func TestRegisterSendsCountThenLockAndFirstConnectWins(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	alice := connect(hub, "Alice")
	msgs := alice.out.all()
	require.Len(t, msgs, 2)

	count, ok := msgs[0].(*SessionCountMessage)
	require.True(t, ok, "session count comes first")
	assert.Equal(t, MessageTypeSessionCount, count.Type)
	assert.Equal(t, "emulator-5554", count.UDID)
	assert.Equal(t, 1, count.Count)

	state, ok := msgs[1].(*LockStateMessage)
	require.True(t, ok)
	require.NotNil(t, state.Lock)
	assert.Equal(t, lock.TypeUser, state.Lock.Type)
	assert.Equal(t, alice.cs.ClientID(), state.Lock.HolderID)
	assert.Equal(t, "Alice", state.Lock.HolderName)
	assert.True(t, state.IsLockHolder)

	bob := connect(hub, "Bob")
	bobState := lastLockState(t, bob.out)
	assert.Equal(t, alice.cs.ClientID(), bobState.Lock.HolderID)
	assert.False(t, bobState.IsLockHolder)

	counts := messagesOf[*SessionCountMessage](alice.out)
	require.Len(t, counts, 2)
	assert.Equal(t, 2, counts[1].Count)
	assert.Equal(t, []string{"Alice", "Bob"}, []string{counts[1].Viewers[0].DisplayName, counts[1].Viewers[1].DisplayName})
}

func TestAnonymousViewer(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	anon := connect(hub, "")

	count := messagesOf[*SessionCountMessage](anon.out)[0]
	require.Len(t, count.Viewers, 1)
	assert.Equal(t, surface.AnonymousName, count.Viewers[0].DisplayName)
	assert.Equal(t, anon.cs.ClientID(), count.Viewers[0].ID)
	assert.Equal(t, surface.AnonymousName, lastLockState(t, anon.out).Lock.HolderName)
}

func TestUserLockRequests(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	bob := connect(hub, "Bob")

	bob.text(`{"type":"lockRequest","action":"acquire"}`)
	assert.Equal(t, alice.cs.ClientID(), hub.Arbiter().Lock(testKey).HolderID, "acquire fails while locked")

	bob.text(`{"type":"lockRequest","action":"release"}`)
	assert.NotNil(t, hub.Arbiter().Lock(testKey), "only the holder releases")

	bob.text(`{"type":"lockRequest","action":"forceUnlock"}`)
	assert.True(t, lastLockState(t, bob.out).IsLockHolder)
	assert.Equal(t, "Bob", lastLockState(t, alice.out).Lock.HolderName)
	assert.False(t, lastLockState(t, alice.out).IsLockHolder)

	bob.text(`{"type":"lockRequest","action":"release","lockType":"user"}`)
	assert.Nil(t, lastLockState(t, alice.out).Lock)

	alice.text(`{"type":"lockRequest","action":"acquire","lockType":"user"}`)
	assert.True(t, lastLockState(t, alice.out).IsLockHolder)
}

func TestWorkflowLockRequests(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	bob := connect(hub, "Bob")

	alice.text(`{"type":"lockRequest","action":"acquire","lockType":"workflow","workflowId":"wf_1","workflowName":"Login"}`)
	info := hub.Arbiter().Lock(testKey)
	require.NotNil(t, info)
	assert.Equal(t, lock.TypeWorkflow, info.Type)
	assert.Equal(t, "wf_1", info.HolderID)
	assert.Equal(t, "Login", info.HolderName)
	assert.Equal(t, alice.cs.ClientID(), info.OwnerClientID)
	assert.True(t, lastLockState(t, alice.out).IsLockHolder)
	assert.False(t, lastLockState(t, bob.out).IsLockHolder)

	bob.text(`{"type":"lockRequest","action":"forceUnlock"}`)
	bob.text(`{"type":"lockRequest","action":"release","lockType":"workflow","workflowId":"wf_1"}`)
	bob.text(`{"type":"lockRequest","action":"acquire","lockType":"workflow","workflowId":"wf_2"}`)
	assert.Equal(t, "wf_1", hub.Arbiter().Lock(testKey).HolderID)

	alice.text(`{"type":"lockRequest","action":"release","lockType":"workflow","workflowId":"wf_1"}`)
	assert.Nil(t, hub.Arbiter().Lock(testKey))

	bob.text(`{"type":"lockRequest","action":"acquire","lockType":"workflow","workflowId":"wf_2"}`)
	assert.Equal(t, "wf_2", hub.Arbiter().Lock(testKey).HolderName, "name falls back to the id")

	alice.text(`{"type":"lockRequest","action":"emergencyUnlock"}`)
	assert.Nil(t, hub.Arbiter().Lock(testKey))
	assert.Nil(t, lastLockState(t, bob.out).Lock)
}

func TestInvalidLockRequestsAreIgnored(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	alice.out.reset()

	alice.text(`{"type":"lockRequest","action":"steal"}`)
	alice.text(`{"type":"lockRequest","action":"release","lockType":"admin"}`)
	alice.text(`{"type":"lockRequest","action":"acquire","lockType":"workflow"}`)

	assert.Empty(t, alice.out.all())
	assert.True(t, hub.Arbiter().IsLockHolder(testKey, alice.cs.ClientID()))
	assert.Empty(t, alice.upstream.forwarded(), "lock requests never reach the device")
}

func TestOtherTextIsPassedThrough(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")

	alice.text(`{not json`)
	alice.text(`{"type":"changeStreamParameters"}`)

	frames := alice.upstream.forwarded()
	require.Len(t, frames, 2)
	assert.Equal(t, websocket.TextMessage, frames[0].MessageType)
	assert.Equal(t, []byte(`{not json`), frames[0].Data)
	assert.Equal(t, []byte(`{"type":"changeStreamParameters"}`), frames[1].Data)
}

func TestBinaryInputNeedsLock(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	bob := connect(hub, "Bob")
	msg := encode(t, &control.Text{Text: "hi"})

	alice.cs.HandleBinary(msg)
	bob.cs.HandleBinary(msg)

	require.Len(t, alice.upstream.forwarded(), 1)
	assert.Equal(t, websocket.BinaryMessage, alice.upstream.forwarded()[0].MessageType)
	assert.Equal(t, msg, alice.upstream.forwarded()[0].Data)
	assert.Empty(t, bob.upstream.forwarded())
}

func TestBinaryInputWithoutEnforcement(t *testing.T) {
	hub, _ := newTestHub(t, func(c *config.Config) { c.Lock.EnforceLock = false })
	connect(hub, "Alice")
	bob := connect(hub, "Bob")

	bob.cs.HandleBinary(encode(t, &control.Text{Text: "hi"}))
	assert.Len(t, bob.upstream.forwarded(), 1)
}

func TestLockRequestsAreRateLimited(t *testing.T) {
	hub, _ := newTestHub(t, func(c *config.Config) {
		c.Lock.RequestsPerSecond = 0.001
		c.Lock.RequestBurst = 2
	})
	alice := connect(hub, "Alice")

	alice.text(`{"type":"lockRequest","action":"release"}`)
	alice.text(`{"type":"lockRequest","action":"acquire"}`)
	alice.text(`{"type":"lockRequest","action":"release"}`)

	assert.True(t, hub.Arbiter().IsLockHolder(testKey, alice.cs.ClientID()), "third request is dropped")
}

func TestReleaseIsIdempotent(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	bob := connect(hub, "Bob")
	bob.out.reset()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alice.cs.Release()
		}()
	}
	wg.Wait()
	alice.cs.Release()

	assert.Equal(t, 1, hub.Registry().Count(testKey))
	assert.Nil(t, hub.Arbiter().Lock(testKey))

	counts := messagesOf[*SessionCountMessage](bob.out)
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Count)
	require.Len(t, messagesOf[*LockStateMessage](bob.out), 1)

	alice.out.reset()
	bob.text(`{"type":"lockRequest","action":"acquire"}`)
	assert.Empty(t, alice.out.all(), "released sessions get no events")
}

func TestReleaseFreesOwnedWorkflowLock(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	connect(hub, "Bob")

	alice.text(`{"type":"lockRequest","action":"acquire","lockType":"workflow","workflowId":"wf_1"}`)
	alice.cs.Release()

	assert.Nil(t, hub.Arbiter().Lock(testKey))
}

func TestReleaseBeforeRegister(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	out := &outbox{}
	cs := NewControlSession(hub, testKey, nil, out.send, nil)

	cs.Release()
	cs.Register()

	assert.Equal(t, 0, hub.Registry().Count(testKey))
	assert.Empty(t, out.all())
}

func TestRecordThenPlay(t *testing.T) {
	hub, clk := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	bob := connect(hub, "Bob")
	at := control.Position{Point: control.Point{X: 100, Y: 200}, ScreenSize: testScreen}

	alice.text(`{"type":"recordStart","width":1080,"height":1920}`)
	recording := messagesOf[*RecordStateMessage](alice.out)
	require.Len(t, recording, 1)
	assert.True(t, recording[0].Recording)

	alice.cs.HandleBinary(encode(t, control.NewTouch(control.ActionDown, at)))
	clk.Advance(60 * time.Millisecond)
	alice.cs.HandleBinary(encode(t, control.NewTouch(control.ActionUp, at)))
	bob.cs.HandleBinary(encode(t, &control.Text{Text: "ignored"}))

	alice.text(`{"type":"recordStop","name":"Tap"}`)
	stopped := messagesOf[*RecordStateMessage](alice.out)
	require.Len(t, stopped, 2)
	assert.False(t, stopped[1].Recording)
	require.NotNil(t, stopped[1].Workflow)
	require.Len(t, stopped[1].Workflow.Actions, 1)

	wf, err := hub.Store().GetByID(context.Background(), stopped[1].Workflow.ID, testKey.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, "Tap", wf.Name)
	tap, ok := wf.Actions[0].(*workflow.Tap)
	require.True(t, ok)
	assert.Equal(t, workflow.Millis(60), tap.Duration)

	alice.upstream.mu.Lock()
	alice.upstream.msgs = nil
	alice.upstream.mu.Unlock()

	alice.text(`{"type":"playWorkflow","workflowId":"` + wf.ID + `","width":540,"height":960}`)
	info := hub.Arbiter().Lock(testKey)
	require.NotNil(t, info)
	assert.Equal(t, lock.TypeWorkflow, info.Type)
	assert.Equal(t, wf.ID, info.HolderID)
	assert.False(t, lastLockState(t, bob.out).IsLockHolder)

	clk.Advance(time.Second)

	sent := alice.upstream.sent()
	require.Len(t, sent, 2)
	down := sent[0].(*control.Touch)
	assert.Equal(t, control.ActionDown, down.Action)
	assert.Equal(t, control.Point{X: 50, Y: 100}, down.Position.Point)
	assert.Equal(t, control.ActionUp, sent[1].(*control.Touch).Action)

	actions := messagesOf[*WorkflowActionMessage](alice.out)
	require.Len(t, actions, 1)
	assert.Equal(t, wf.ID, actions[0].WorkflowID)
	assert.Equal(t, workflow.KindTap, actions[0].Action.Type)

	states := messagesOf[*WorkflowStateMessage](alice.out)
	require.Len(t, states, 2)
	assert.True(t, states[0].Playing)
	assert.False(t, states[1].Playing)
	assert.Nil(t, hub.Arbiter().Lock(testKey), "workflow lock is released when playback ends")
}

func savedWorkflow(t *testing.T, hub *Hub) *workflow.Workflow {
	t.Helper()
	wf := &workflow.Workflow{
		ID:         "wf_long",
		DeviceID:   testKey.DeviceID,
		Name:       "Long",
		ScreenSize: testScreen,
		Actions: workflow.Actions{
			&workflow.Text{Timestamp: 0, Text: "a"},
			&workflow.Text{Timestamp: 5000, Text: "b"},
		},
	}
	require.NoError(t, hub.Store().Save(context.Background(), wf))
	return wf
}

func TestStopWorkflowReleasesLock(t *testing.T) {
	hub, clk := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	wf := savedWorkflow(t, hub)

	alice.text(`{"type":"playWorkflow","workflowId":"wf_long"}`)
	clk.Advance(time.Second)
	require.Equal(t, wf.ID, hub.Arbiter().Lock(testKey).HolderID)

	alice.text(`{"type":"stopWorkflow"}`)
	assert.Nil(t, hub.Arbiter().Lock(testKey))

	clk.Advance(10 * time.Second)
	require.Len(t, alice.upstream.sent(), 1, "nothing is sent after stop")
	states := messagesOf[*WorkflowStateMessage](alice.out)
	require.Len(t, states, 2)
	assert.False(t, states[1].Playing)
}

func TestPlayWorkflowRefusedWhileAnotherRuns(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	bob := connect(hub, "Bob")
	savedWorkflow(t, hub)

	alice.text(`{"type":"playWorkflow","workflowId":"wf_long"}`)
	bob.text(`{"type":"playWorkflow","workflowId":"wf_long"}`)

	errs := messagesOf[*ErrorMessage](bob.out)
	require.Len(t, errs, 1)
	assert.Equal(t, MessageTypePlayWorkflow, errs[0].Request)
	assert.Equal(t, alice.cs.ClientID(), hub.Arbiter().Lock(testKey).OwnerClientID)

	bob.text(`{"type":"playWorkflow","workflowId":"missing"}`)
	assert.Len(t, messagesOf[*ErrorMessage](bob.out), 2)
}

func TestReleaseStopsPlayback(t *testing.T) {
	hub, clk := newTestHub(t, nil)
	alice := connect(hub, "Alice")
	bob := connect(hub, "Bob")
	savedWorkflow(t, hub)

	alice.text(`{"type":"playWorkflow","workflowId":"wf_long"}`)
	clk.Advance(time.Second)
	alice.cs.Release()

	assert.Nil(t, hub.Arbiter().Lock(testKey))
	assert.Nil(t, lastLockState(t, bob.out).Lock)
	clk.Advance(10 * time.Second)
	assert.Len(t, alice.upstream.sent(), 1)
}
