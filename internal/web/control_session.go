package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/event"
	"github.com/codefionn/scrcpyhub/internal/lock"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/player"
	"github.com/codefionn/scrcpyhub/internal/recorder"
	"github.com/codefionn/scrcpyhub/internal/session"
	"github.com/codefionn/scrcpyhub/internal/surface"
	"github.com/codefionn/scrcpyhub/internal/workflow"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Time allowed for a workflow store call made from the control channel.
const storeTimeout = 5 * time.Second

// Upstream is the device side of a connection. *device.Link implements it.
type Upstream interface {
	control.Sink
	Forward(device.Frame) error
}

// SendFunc queues an outbound JSON message. It must not block.
type SendFunc func(msg any)

// ControlSession coordinates one connection to a device display: its
// session entry, its view of the lock and the lock requests it makes.
type ControlSession struct {
	hub      *Hub
	key      surface.Key
	clientID string
	viewer   surface.Viewer
	send     SendFunc
	upstream Upstream
	limiter  *rate.Limiter
	recorder *recorder.Recorder
	player   *player.Scheduler
	log      *logger.Logger

	// lifecycle serializes Register and Release.
	lifecycle  sync.Mutex
	registered bool
	released   bool
	countSub   *event.Subscription
	lockSub    *event.Subscription

	mu      sync.Mutex
	playing *workflow.Workflow
}

// NewControlSession creates the session of a new connection to key. A nil
// viewer is anonymous and a nil upstream drops all control input.
func NewControlSession(hub *Hub, key surface.Key, viewer *surface.Viewer, send SendFunc, upstream Upstream) *ControlSession {
	clientID := session.GenerateClientID()
	v := surface.Anonymous(clientID)
	if viewer != nil {
		v = *viewer
	}

	cs := &ControlSession{
		hub:      hub,
		key:      key,
		clientID: clientID,
		viewer:   v,
		send:     send,
		upstream: upstream,
		limiter:  rate.NewLimiter(rate.Limit(hub.lockCfg.RequestsPerSecond), hub.lockCfg.RequestBurst),
		recorder: recorder.New(key.DeviceID, hub.clock, nil),
		log:      hub.log.WithPrefix(key.String()),
	}

	var sink control.Sink
	if upstream != nil {
		sink = upstream
	}
	cs.player = player.New(sink, hub.clock,
		player.WithStateCallback(cs.onPlayState),
		player.WithActionCallback(cs.onPlayAction),
		player.WithLogger(cs.log.WithPrefix("player")),
	)
	return cs
}

// ClientID returns the id of the connection.
func (cs *ControlSession) ClientID() string { return cs.clientID }

// Key returns the display the connection is attached to.
func (cs *ControlSession) Key() surface.Key { return cs.key }

// Register adds the connection to the registry, takes the lock if the
// display is free and sends the current session count and lock state.
func (cs *ControlSession) Register() {
	cs.lifecycle.Lock()
	defer cs.lifecycle.Unlock()
	if cs.registered || cs.released {
		return
	}
	cs.registered = true

	cs.hub.registry.Add(cs.key, cs.clientID, &cs.viewer)
	cs.countSub = cs.hub.registry.Watch(cs.key, cs.onCountChanged)

	if cs.hub.arbiter.AcquireUser(cs.key, cs.clientID, cs.viewer.DisplayName) {
		cs.log.Info("%s (%s) took control", cs.clientID, cs.viewer.DisplayName)
	}
	cs.lockSub = cs.hub.arbiter.Watch(cs.key, cs.onLockChanged)
}

// Release gives up everything the connection holds. Safe to call more
// than once and from several goroutines.
func (cs *ControlSession) Release() {
	cs.lifecycle.Lock()
	defer cs.lifecycle.Unlock()
	if cs.released {
		return
	}
	cs.released = true
	if !cs.registered {
		return
	}

	cs.recorder.Stop()
	cs.player.Stop()
	cs.releasePlaying()

	cs.hub.arbiter.ReleaseOwned(cs.key, cs.clientID)
	cs.countSub.Unsubscribe()
	cs.lockSub.Unsubscribe()
	cs.hub.registry.Remove(cs.key, cs.clientID)
	cs.log.Debug("%s released", cs.clientID)
}

func (cs *ControlSession) onCountChanged(ev session.CountChanged) {
	cs.send(newSessionCount(ev.Key, ev.Count, ev.Viewers))
}

func (cs *ControlSession) onLockChanged(ev lock.Changed) {
	cs.send(newLockState(ev.Key, ev.Lock, cs.clientID))
}

// HandleText dispatches an inbound text message. Anything that is not a
// known request, malformed JSON included, goes to the device unchanged.
func (cs *ControlSession) HandleText(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		cs.passthrough(data)
		return
	}

	switch env.Type {
	case MessageTypeLockRequest:
		cs.handleLockRequest(data)
	case MessageTypeRecordStart:
		cs.handleRecordStart(data)
	case MessageTypeRecordStop:
		cs.handleRecordStop(data)
	case MessageTypePlayWorkflow:
		cs.handlePlayWorkflow(data)
	case MessageTypeStopWorkflow:
		cs.player.Stop()
		cs.releasePlaying()
	default:
		cs.passthrough(data)
	}
}

// HandleBinary handles an inbound control message. It reaches the device
// only when the connection may control the display.
func (cs *ControlSession) HandleBinary(data []byte) {
	if !cs.mayControl() {
		cs.log.Debug("dropping control message from %s, lock held by someone else", cs.clientID)
		return
	}

	if cs.recorder.Active() {
		msg, err := control.Decode(data)
		if err != nil {
			cs.log.Debug("not recording undecodable control message: %v", err)
		} else {
			cs.recorder.Record(msg)
		}
	}

	cs.forward(device.Frame{MessageType: websocket.BinaryMessage, Data: data})
}

func (cs *ControlSession) mayControl() bool {
	return !cs.hub.lockCfg.EnforceLock || cs.hub.arbiter.IsLockHolder(cs.key, cs.clientID)
}

func (cs *ControlSession) passthrough(data []byte) {
	cs.forward(device.Frame{MessageType: websocket.TextMessage, Data: data})
}

func (cs *ControlSession) forward(f device.Frame) {
	if cs.upstream == nil {
		return
	}
	if err := cs.upstream.Forward(f); err != nil && !errors.Is(err, device.ErrClosed) {
		cs.log.Warn("failed to forward to device: %v", err)
	}
}

func (cs *ControlSession) handleLockRequest(data []byte) {
	req, err := ParseLockRequest(data)
	if err != nil {
		cs.log.Warn("ignoring lock request from %s: %v", cs.clientID, err)
		return
	}
	if !cs.limiter.Allow() {
		cs.log.Warn("dropping lock request from %s: rate limited", cs.clientID)
		return
	}

	arbiter := cs.hub.arbiter
	var ok bool
	switch req.Action {
	case LockActionAcquire:
		if req.LockType == lock.TypeWorkflow {
			name := req.WorkflowName
			if name == "" {
				name = req.WorkflowID
			}
			ok = arbiter.AcquireWorkflow(cs.key, req.WorkflowID, name, cs.clientID)
		} else {
			ok = arbiter.AcquireUser(cs.key, cs.clientID, cs.viewer.DisplayName)
		}
	case LockActionRelease:
		if req.LockType == lock.TypeWorkflow {
			ok = arbiter.ReleaseWorkflow(cs.key, req.WorkflowID, cs.clientID)
		} else {
			ok = arbiter.Release(cs.key, cs.clientID)
		}
	case LockActionForceUnlock:
		ok = arbiter.ForceUnlock(cs.key, cs.clientID, cs.viewer.DisplayName)
	case LockActionEmergencyUnlock:
		ok = arbiter.EmergencyUnlock(cs.key)
	}

	cs.log.Debug("%s %s %s lock: %t", cs.clientID, req.Action, req.LockType, ok)
}

func (cs *ControlSession) handleRecordStart(data []byte) {
	var req RecordStartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		cs.send(newError(MessageTypeRecordStart, err))
		return
	}
	cs.recorder.Start(req.Width, req.Height)
	cs.log.Info("%s started recording", cs.clientID)
	cs.send(&RecordStateMessage{Type: MessageTypeRecordState, Recording: true})
}

func (cs *ControlSession) handleRecordStop(data []byte) {
	var req RecordStopRequest
	if err := json.Unmarshal(data, &req); err != nil {
		cs.send(newError(MessageTypeRecordStop, err))
		return
	}

	wf := cs.recorder.Stop()
	if wf == nil {
		cs.send(&RecordStateMessage{Type: MessageTypeRecordState})
		return
	}
	if req.Name != "" {
		wf.Name = req.Name
	}
	wf.Description = req.Description

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := cs.hub.store.Save(ctx, wf); err != nil {
		cs.log.Error("failed to save recording: %v", err)
		cs.send(newError(MessageTypeRecordStop, err))
		return
	}

	cs.log.Info("%s recorded %s with %d actions", cs.clientID, wf.ID, len(wf.Actions))
	cs.send(&RecordStateMessage{Type: MessageTypeRecordState, Workflow: wf})
}

func (cs *ControlSession) handlePlayWorkflow(data []byte) {
	var req PlayWorkflowRequest
	if err := json.Unmarshal(data, &req); err != nil {
		cs.send(newError(MessageTypePlayWorkflow, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	wf, err := cs.hub.store.GetByID(ctx, req.WorkflowID, cs.key.DeviceID)
	if err != nil {
		cs.send(newError(MessageTypePlayWorkflow, err))
		return
	}

	cs.player.Stop()
	cs.releasePlaying()

	if !cs.hub.arbiter.AcquireWorkflow(cs.key, wf.ID, wf.Name, cs.clientID) {
		cs.send(newError(MessageTypePlayWorkflow, fmt.Errorf("display %s is locked by a running workflow", cs.key)))
		return
	}

	cs.mu.Lock()
	cs.playing = wf
	cs.mu.Unlock()

	size := wf.ScreenSize
	if req.Width > 0 && req.Height > 0 {
		size.Width, size.Height = req.Width, req.Height
	}
	cs.player.Play(wf, size)
}

// releasePlaying drops the workflow lock of the server side playback, if
// one is still held.
func (cs *ControlSession) releasePlaying() {
	cs.mu.Lock()
	wf := cs.playing
	cs.playing = nil
	cs.mu.Unlock()

	if wf != nil {
		cs.hub.arbiter.ReleaseWorkflow(cs.key, wf.ID, cs.clientID)
	}
}

func (cs *ControlSession) onPlayState(playing bool, wf *workflow.Workflow) {
	if !playing {
		cs.mu.Lock()
		mine := cs.playing == wf
		if mine {
			cs.playing = nil
		}
		cs.mu.Unlock()

		// A late end of an earlier run must not free the lock of the
		// current one.
		if mine {
			cs.hub.arbiter.ReleaseWorkflow(cs.key, wf.ID, cs.clientID)
		}
	}

	cs.send(&WorkflowStateMessage{
		Type:       MessageTypeWorkflowState,
		Playing:    playing,
		WorkflowID: wf.ID,
		Name:       wf.Name,
	})
}

func (cs *ControlSession) onPlayAction(fb player.Feedback) {
	msg := &WorkflowActionMessage{Type: MessageTypeWorkflowAction, Action: fb}
	if wf := cs.player.Current(); wf != nil {
		msg.WorkflowID = wf.ID
	}
	cs.send(msg)
}
