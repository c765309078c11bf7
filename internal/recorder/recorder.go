// Package recorder turns live control messages into workflow actions.
package recorder

import (
	"math"
	"sync"
	"time"

	"github.com/codefionn/scrcpyhub/internal/clock"
	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/workflow"
)

// SwipeThreshold is the distance in pixels below which a touch gesture is
// recorded as a tap.
const SwipeThreshold = 10.0

type touchState struct {
	start    time.Time
	position control.Position
	moves    []workflow.IntermediatePoint
}

// Recorder records the control messages of one device. It is safe for
// concurrent use.
type Recorder struct {
	mu        sync.Mutex
	deviceID  string
	clock     clock.Clock
	onState   func(recording bool)
	recording bool
	startedAt time.Time
	size      control.Size
	actions   workflow.Actions
	touch     *touchState
}

// New creates an idle recorder. onState, if set, is called with true on
// Start and false on Stop.
func New(deviceID string, clk clock.Clock, onState func(recording bool)) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	return &Recorder{deviceID: deviceID, clock: clk, onState: onState}
}

// Start begins a new recording, discarding anything recorded before.
func (r *Recorder) Start(width, height int) {
	r.mu.Lock()
	r.recording = true
	r.startedAt = r.clock.Now()
	r.size = control.Size{Width: width, Height: height}
	r.actions = nil
	r.touch = nil
	r.mu.Unlock()

	if r.onState != nil {
		r.onState(true)
	}
}

// Stop ends the recording. It returns nil when nothing was recorded or no
// recording was active.
func (r *Recorder) Stop() *workflow.Workflow {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	r.touch = nil
	actions := r.actions
	r.actions = nil
	size := r.size
	r.mu.Unlock()

	if r.onState != nil {
		r.onState(false)
	}

	if len(actions) == 0 {
		return nil
	}

	now := r.clock.Now()
	return &workflow.Workflow{
		ID:         workflow.NewID(),
		DeviceID:   r.deviceID,
		Name:       workflow.DefaultName(now),
		CreatedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
		ScreenSize: size,
		Actions:    actions,
	}
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// ActionCount returns the number of actions recorded so far.
func (r *Recorder) ActionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

// Record classifies msg into the action log. It is ignored when idle.
func (r *Recorder) Record(msg control.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}

	now := r.clock.Now()
	switch m := msg.(type) {
	case *control.Touch:
		r.recordTouch(m, now)
	case *control.Text:
		r.actions = append(r.actions, &workflow.Text{
			Timestamp: r.offset(now),
			Text:      m.Text,
		})
	case *control.KeyCode:
		if m.Action != control.ActionDown {
			return
		}
		r.actions = append(r.actions, &workflow.KeyCode{
			Timestamp: r.offset(now),
			KeyCode:   m.KeyCode,
			KeyName:   control.KeyName(m.KeyCode),
		})
	case *control.Command:
		// Commands with arguments (scroll, clipboard) cannot be replayed
		// from their type alone.
		if control.IsSessionLocal(m.CommandType) || len(m.Payload) > 0 {
			return
		}
		r.actions = append(r.actions, &workflow.Command{
			Timestamp:   r.offset(now),
			CommandType: m.CommandType,
			CommandName: control.CommandName(m.CommandType),
		})
	}
}

func (r *Recorder) recordTouch(m *control.Touch, now time.Time) {
	if m.PointerID != 0 {
		return
	}

	switch m.Action {
	case control.ActionDown:
		r.touch = &touchState{start: now, position: m.Position}

	case control.ActionMove:
		if r.touch == nil {
			return
		}
		r.touch.moves = append(r.touch.moves, workflow.IntermediatePoint{
			Position:     m.Position,
			RelativeTime: millis(now.Sub(r.touch.start)),
		})

	case control.ActionUp:
		if r.touch == nil {
			return
		}
		touch := r.touch
		r.touch = nil

		duration := millis(now.Sub(touch.start))
		timestamp := r.offset(now) - duration

		if distance(touch.position.Point, m.Position.Point) < SwipeThreshold {
			r.actions = append(r.actions, &workflow.Tap{
				Timestamp: timestamp,
				Position:  touch.position,
				Duration:  duration,
			})
			return
		}
		r.actions = append(r.actions, &workflow.Swipe{
			Timestamp:          timestamp,
			StartPosition:      touch.position,
			EndPosition:        m.Position,
			Duration:           duration,
			IntermediatePoints: touch.moves,
		})
	}
}

func (r *Recorder) offset(now time.Time) workflow.Millis {
	return millis(now.Sub(r.startedAt))
}

func millis(d time.Duration) workflow.Millis {
	return workflow.Millis(d.Milliseconds())
}

func distance(a, b control.Point) float64 {
	dx := float64(b.X - a.X)
	dy := float64(b.Y - a.Y)
	return math.Sqrt(dx*dx + dy*dy)
}
