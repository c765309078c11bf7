// Package player replays recorded workflows against a control sink.
package player

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"github.com/codefionn/scrcpyhub/internal/clock"
	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/workflow"
)

const (
	// SwipeSteps is the number of moves synthesized for a swipe recorded
	// without intermediate points.
	SwipeSteps = 10
	// KeyUpDelay separates the key down and key up of a replayed key.
	KeyUpDelay = 50 * time.Millisecond
	// StopGrace is the pause after the last action completes before the
	// playback ends.
	StopGrace = 500 * time.Millisecond
)

// Feedback describes an action about to be executed.
type Feedback struct {
	Type        workflow.Kind  `json:"type"`
	Index       int            `json:"actionIndex"`
	Total       int            `json:"totalActions"`
	Position    *control.Point `json:"position,omitempty"`
	EndPosition *control.Point `json:"endPosition,omitempty"`
	Text        string         `json:"text,omitempty"`
	KeyName     string         `json:"keyName,omitempty"`
	CommandName string         `json:"commandName,omitempty"`
}

// StateFunc is told when a playback of wf starts and ends. wf is the
// pointer passed to Play.
type StateFunc func(playing bool, wf *workflow.Workflow)

// ActionFunc receives feedback before each action executes.
type ActionFunc func(Feedback)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStateCallback sets the playback state callback.
func WithStateCallback(fn StateFunc) Option {
	return func(s *Scheduler) { s.onState = fn }
}

// WithActionCallback sets the per-action feedback callback.
func WithActionCallback(fn ActionFunc) Option {
	return func(s *Scheduler) { s.onAction = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler plays at most one workflow at a time.
type Scheduler struct {
	mu       sync.Mutex
	sink     control.Sink
	clock    clock.Clock
	log      *logger.Logger
	onState  StateFunc
	onAction ActionFunc
	run      *run
}

// run is one playback. Everything a run sends is queued by offset from
// origin and dispatched by a single timer, so messages due at the same
// offset go out in the order they were queued. Timers of a run that is no
// longer current do nothing.
type run struct {
	workflow *workflow.Workflow
	size     control.Size
	origin   time.Time
	queue    queue
	seq      uint64
	timer    *clock.Timer
	// dispatching is set while a dispatch loop drains the queue.
	dispatching bool
}

// step is one queued unit of a run: an action, a follow-up message of an
// action, or the end of the run.
type step struct {
	at    time.Duration
	seq   uint64
	index int    // action index, or -1
	send  func() // follow-up message
	end   bool
}

// queue is a min-heap of steps ordered by (at, seq).
type queue []*step

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].at == q[j].at {
		return q[i].seq < q[j].seq
	}
	return q[i].at < q[j].at
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(*step)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// New creates an idle scheduler sending to sink.
func New(sink control.Sink, clk clock.Clock, opts ...Option) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Scheduler{sink: sink, clock: clk}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().WithPrefix("player")
	}
	return s
}

// Play stops any current playback and starts wf, scaling positions to
// current. Every action fires at its timestamp after the call.
func (s *Scheduler) Play(wf *workflow.Workflow, current control.Size) {
	r := &run{workflow: wf, size: current}

	s.mu.Lock()
	prev := s.run
	if prev != nil {
		prev.cancel()
	}
	s.run = r
	s.mu.Unlock()

	if prev != nil {
		s.notifyState(false, prev.workflow)
	}
	s.log.Info("playing %s (%d actions) on %dx%d", wf.ID, len(wf.Actions), current.Width, current.Height)
	s.notifyState(true, wf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != r {
		return
	}

	r.origin = s.clock.Now()
	var end time.Duration
	for i, action := range wf.Actions {
		at := millis(action.At())
		if done := at + completion(action); done > end {
			end = done
		}
		r.push(&step{at: at, index: i})
	}
	r.push(&step{at: end + StopGrace, index: -1, end: true})
	s.arm(r, r.queue[0].at)
}

// Stop cancels the current playback. No message of it is sent after Stop
// returns. Stopping an idle scheduler does nothing and, unlike stopping a
// running one, does not call the state callback.
func (s *Scheduler) Stop() {
	s.finish(nil)
}

// Active reports whether a workflow is playing.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Current returns the playing workflow, or nil.
func (s *Scheduler) Current() *workflow.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.workflow
}

// finish ends r, or whatever is playing when r is nil.
func (s *Scheduler) finish(r *run) {
	s.mu.Lock()
	current := s.run
	if current == nil || (r != nil && current != r) {
		s.mu.Unlock()
		return
	}
	current.cancel()
	s.run = nil
	s.mu.Unlock()

	s.log.Info("playback of %s ended", current.workflow.ID)
	s.notifyState(false, current.workflow)
}

func (r *run) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.queue = nil
}

func (r *run) push(st *step) {
	r.seq++
	st.seq = r.seq
	heap.Push(&r.queue, st)
}

// arm replaces the pending timer of r with one firing after d. Callers
// hold s.mu.
func (s *Scheduler) arm(r *run, d time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = s.clock.AfterFunc(d, func() { s.dispatch(r) })
}

// after queues fn to run d after the step at. Callers hold s.mu and are
// inside dispatch, which picks the new step up.
func (s *Scheduler) after(r *run, at, d time.Duration, fn func()) {
	r.push(&step{at: at + d, index: -1, send: fn})
}

// dispatch runs every due step of r in (offset, queue order) and arms the
// timer for the next one. At most one dispatch loop runs per run.
func (s *Scheduler) dispatch(r *run) {
	s.mu.Lock()
	if s.run != r || r.dispatching {
		s.mu.Unlock()
		return
	}
	r.dispatching = true

	for {
		if s.run != r {
			s.mu.Unlock()
			return
		}
		if len(r.queue) == 0 {
			r.dispatching = false
			s.mu.Unlock()
			return
		}

		elapsed := s.clock.Now().Sub(r.origin)
		next := r.queue[0]
		if next.at > elapsed {
			r.dispatching = false
			s.arm(r, next.at-elapsed)
			s.mu.Unlock()
			return
		}
		heap.Pop(&r.queue)

		switch {
		case next.end:
			s.mu.Unlock()
			s.finish(r)
			return

		case next.index >= 0:
			action := r.workflow.Actions[next.index]
			fb := r.feedback(action, next.index)
			s.mu.Unlock()

			if s.onAction != nil {
				s.onAction(fb)
			}

			s.mu.Lock()
			if s.run != r {
				s.mu.Unlock()
				return
			}
			s.execute(r, next.at, action)

		default:
			next.send()
		}
	}
}

// execute sends the messages of action fired at offset at and queues its
// follow-ups. Callers hold s.mu.
func (s *Scheduler) execute(r *run, at time.Duration, action workflow.Action) {
	switch a := action.(type) {
	case *workflow.Tap:
		pos := r.scale(a.Position)
		s.send(control.NewTouch(control.ActionDown, pos))
		s.after(r, at, millis(a.Duration), func() {
			s.send(control.NewTouch(control.ActionUp, pos))
		})

	case *workflow.Swipe:
		start := r.scale(a.StartPosition)
		end := r.scale(a.EndPosition)
		s.send(control.NewTouch(control.ActionDown, start))

		if len(a.IntermediatePoints) > 0 {
			for _, p := range a.IntermediatePoints {
				pos := r.scale(p.Position)
				s.after(r, at, millis(p.RelativeTime), func() {
					s.send(control.NewTouch(control.ActionMove, pos))
				})
			}
		} else {
			duration := millis(a.Duration)
			for i := 1; i <= SwipeSteps; i++ {
				pos := interpolate(start, end, float64(i)/SwipeSteps)
				s.after(r, at, duration*time.Duration(i)/SwipeSteps, func() {
					s.send(control.NewTouch(control.ActionMove, pos))
				})
			}
		}

		// Queued after the moves, so a move due at the same offset still
		// goes out first.
		s.after(r, at, completion(a), func() {
			s.send(control.NewTouch(control.ActionUp, end))
		})

	case *workflow.Text:
		s.send(&control.Text{Text: a.Text})

	case *workflow.KeyCode:
		s.send(&control.KeyCode{Action: control.ActionDown, KeyCode: a.KeyCode})
		s.after(r, at, KeyUpDelay, func() {
			s.send(&control.KeyCode{Action: control.ActionUp, KeyCode: a.KeyCode})
		})

	case *workflow.Command:
		s.send(&control.Command{CommandType: a.CommandType})
	}
}

// send delivers msg with s.mu held, which is what lets Stop promise that
// nothing follows it. Sinks must not block.
func (s *Scheduler) send(msg control.Message) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Send(msg); err != nil {
		s.log.Warn("failed to send %T: %v", msg, err)
	}
}

func (s *Scheduler) notifyState(playing bool, wf *workflow.Workflow) {
	if s.onState != nil {
		s.onState(playing, wf)
	}
}

func (r *run) feedback(action workflow.Action, index int) Feedback {
	fb := Feedback{
		Type:  action.Kind(),
		Index: index,
		Total: len(r.workflow.Actions),
	}

	switch a := action.(type) {
	case *workflow.Tap:
		p := r.scale(a.Position).Point
		fb.Position = &p
	case *workflow.Swipe:
		start := r.scale(a.StartPosition).Point
		end := r.scale(a.EndPosition).Point
		fb.Position = &start
		fb.EndPosition = &end
	case *workflow.Text:
		fb.Text = a.Text
	case *workflow.KeyCode:
		fb.KeyName = a.KeyName
		if fb.KeyName == "" {
			fb.KeyName = control.KeyName(a.KeyCode)
		}
	case *workflow.Command:
		fb.CommandName = a.CommandName
		if fb.CommandName == "" {
			fb.CommandName = control.CommandName(a.CommandType)
		}
	}
	return fb
}

// scale maps a recorded position onto the playback screen. The position's
// own screen size wins over the workflow's.
func (r *run) scale(pos control.Position) control.Position {
	original := pos.ScreenSize
	if original.IsZero() {
		original = r.workflow.ScreenSize
	}
	if original.IsZero() || r.size.IsZero() {
		return pos
	}

	scaleX := float64(r.size.Width) / float64(original.Width)
	scaleY := float64(r.size.Height) / float64(original.Height)
	return control.Position{
		Point: control.Point{
			X: int(math.Round(float64(pos.Point.X) * scaleX)),
			Y: int(math.Round(float64(pos.Point.Y) * scaleY)),
		},
		ScreenSize: r.size,
	}
}

func interpolate(start, end control.Position, t float64) control.Position {
	return control.Position{
		Point: control.Point{
			X: int(math.Round(float64(start.Point.X) + float64(end.Point.X-start.Point.X)*t)),
			Y: int(math.Round(float64(start.Point.Y) + float64(end.Point.Y-start.Point.Y)*t)),
		},
		ScreenSize: end.ScreenSize,
	}
}

// completion is how long an action keeps sending after it fires.
func completion(action workflow.Action) time.Duration {
	switch a := action.(type) {
	case *workflow.Tap:
		return millis(a.Duration)
	case *workflow.Swipe:
		d := millis(a.Duration)
		for _, p := range a.IntermediatePoints {
			if rt := millis(p.RelativeTime); rt > d {
				d = rt
			}
		}
		return d
	case *workflow.KeyCode:
		return KeyUpDelay
	default:
		return 0
	}
}

func millis(m workflow.Millis) time.Duration {
	return time.Duration(m) * time.Millisecond
}
