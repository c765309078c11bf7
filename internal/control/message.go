// Package control models the control messages sent to a device: touch,
// text, key and command events.
package control

import "fmt"

// MessageType is the wire type byte of a control message.
type MessageType uint8

const (
	TypeInjectKeycode          MessageType = 0
	TypeInjectText             MessageType = 1
	TypeInjectTouch            MessageType = 2
	TypeInjectScroll           MessageType = 3
	TypeBackOrScreenOn         MessageType = 4
	TypeExpandNotifications    MessageType = 5
	TypeExpandSettings         MessageType = 6
	TypeCollapsePanels         MessageType = 7
	TypeGetClipboard           MessageType = 8
	TypeSetClipboard           MessageType = 9
	TypeSetScreenPowerMode     MessageType = 10
	TypeRotateDevice           MessageType = 11
	TypeChangeStreamParameters MessageType = 101
	TypePushFile               MessageType = 102
)

// Action is the motion or key action of touch and keycode messages.
type Action uint8

const (
	ActionDown Action = 0
	ActionUp   Action = 1
	ActionMove Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionDown:
		return "down"
	case ActionUp:
		return "up"
	case ActionMove:
		return "move"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ButtonPrimary is the primary mouse button bit.
const ButtonPrimary uint32 = 1

// Point is a pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Size is a screen size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether either dimension is unset.
func (s Size) IsZero() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Position is a point together with the screen size it refers to.
type Position struct {
	Point      Point `json:"point"`
	ScreenSize Size  `json:"screenSize"`
}

// Message is one control message. Implemented by *Touch, *Text, *KeyCode
// and *Command.
type Message interface {
	Type() MessageType
}

// Touch injects a pointer event.
type Touch struct {
	Action    Action
	PointerID uint64
	Position  Position
	// Pressure in [0, 1].
	Pressure float64
	Buttons  uint32
}

// Type implements Message.
func (*Touch) Type() MessageType { return TypeInjectTouch }

// Text injects a string.
type Text struct {
	Text string
}

// Type implements Message.
func (*Text) Type() MessageType { return TypeInjectText }

// KeyCode injects an Android key event.
type KeyCode struct {
	Action    Action
	KeyCode   int32
	Repeat    uint32
	MetaState uint32
}

// Type implements Message.
func (*KeyCode) Type() MessageType { return TypeInjectKeycode }

// Command is a parameterless device command such as expanding the
// notification panel. Messages of other types that the hub does not model
// are carried as a Command with their raw Payload.
type Command struct {
	CommandType MessageType
	Payload     []byte
}

// Type implements Message.
func (c *Command) Type() MessageType { return c.CommandType }

// Sink receives control messages, typically to forward them to a device.
// Send must not block: the player calls it while holding its own lock, so
// a blocking sink would stall Stop. Queue the message or fail instead.
type Sink interface {
	Send(msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) error

// Send implements Sink.
func (f SinkFunc) Send(msg Message) error { return f(msg) }

// NewTouch builds a primary-button touch event for pointer 0.
func NewTouch(action Action, pos Position) *Touch {
	pressure := 1.0
	if action == ActionUp {
		pressure = 0
	}
	return &Touch{
		Action:   action,
		Position: pos,
		Pressure: pressure,
		Buttons:  ButtonPrimary,
	}
}
