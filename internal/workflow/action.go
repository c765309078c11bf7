package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/codefionn/scrcpyhub/internal/control"
)

// Kind is the JSON discriminator of an action.
type Kind string

const (
	KindTap     Kind = "tap"
	KindSwipe   Kind = "swipe"
	KindText    Kind = "text"
	KindKeyCode Kind = "keycode"
	KindCommand Kind = "command"
)

// Millis is a duration or offset in milliseconds. It decodes fractional
// JSON numbers by rounding, as browsers record them.
type Millis int64

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid milliseconds %s", data)
	}
	*m = Millis(math.Round(f))
	return nil
}

// Action is one recorded step: *Tap, *Swipe, *Text, *KeyCode or *Command.
type Action interface {
	Kind() Kind
	// At is the offset from the start of the recording at which the
	// action begins.
	At() Millis
}

// Tap is a touch down and up at one position.
type Tap struct {
	Timestamp Millis           `json:"timestamp"`
	Position  control.Position `json:"position"`
	Duration  Millis           `json:"duration"`
}

// Swipe is a touch gesture moving from StartPosition to EndPosition.
type Swipe struct {
	Timestamp          Millis              `json:"timestamp"`
	StartPosition      control.Position    `json:"startPosition"`
	EndPosition        control.Position    `json:"endPosition"`
	Duration           Millis              `json:"duration"`
	IntermediatePoints []IntermediatePoint `json:"intermediatePoints,omitempty"`
}

// IntermediatePoint is a recorded move of a swipe, relative to its start.
type IntermediatePoint struct {
	Position     control.Position `json:"position"`
	RelativeTime Millis           `json:"relativeTime"`
}

// Text types a string.
type Text struct {
	Timestamp Millis `json:"timestamp"`
	Text      string `json:"text"`
}

// KeyCode presses and releases one key.
type KeyCode struct {
	Timestamp Millis `json:"timestamp"`
	KeyCode   int32  `json:"keycode"`
	KeyName   string `json:"keyName,omitempty"`
}

// Command sends a parameterless device command.
type Command struct {
	Timestamp   Millis              `json:"timestamp"`
	CommandType control.MessageType `json:"commandType"`
	CommandName string              `json:"commandName,omitempty"`
}

func (*Tap) Kind() Kind     { return KindTap }
func (*Swipe) Kind() Kind   { return KindSwipe }
func (*Text) Kind() Kind    { return KindText }
func (*KeyCode) Kind() Kind { return KindKeyCode }
func (*Command) Kind() Kind { return KindCommand }

func (a *Tap) At() Millis     { return a.Timestamp }
func (a *Swipe) At() Millis   { return a.Timestamp }
func (a *Text) At() Millis    { return a.Timestamp }
func (a *KeyCode) At() Millis { return a.Timestamp }
func (a *Command) At() Millis { return a.Timestamp }

// Actions is an ordered action list with a type-tagged JSON encoding.
type Actions []Action

// MarshalJSON writes each action with its "type" field.
func (as Actions) MarshalJSON() ([]byte, error) {
	if as == nil {
		return []byte("[]"), nil
	}

	out := make([]json.RawMessage, 0, len(as))
	for i, a := range as {
		raw, err := marshalAction(a)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func marshalAction(a Action) ([]byte, error) {
	switch v := a.(type) {
	case *Tap:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Tap
		}{KindTap, v})
	case *Swipe:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Swipe
		}{KindSwipe, v})
	case *Text:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Text
		}{KindText, v})
	case *KeyCode:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*KeyCode
		}{KindKeyCode, v})
	case *Command:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Command
		}{KindCommand, v})
	default:
		return nil, fmt.Errorf("unsupported action %T", a)
	}
}

// UnmarshalJSON decodes a type-tagged action list. Unknown types are an
// error.
func (as *Actions) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	if raws == nil {
		*as = nil
		return nil
	}

	actions := make(Actions, 0, len(raws))
	for i, raw := range raws {
		a, err := unmarshalAction(raw)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	*as = actions
	return nil
}

func unmarshalAction(raw json.RawMessage) (Action, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}

	var a Action
	switch head.Type {
	case KindTap:
		a = &Tap{}
	case KindSwipe:
		a = &Swipe{}
	case KindText:
		a = &Text{}
	case KindKeyCode:
		a = &KeyCode{}
	case KindCommand:
		a = &Command{}
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalid, head.Type)
	}
	if err := json.Unmarshal(raw, a); err != nil {
		return nil, err
	}
	return a, nil
}
