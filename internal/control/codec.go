package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Encoded sizes of the fixed-length messages.
const (
	touchSize   = 28
	keycodeSize = 14
	textHeader  = 5
)

// MaxTextLength bounds injected text.
const MaxTextLength = 300

// ErrShortMessage is returned by Decode for truncated input.
var ErrShortMessage = errors.New("control message truncated")

// Encode serializes msg in the device's big-endian binary layout.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Touch:
		buf := make([]byte, touchSize)
		buf[0] = byte(TypeInjectTouch)
		buf[1] = byte(m.Action)
		binary.BigEndian.PutUint64(buf[2:], m.PointerID)
		binary.BigEndian.PutUint32(buf[10:], uint32(int32(m.Position.Point.X)))
		binary.BigEndian.PutUint32(buf[14:], uint32(int32(m.Position.Point.Y)))
		binary.BigEndian.PutUint16(buf[18:], uint16(m.Position.ScreenSize.Width))
		binary.BigEndian.PutUint16(buf[20:], uint16(m.Position.ScreenSize.Height))
		binary.BigEndian.PutUint16(buf[22:], encodePressure(m.Pressure))
		binary.BigEndian.PutUint32(buf[24:], m.Buttons)
		return buf, nil

	case *KeyCode:
		buf := make([]byte, keycodeSize)
		buf[0] = byte(TypeInjectKeycode)
		buf[1] = byte(m.Action)
		binary.BigEndian.PutUint32(buf[2:], uint32(m.KeyCode))
		binary.BigEndian.PutUint32(buf[6:], m.Repeat)
		binary.BigEndian.PutUint32(buf[10:], m.MetaState)
		return buf, nil

	case *Text:
		text := []byte(m.Text)
		if len(text) > MaxTextLength {
			return nil, fmt.Errorf("text of %d bytes exceeds %d", len(text), MaxTextLength)
		}
		buf := make([]byte, textHeader+len(text))
		buf[0] = byte(TypeInjectText)
		binary.BigEndian.PutUint32(buf[1:], uint32(len(text)))
		copy(buf[textHeader:], text)
		return buf, nil

	case *Command:
		buf := make([]byte, 1+len(m.Payload))
		buf[0] = byte(m.CommandType)
		copy(buf[1:], m.Payload)
		return buf, nil

	case nil:
		return nil, errors.New("nil control message")

	default:
		return nil, fmt.Errorf("unsupported control message %T", msg)
	}
}

// Decode parses one binary control message. Types without a dedicated
// model are returned as *Command carrying the remaining bytes.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrShortMessage
	}

	switch t := MessageType(data[0]); t {
	case TypeInjectTouch:
		if len(data) < touchSize {
			return nil, fmt.Errorf("touch: %w", ErrShortMessage)
		}
		return &Touch{
			Action:    Action(data[1]),
			PointerID: binary.BigEndian.Uint64(data[2:]),
			Position: Position{
				Point: Point{
					X: int(int32(binary.BigEndian.Uint32(data[10:]))),
					Y: int(int32(binary.BigEndian.Uint32(data[14:]))),
				},
				ScreenSize: Size{
					Width:  int(binary.BigEndian.Uint16(data[18:])),
					Height: int(binary.BigEndian.Uint16(data[20:])),
				},
			},
			Pressure: decodePressure(binary.BigEndian.Uint16(data[22:])),
			Buttons:  binary.BigEndian.Uint32(data[24:]),
		}, nil

	case TypeInjectKeycode:
		if len(data) < keycodeSize {
			return nil, fmt.Errorf("keycode: %w", ErrShortMessage)
		}
		return &KeyCode{
			Action:    Action(data[1]),
			KeyCode:   int32(binary.BigEndian.Uint32(data[2:])),
			Repeat:    binary.BigEndian.Uint32(data[6:]),
			MetaState: binary.BigEndian.Uint32(data[10:]),
		}, nil

	case TypeInjectText:
		if len(data) < textHeader {
			return nil, fmt.Errorf("text: %w", ErrShortMessage)
		}
		n := binary.BigEndian.Uint32(data[1:])
		if uint64(len(data)-textHeader) < uint64(n) {
			return nil, fmt.Errorf("text: %w", ErrShortMessage)
		}
		return &Text{Text: string(data[textHeader : textHeader+int(n)])}, nil

	default:
		var payload []byte
		if len(data) > 1 {
			payload = append([]byte(nil), data[1:]...)
		}
		return &Command{CommandType: t, Payload: payload}, nil
	}
}

func encodePressure(p float64) uint16 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return math.MaxUint16
	}
	return uint16(math.Round(p * math.MaxUint16))
}

func decodePressure(v uint16) float64 {
	return float64(v) / math.MaxUint16
}
