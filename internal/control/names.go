package control

import "fmt"

// Android key codes used by the navigation buttons.
const (
	KeyCodeHome       int32 = 3
	KeyCodeBack       int32 = 4
	KeyCodeVolumeUp   int32 = 24
	KeyCodeVolumeDown int32 = 25
	KeyCodePower      int32 = 26
	KeyCodeMenu       int32 = 82
	KeyCodeAppSwitch  int32 = 187
)

var keyNames = map[int32]string{
	KeyCodeHome:       "Home",
	KeyCodeBack:       "Back",
	KeyCodeVolumeUp:   "Volume Up",
	KeyCodeVolumeDown: "Volume Down",
	KeyCodePower:      "Power",
	KeyCodeMenu:       "Menu",
	KeyCodeAppSwitch:  "App Switch",
}

var commandNames = map[MessageType]string{
	TypeBackOrScreenOn:      "Back/Screen On",
	TypeExpandNotifications: "Expand Notifications",
	TypeExpandSettings:      "Expand Settings",
	TypeCollapsePanels:      "Collapse Panels",
	TypeRotateDevice:        "Rotate Device",
}

// KeyName returns a human readable key name, or "Key N".
func KeyName(code int32) string {
	if name, ok := keyNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Key %d", code)
}

// CommandName returns a human readable command name, or "Command N".
func CommandName(t MessageType) string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Command %d", t)
}

// IsSessionLocal reports whether a command only affects the current
// connection (stream parameters, clipboard, file transfer, screen power)
// and is therefore not recorded into workflows.
func IsSessionLocal(t MessageType) bool {
	switch t {
	case TypeChangeStreamParameters, TypePushFile, TypeGetClipboard,
		TypeSetClipboard, TypeSetScreenPowerMode:
		return true
	}
	return false
}
