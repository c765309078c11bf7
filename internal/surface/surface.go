// Package surface holds the identifiers shared by the session registry,
// the lock arbiter and the web layer.
package surface

import "fmt"

// Key identifies one display of one device.
type Key struct {
	DeviceID  string
	DisplayID int
}

// String formats the key as "device/display".
func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.DeviceID, k.DisplayID)
}

// AnonymousName is the display name given to viewers without identity.
const AnonymousName = "Anonymous"

// Viewer is a human watching a display.
type Viewer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Username    string `json:"username,omitempty"`
}

// Anonymous returns the viewer recorded for a connection without identity.
func Anonymous(clientID string) Viewer {
	return Viewer{ID: clientID, DisplayName: AnonymousName}
}

// DedupeKey returns the key used to collapse multiple connections of the
// same viewer: the id, falling back to the display name. Empty means the
// viewer cannot be listed.
func (v Viewer) DedupeKey() string {
	if v.ID != "" {
		return v.ID
	}
	return v.DisplayName
}
