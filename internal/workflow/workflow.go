// Package workflow defines recorded control workflows, their JSON and
// export formats, and the storage contract.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a workflow does not exist for a device.
	ErrNotFound = errors.New("workflow not found")
	// ErrInvalid marks workflows or exports that fail validation.
	ErrInvalid = errors.New("invalid workflow")
)

// Workflow is a named, ordered log of actions recorded on one device.
type Workflow struct {
	ID          string       `json:"id"`
	DeviceID    string       `json:"deviceId"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	CreatedAt   int64        `json:"createdAt"`
	UpdatedAt   int64        `json:"updatedAt"`
	ScreenSize  control.Size `json:"screenSize"`
	Actions     Actions      `json:"actions"`
}

// NewID returns a fresh workflow id.
func NewID() string {
	return "wf_" + uuid.NewString()
}

// DefaultName names a workflow after the time it was recorded.
func DefaultName(t time.Time) string {
	return "Workflow " + t.Format("2006-01-02 15:04:05")
}

// Validate checks the fields required before saving.
func (w *Workflow) Validate() error {
	switch {
	case w == nil:
		return fmt.Errorf("%w: nil", ErrInvalid)
	case strings.TrimSpace(w.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case strings.TrimSpace(w.Name) == "":
		return fmt.Errorf("%w: missing name", ErrInvalid)
	case w.Actions == nil:
		return fmt.Errorf("%w: missing actions", ErrInvalid)
	}
	return nil
}

// Duration is the offset of the last action's start.
func (w *Workflow) Duration() Millis {
	var last Millis
	for _, a := range w.Actions {
		if a.At() > last {
			last = a.At()
		}
	}
	return last
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	data, err := json.Marshal(w)
	if err != nil {
		c := *w
		return &c
	}
	var c Workflow
	if err := json.Unmarshal(data, &c); err != nil {
		c := *w
		return &c
	}
	return &c
}

// ExportVersion is the current export file version.
const ExportVersion = 1

// Export is the portable file format of a workflow. It carries no ids so
// it can be imported into any device.
type Export struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	ScreenSize  control.Size `json:"screenSize"`
	Actions     Actions      `json:"actions"`
	ExportedAt  int64        `json:"exportedAt"`
	Version     int          `json:"version"`
}

// ToExport converts w into its export form.
func (w *Workflow) ToExport(now time.Time) *Export {
	return &Export{
		Name:        w.Name,
		Description: w.Description,
		ScreenSize:  w.ScreenSize,
		Actions:     w.Actions,
		ExportedAt:  now.UnixMilli(),
		Version:     ExportVersion,
	}
}

// FromExport parses an export file into a new workflow for deviceID with a
// fresh id.
func FromExport(deviceID string, data []byte, now time.Time) (*Workflow, error) {
	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if exp.Version != 0 && exp.Version > ExportVersion {
		return nil, fmt.Errorf("%w: unsupported export version %d", ErrInvalid, exp.Version)
	}
	if exp.Actions == nil {
		return nil, fmt.Errorf("%w: export has no actions", ErrInvalid)
	}

	name := strings.TrimSpace(exp.Name)
	if name == "" {
		name = DefaultName(now)
	}
	ms := now.UnixMilli()
	return &Workflow{
		ID:          NewID(),
		DeviceID:    deviceID,
		Name:        name,
		Description: exp.Description,
		CreatedAt:   ms,
		UpdatedAt:   ms,
		ScreenSize:  exp.ScreenSize,
		Actions:     exp.Actions,
	}, nil
}
