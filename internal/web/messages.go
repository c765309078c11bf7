package web

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codefionn/scrcpyhub/internal/lock"
	"github.com/codefionn/scrcpyhub/internal/player"
	"github.com/codefionn/scrcpyhub/internal/surface"
	"github.com/codefionn/scrcpyhub/internal/workflow"
)

// Message types on the control channel
const (
	MessageTypeLockRequest  = "lockRequest"
	MessageTypeLockState    = "lockState"
	MessageTypeSessionCount = "sessionCount"

	// Recording and playback
	MessageTypeRecordStart    = "recordStart"
	MessageTypeRecordStop     = "recordStop"
	MessageTypeRecordState    = "recordState"
	MessageTypePlayWorkflow   = "playWorkflow"
	MessageTypeStopWorkflow   = "stopWorkflow"
	MessageTypeWorkflowState  = "workflowState"
	MessageTypeWorkflowAction = "workflowAction"

	MessageTypeError = "error"
)

// LockAction is the operation requested by a lockRequest.
type LockAction string

const (
	LockActionAcquire         LockAction = "acquire"
	LockActionRelease         LockAction = "release"
	LockActionForceUnlock     LockAction = "forceUnlock"
	LockActionEmergencyUnlock LockAction = "emergencyUnlock"
)

var errUnknownLockRequest = errors.New("unknown lock request")

// envelope peeks at the type tag of an inbound text message.
type envelope struct {
	Type string `json:"type"`
}

// LockRequest is a parsed lockRequest message. LockType defaults to user.
type LockRequest struct {
	Action       LockAction `json:"action"`
	LockType     lock.Type  `json:"lockType,omitempty"`
	WorkflowID   string     `json:"workflowId,omitempty"`
	WorkflowName string     `json:"workflowName,omitempty"`
}

// ParseLockRequest decodes and validates the body of a lockRequest.
func ParseLockRequest(data []byte) (*LockRequest, error) {
	var req LockRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	switch req.Action {
	case LockActionAcquire, LockActionRelease, LockActionForceUnlock, LockActionEmergencyUnlock:
	default:
		return nil, fmt.Errorf("%w: action %q", errUnknownLockRequest, req.Action)
	}

	switch req.LockType {
	case "":
		req.LockType = lock.TypeUser
	case lock.TypeUser:
	case lock.TypeWorkflow:
		if req.Action == LockActionAcquire || req.Action == LockActionRelease {
			if req.WorkflowID == "" {
				return nil, fmt.Errorf("%w: workflow %s without workflowId", errUnknownLockRequest, req.Action)
			}
		}
	default:
		return nil, fmt.Errorf("%w: lockType %q", errUnknownLockRequest, req.LockType)
	}

	return &req, nil
}

// LockStateMessage tells a connection who controls its display.
type LockStateMessage struct {
	Type         string     `json:"type"`
	UDID         string     `json:"udid"`
	DisplayID    int        `json:"displayId"`
	Lock         *lock.Info `json:"lock"`
	IsLockHolder bool       `json:"isLockHolder"`
}

func newLockState(key surface.Key, info *lock.Info, clientID string) *LockStateMessage {
	return &LockStateMessage{
		Type:         MessageTypeLockState,
		UDID:         key.DeviceID,
		DisplayID:    key.DisplayID,
		Lock:         info,
		IsLockHolder: info.HeldBy(clientID),
	}
}

// SessionCountMessage tells a connection who else is watching.
type SessionCountMessage struct {
	Type      string           `json:"type"`
	UDID      string           `json:"udid"`
	DisplayID int              `json:"displayId"`
	Count     int              `json:"count"`
	Viewers   []surface.Viewer `json:"viewers"`
}

func newSessionCount(key surface.Key, count int, viewers []surface.Viewer) *SessionCountMessage {
	if viewers == nil {
		viewers = []surface.Viewer{}
	}
	return &SessionCountMessage{
		Type:      MessageTypeSessionCount,
		UDID:      key.DeviceID,
		DisplayID: key.DisplayID,
		Count:     count,
		Viewers:   viewers,
	}
}

// RecordStartRequest starts a server side recording.
type RecordStartRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RecordStopRequest ends a recording and saves it under Name.
type RecordStopRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// RecordStateMessage reports the recording state. Workflow is set when a
// stopped recording was saved.
type RecordStateMessage struct {
	Type      string             `json:"type"`
	Recording bool               `json:"recording"`
	Workflow  *workflow.Workflow `json:"workflow,omitempty"`
}

// PlayWorkflowRequest plays a stored workflow. Width and Height are the
// current screen size, the recorded size is used when they are missing.
type PlayWorkflowRequest struct {
	WorkflowID string `json:"workflowId"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

// WorkflowStateMessage reports playback start and end.
type WorkflowStateMessage struct {
	Type       string `json:"type"`
	Playing    bool   `json:"playing"`
	WorkflowID string `json:"workflowId"`
	Name       string `json:"name"`
}

// WorkflowActionMessage is sent before each replayed action.
type WorkflowActionMessage struct {
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflowId"`
	Action     player.Feedback `json:"action"`
}

// ErrorMessage reports a failed request.
type ErrorMessage struct {
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Error   string `json:"error"`
}

func newError(request string, err error) *ErrorMessage {
	return &ErrorMessage{Type: MessageTypeError, Request: request, Error: err.Error()}
}
