package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/lock"
	"github.com/codefionn/scrcpyhub/internal/surface"
	"github.com/codefionn/scrcpyhub/internal/workflow"
	"github.com/julienschmidt/httprouter"
)

// Largest request body accepted by the workflow API.
const maxBodySize = 16 << 20

// apiResponse is the envelope of every API response.
type apiResponse struct {
	Success     bool                 `json:"success"`
	Workflows   []*workflow.Workflow `json:"workflows,omitempty"`
	Workflow    *workflow.Workflow   `json:"workflow,omitempty"`
	Devices     []string             `json:"devices,omitempty"`
	Connections []*device.Connection `json:"connections,omitempty"`
	Connection  *device.Connection   `json:"connection,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// displayState is the current state of one display.
type displayState struct {
	UDID      string           `json:"udid"`
	DisplayID int              `json:"displayId"`
	Count     int              `json:"count"`
	Viewers   []surface.Viewer `json:"viewers"`
	Lock      *lock.Info       `json:"lock"`
}

// workflowUpdate carries the fields PATCH may change.
type workflowUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("%s: %v", msg, err)
	} else if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	writeJSON(w, status, apiResponse{Error: msg})
}

// storeStatus maps a store error to an HTTP status.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleListDevices lists configured devices and saved connections.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ids := s.cfg.DeviceIDs()
	conns, err := s.hub.conns.ListConnections(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get connections", err)
		return
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, c := range conns {
		if !seen[c.ID] {
			seen[c.ID] = true
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Devices: ids})
}

func (s *Server) handleDisplayState(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	key, err := surfaceKey(ps.ByName("device"), ps.ByName("display"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid display", err)
		return
	}

	writeJSON(w, http.StatusOK, displayState{
		UDID:      key.DeviceID,
		DisplayID: key.DisplayID,
		Count:     s.hub.registry.Count(key),
		Viewers:   s.hub.registry.Viewers(key),
		Lock:      s.hub.arbiter.Lock(key),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	workflows, err := s.hub.store.LoadAll(r.Context(), ps.ByName("device"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get workflows", err)
		return
	}
	if workflows == nil {
		workflows = []*workflow.Workflow{}
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Workflows: workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	wf, err := s.hub.store.GetByID(r.Context(), ps.ByName("id"), ps.ByName("device"))
	if err != nil {
		s.writeStoreError(w, "Failed to get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Workflow: wf})
}

// handleSaveWorkflow creates or replaces a workflow. A missing id creates
// a new workflow.
func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var wf workflow.Workflow
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&wf); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid workflow data", err)
		return
	}

	now := s.hub.clock.Now().UnixMilli()
	if strings.TrimSpace(wf.ID) == "" {
		wf.ID = workflow.NewID()
	}
	if wf.CreatedAt == 0 {
		wf.CreatedAt = now
	}
	wf.DeviceID = ps.ByName("device")
	wf.UpdatedAt = now

	if err := wf.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid workflow data", err)
		return
	}
	if err := s.hub.store.Save(r.Context(), &wf); err != nil {
		s.writeStoreError(w, "Failed to save workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Workflow: &wf})
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var update workflowUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid update", err)
		return
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "Workflow name must not be empty", nil)
		return
	}

	wf, err := s.hub.store.GetByID(r.Context(), ps.ByName("id"), ps.ByName("device"))
	if err != nil {
		s.writeStoreError(w, "Failed to get workflow", err)
		return
	}
	if update.Name != nil {
		wf.Name = strings.TrimSpace(*update.Name)
	}
	if update.Description != nil {
		wf.Description = *update.Description
	}
	wf.UpdatedAt = s.hub.clock.Now().UnixMilli()

	if err := s.hub.store.Save(r.Context(), wf); err != nil {
		s.writeStoreError(w, "Failed to save workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Workflow: wf})
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	deleted, err := s.hub.store.Delete(r.Context(), ps.ByName("id"), ps.ByName("device"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to delete workflow", err)
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "Workflow not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

// handleExportWorkflow serves the workflow as a downloadable export file.
func (s *Server) handleExportWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	wf, err := s.hub.store.GetByID(r.Context(), ps.ByName("id"), ps.ByName("device"))
	if err != nil {
		s.writeStoreError(w, "Failed to get workflow", err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(wf.Name)))
	writeJSON(w, http.StatusOK, wf.ToExport(s.hub.clock.Now()))
}

func (s *Server) handleImportWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read import", err)
		return
	}

	wf, err := workflow.Import(r.Context(), s.hub.store, ps.ByName("device"), data, s.hub.clock.Now())
	if err != nil {
		s.writeStoreError(w, "Failed to import workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Workflow: wf})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conns, err := s.hub.conns.ListConnections(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get connections", err)
		return
	}
	if conns == nil {
		conns = []*device.Connection{}
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Connections: conns})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	c, err := s.hub.conns.GetConnection(r.Context(), ps.ByName("id"))
	if errors.Is(err, device.ErrConnectionNotFound) {
		s.writeError(w, http.StatusNotFound, "Connection not found", nil)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get connection", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Connection: c})
}

// handleSaveConnection creates or replaces a saved connection.
func (s *Server) handleSaveConnection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var c device.Connection
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&c); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid connection data", err)
		return
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = s.hub.clock.Now().UnixMilli()
	}

	if err := c.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid connection data", err)
		return
	}
	if err := s.hub.conns.SaveConnection(r.Context(), &c); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, device.ErrInvalidConnection) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, "Failed to save connection", err)
		return
	}

	saved, err := s.hub.conns.GetConnection(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get connection", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Connection: saved})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	deleted, err := s.hub.conns.DeleteConnection(r.Context(), ps.ByName("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to delete connection", err)
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "Connection not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (s *Server) writeStoreError(w http.ResponseWriter, msg string, err error) {
	status := storeStatus(err)
	switch status {
	case http.StatusNotFound:
		s.writeError(w, status, "Workflow not found", nil)
	case http.StatusBadRequest:
		s.writeError(w, status, "Invalid workflow data", err)
	default:
		s.writeError(w, status, msg, err)
	}
}

// exportFilename turns a workflow name into a safe file name.
func exportFilename(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "workflow.json"
	}
	return b.String() + ".json"
}
