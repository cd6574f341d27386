package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"worksync.agent/internal/core"
	"worksync.agent/internal/core/model"
	"worksync.agent/internal/geofence"
	"worksync.agent/internal/ports/gateway"
	"worksync.agent/internal/ports/localstore"
	"worksync.agent/internal/ports/location"
)

// SyncHandler exposes the synchronizer over HTTP for the on-device UI.
type SyncHandler struct {
	Service  *core.SyncService
	Guard    *geofence.Guard
	Provider location.Provider
	// Report feeds device fixes into the provider; the UI posts them here.
	Report func(location.Position)
}

// ReportLocation ingests a GPS sample pushed by the device UI.
func (h *SyncHandler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	var pos location.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.Report(pos)
	w.WriteHeader(http.StatusNoContent)
}

type loadDayRequest struct {
	Date        string   `json:"date"`
	WorkerIDs   []string `json:"workerIds"`
	ForceRemote bool     `json:"forceRemote"`
}

func (h *SyncHandler) LoadDay(w http.ResponseWriter, r *http.Request) {
	var req loadDayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date == "" || len(req.WorkerIDs) == 0 {
		http.Error(w, "date and workerIds are required", http.StatusBadRequest)
		return
	}

	if err := h.Service.LoadDay(r.Context(), req.Date, req.WorkerIDs, req.ForceRemote); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) DayView(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["workerId"]
	view := h.Service.DayView(workerID)
	if view == nil {
		view = []model.ClassifiedAssignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assignments": view,
		"openSession": h.Service.OpenSession(workerID),
	})
}

type insertAssignmentRequest struct {
	WorkerID     string        `json:"workerId"`
	AssignedDate string        `json:"assignedDate"`
	SortKey      string        `json:"sortKey"`
	RefType      model.RefType `json:"refType"`
	RefID        string        `json:"refId"`
	StartTime    *string       `json:"startTime"`
	CreatedBy    string        `json:"createdBy"`
}

func (h *SyncHandler) InsertAssignment(w http.ResponseWriter, r *http.Request) {
	var req insertAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" || req.AssignedDate == "" || req.SortKey == "" || req.RefID == "" {
		http.Error(w, "workerId, assignedDate, sortKey and refId are required", http.StatusBadRequest)
		return
	}

	rec, err := h.Service.InsertAssignment(r.Context(), model.AssignmentRecord{
		WorkerID:     req.WorkerID,
		AssignedDate: req.AssignedDate,
		SortKey:      req.SortKey,
		RefType:      req.RefType,
		RefID:        req.RefID,
		StartTime:    req.StartTime,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type updateSortKeyRequest struct {
	SortKey string `json:"sortKey"`
}

func (h *SyncHandler) UpdateSortKey(w http.ResponseWriter, r *http.Request) {
	var req updateSortKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SortKey == "" {
		http.Error(w, "sortKey is required", http.StatusBadRequest)
		return
	}
	if err := h.Service.UpdateSortKey(r.Context(), mux.Vars(r)["id"], req.SortKey); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateStartTimeRequest struct {
	StartTime *string `json:"startTime"`
}

func (h *SyncHandler) UpdateStartTime(w http.ResponseWriter, r *http.Request) {
	var req updateStartTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.Service.UpdateStartTime(r.Context(), mux.Vars(r)["id"], req.StartTime); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveToWorkerRequest struct {
	WorkerID string `json:"workerId"`
	SortKey  string `json:"sortKey"`
}

func (h *SyncHandler) MoveToWorker(w http.ResponseWriter, r *http.Request) {
	var req moveToWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.SortKey == "" {
		http.Error(w, "workerId and sortKey are required", http.StatusBadRequest)
		return
	}
	if err := h.Service.MoveToWorker(r.Context(), mux.Vars(r)["id"], req.WorkerID, req.SortKey); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteAssignment(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sortKeyBetweenRequest struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

func (h *SyncHandler) SortKeyBetween(w http.ResponseWriter, r *http.Request) {
	var req sortKeyBetweenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	key, err := core.KeyBetween(req.Before, req.After)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sortKey": key})
}

type startSessionRequest struct {
	WorkerID     string `json:"workerId"`
	AssignmentID string `json:"assignmentId"`
}

// StartSession runs the full check-in: geofence gate with a fresh location
// sample, then the session open.
func (h *SyncHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.AssignmentID == "" {
		http.Error(w, "workerId and assignmentId are required", http.StatusBadRequest)
		return
	}

	rec, err := h.Service.Assignment(r.Context(), req.AssignmentID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	pos, err := h.Guard.CheckIn(r.Context(), *rec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ws, err := h.Service.StartSession(r.Context(), req.WorkerID, req.AssignmentID, pos)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

type endSessionRequest struct {
	WorkerID string `json:"workerId"`
}

func (h *SyncHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		http.Error(w, "workerId is required", http.StatusBadRequest)
		return
	}

	// Checkout proceeds even without a fix; the exit event just carries
	// zero coordinates then.
	pos, err := h.Provider.Current(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Debug().Err(err).Msg("no location fix at checkout")
		pos = location.Position{}
	}

	if err := h.Service.EndSession(r.Context(), req.WorkerID, mux.Vars(r)["id"], pos); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateSessionAssignmentRequest struct {
	WorkerID     string `json:"workerId"`
	AssignmentID string `json:"assignmentId"`
}

func (h *SyncHandler) UpdateSessionAssignment(w http.ResponseWriter, r *http.Request) {
	var req updateSessionAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.AssignmentID == "" {
		http.Error(w, "workerId and assignmentId are required", http.StatusBadRequest)
		return
	}
	if err := h.Service.UpdateSessionAssignment(r.Context(), req.WorkerID, mux.Vars(r)["id"], req.AssignmentID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.SyncLocalChanges(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"message": "Queued changes pushed."})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the service error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, core.ErrAlreadyCheckedIn):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInvalidAssignmentForCheckin),
		errors.Is(err, core.ErrMissingLocation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTooFarFromSite):
		status = http.StatusForbidden
	case errors.Is(err, localstore.ErrNotFound), errors.Is(err, core.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrNetworkUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrRemoteRejected):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		log.Ctx(r.Context()).Error().Err(err).Msg("unhandled service error")
	}
	http.Error(w, err.Error(), status)
}
