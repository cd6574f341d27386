package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"worksync.agent/internal/api/handler"
	"worksync.agent/internal/core"
	"worksync.agent/internal/geofence"
	"worksync.agent/internal/ports/location"
)

// NewRouter sets up the gorilla/mux router and defines all API routes.
func NewRouter(service *core.SyncService, guard *geofence.Guard, provider *location.ReportedProvider) *mux.Router {

	syncHandler := handler.SyncHandler{
		Service:  service,
		Guard:    guard,
		Provider: provider,
		Report:   provider.Report,
	}

	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/days/load", syncHandler.LoadDay).Methods(http.MethodPost)
	api.HandleFunc("/workers/{workerId}/day", syncHandler.DayView).Methods(http.MethodGet)

	api.HandleFunc("/assignments", syncHandler.InsertAssignment).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}/sort-key", syncHandler.UpdateSortKey).Methods(http.MethodPatch)
	api.HandleFunc("/assignments/{id}/start-time", syncHandler.UpdateStartTime).Methods(http.MethodPatch)
	api.HandleFunc("/assignments/{id}/worker", syncHandler.MoveToWorker).Methods(http.MethodPatch)
	api.HandleFunc("/assignments/{id}", syncHandler.DeleteAssignment).Methods(http.MethodDelete)
	api.HandleFunc("/sort-keys/between", syncHandler.SortKeyBetween).Methods(http.MethodPost)

	api.HandleFunc("/sessions", syncHandler.StartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/end", syncHandler.EndSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/assignment", syncHandler.UpdateSessionAssignment).Methods(http.MethodPatch)

	api.HandleFunc("/location", syncHandler.ReportLocation).Methods(http.MethodPost)
	api.HandleFunc("/sync", syncHandler.SyncNow).Methods(http.MethodPost)

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Service is operational."))
	}).Methods(http.MethodGet)

	return r
}
