package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evilrelay/evilrelay/log"
)

// RelayAPI is the operator management plane. It binds to loopback only;
// exposing it is the operator's problem, not ours.
type RelayAPI struct {
	relay  *HttpRelay
	server *http.Server
	port   int
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func NewRelayAPI(relay *HttpRelay, port int) *RelayAPI {
	a := &RelayAPI{
		relay: relay,
		port:  port,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.HandleFunc("/targets", a.handleListTargets).Methods("GET")
	r.HandleFunc("/targets", a.handleRegisterTarget).Methods("POST")
	r.HandleFunc("/targets/{id}", a.handleGetTarget).Methods("GET")
	r.HandleFunc("/targets/{id}", a.handleRemoveTarget).Methods("DELETE")
	r.HandleFunc("/targets/{id}/start", a.handleStartTarget).Methods("POST")
	r.HandleFunc("/targets/{id}/stop", a.handleStopTarget).Methods("POST")
	r.HandleFunc("/sessions", a.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}", a.handleGetSession).Methods("GET")
	r.HandleFunc("/sessions/{id}", a.handleDeleteSession).Methods("DELETE")
	r.HandleFunc("/sessions/{id}/export", a.handleExportSession).Methods("GET")
	r.HandleFunc("/stats", a.handleStats).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(relay.Metrics.Registry, promhttp.HandlerOpts{}))

	a.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     log.NullLogger(),
	}
	return a
}

func (a *RelayAPI) Start() {
	go func() {
		log.Info("management API listening on: %s", a.server.Addr)
		err := a.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error("management API: %v", err)
		}
	}()
}

func (a *RelayAPI) Handler() http.Handler {
	return a.server.Handler
}

func (a *RelayAPI) sendJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (a *RelayAPI) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	a.sendJSON(w, http.StatusOK, APIResponse{Success: true, Message: message, Data: data})
}

func (a *RelayAPI) sendError(w http.ResponseWriter, status int, err error) {
	a.sendJSON(w, status, APIResponse{Success: false, Error: err.Error()})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateTargetId), errors.Is(err, ErrTargetActive):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownExportFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *RelayAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.sendSuccess(w, "ok", map[string]string{"version": VERSION})
}

func (a *RelayAPI) handleListTargets(w http.ResponseWriter, r *http.Request) {
	a.sendSuccess(w, "", a.relay.Targets.List())
}

func (a *RelayAPI) handleRegisterTarget(w http.ResponseWriter, r *http.Request) {
	var t Target
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		a.sendError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	nt, err := a.relay.RegisterTarget(&t)
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	a.sendSuccess(w, "target registered", nt)
}

func (a *RelayAPI) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := a.relay.Targets.Lookup(mux.Vars(r)["id"])
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	a.sendSuccess(w, "", t)
}

func (a *RelayAPI) handleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.relay.RemoveTarget(id); err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	a.sendSuccess(w, "target removed", nil)
}

func (a *RelayAPI) handleStartTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Port int `json:"port"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	t, err := a.relay.StartTarget(id, body.Port)
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	a.sendSuccess(w, "target started", t)
}

func (a *RelayAPI) handleStopTarget(w http.ResponseWriter, r *http.Request) {
	t, err := a.relay.StopTarget(mux.Vars(r)["id"])
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	a.sendSuccess(w, "target stopped", t)
}

func (a *RelayAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	target_id := r.URL.Query().Get("target")
	a.sendSuccess(w, "", a.relay.Sessions.List(target_id))
}

func (a *RelayAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.relay.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	a.sendSuccess(w, "", s)
}

func (a *RelayAPI) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.relay.Sessions.Delete(id); err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	if a.relay.db != nil {
		a.relay.db.DeleteSession(id)
	}
	a.sendSuccess(w, "session deleted", nil)
}

func (a *RelayAPI) handleExportSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.relay.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	t, err := a.relay.Targets.Lookup(s.TargetId)
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	out, err := ExportSession(s, t, format)
	if err != nil {
		a.sendError(w, errorStatus(err), err)
		return
	}
	a.sendSuccess(w, "", map[string]string{"format": format, "content": out})
}

func (a *RelayAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	a.sendSuccess(w, "", a.relay.Stats())
}
