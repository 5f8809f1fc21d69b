package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/hive/pkg/driver"
	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/gorilla/mux"
)

// HTTPServer serves health, metrics and the JSON management routes.
type HTTPServer struct {
	driver Driver
	router *mux.Router
	server *http.Server
}

// NewHTTPServer creates the HTTP server. d may be nil, in which case only
// the health and metrics routes are served.
func NewHTTPServer(d Driver) *HTTPServer {
	hs := &HTTPServer{
		driver: d,
		router: mux.NewRouter(),
	}
	hs.server = &http.Server{
		Handler:      hs.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	r := hs.router
	r.Handle("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.Handle("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if d != nil {
		v1 := r.PathPrefix("/api/v1").Subrouter()
		v1.HandleFunc("/snapshot", hs.snapshotHandler).Methods(http.MethodGet)
		v1.HandleFunc("/nodes", hs.nodesHandler).Methods(http.MethodGet)
		v1.HandleFunc("/jobs", hs.jobsHandler).Methods(http.MethodGet)
		v1.HandleFunc("/jobs", hs.submitHandler).Methods(http.MethodPost)
		v1.HandleFunc("/jobs/{uuid}", hs.jobHandler).Methods(http.MethodGet)
		v1.HandleFunc("/jobs/{uuid}/cancel", hs.actionHandler(d.Cancel)).Methods(http.MethodPost)
		v1.HandleFunc("/jobs/{uuid}/suspend", hs.actionHandler(func(id string) error { return d.Suspend(id, true) })).Methods(http.MethodPost)
		v1.HandleFunc("/jobs/{uuid}/resume", hs.actionHandler(func(id string) error { return d.Suspend(id, false) })).Methods(http.MethodPost)
		v1.HandleFunc("/events/{type}", hs.eventsHandler).Methods(http.MethodGet)
	}
	return hs
}

// Handler returns the router for embedding in other servers
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start serves HTTP on addr until Stop.
func (hs *HTTPServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return hs.Serve(lis)
}

// Serve serves HTTP on an existing listener.
func (hs *HTTPServer) Serve(lis net.Listener) error {
	err := hs.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for active requests until ctx is
// done.
func (hs *HTTPServer) Stop(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (hs *HTTPServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hs.driver.Snapshot())
}

func (hs *HTTPServer) nodesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hs.driver.Snapshot().Nodes)
}

func (hs *HTTPServer) jobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := hs.driver.Snapshot().Jobs
	if jobs == nil {
		jobs = []driver.JobInfo{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (hs *HTTPServer) jobHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	job, ok := hs.driver.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, driver.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, NewJobDetail(job))
}

func (hs *HTTPServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := req.Job()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := hs.driver.Submit(job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"uuid": job.UUID})
}

func (hs *HTTPServer) actionHandler(action func(jobUUID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := action(mux.Vars(r)["uuid"])
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, driver.ErrJobNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
	}
}

func (hs *HTTPServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = n
	}
	recent := hs.driver.Broker().Recent(events.EventType(mux.Vars(r)["type"]), limit)
	out := make([]EventInfo, len(recent))
	for i, e := range recent {
		out[i] = newEventInfo(e)
	}
	writeJSON(w, http.StatusOK, out)
}
