// Package httpapi implements the HTTP transport named in spec §6: a thin
// gorilla/mux router whose handlers only marshal/unmarshal and delegate
// to pkg/broker or the Repository, matching the teacher's pkg/daemon/daemon.go handler
// registration style (one net.Listener-backed http.Server, an
// X-Request-ID middleware, graceful Shutdown).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/xid"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/broker"
	"github.com/mozilla-services/loadbroker/pkg/logging"
	"github.com/mozilla-services/loadbroker/pkg/model"
	"github.com/mozilla-services/loadbroker/pkg/validation"
)

const brokerVersion = "1"

// Server is the HTTP surface over one Broker.
type Server struct {
	b      *broker.Broker
	repo   api.Repository
	server *http.Server
	l      net.Listener
	doneCh chan struct{}
}

// New builds a Server bound to addr. It does not start accepting
// connections until Serve is called, matching the teacher's New/Serve
// split in pkg/daemon/daemon.go.
func New(addr string, b *broker.Broker, repo api.Repository) (*Server, error) {
	srv := &Server{b: b, repo: repo, doneCh: make(chan struct{})}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	r.HandleFunc("/api", srv.root).Methods("GET")
	r.HandleFunc("/api/project", srv.listProjects).Methods("GET")
	r.HandleFunc("/api/project", srv.createProject).Methods("POST")
	r.HandleFunc("/api/project/{id}", srv.getProject).Methods("GET")
	r.HandleFunc("/api/project/{id}", srv.deleteProject).Methods("DELETE")
	r.HandleFunc("/api/plan/{id}", srv.getPlan).Methods("GET")
	r.HandleFunc("/api/plan/{id}", srv.deletePlan).Methods("DELETE")
	r.HandleFunc("/api/run/{id}", srv.getRun).Methods("GET")
	r.HandleFunc("/api/run/{id}", srv.deleteRun).Methods("DELETE")
	r.HandleFunc("/api/orchestrate/{planId}", srv.orchestrate).Methods("POST")
	r.HandleFunc("/api/orchestrate/{runId}", srv.abort).Methods("DELETE")
	r.HandleFunc("/api/instances", srv.listInstances).Methods("GET")
	r.HandleFunc("/api/instances", srv.reapInstances).Methods("DELETE")
	r.HandleFunc("/api/instances/{id}", srv.getInstance).Methods("GET")

	srv.server = &http.Server{
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv.l = l
	return srv, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set("X-Request-ID", xid.New().String())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Addr() string { return s.l.Addr().String() }

func (s *Server) Serve() error {
	logging.S().Infow("http api listening", "addr", s.Addr())
	return s.server.Serve(s.l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer close(s.doneCh)
	return s.server.Shutdown(ctx)
}

// envelope is the `{status, success, ...}` response shape every handler
// writes, matching the original webapp's BaseHandler.write_json.
type envelope struct {
	Status  int         `json:"status"`
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Success: status <= 299, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Success: false, Message: message})
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	runs, err := s.repo.QueryRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": brokerVersion,
		"runs":    runs,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.repo.QueryProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// projectPayload is the nested Project->Plans->Steps shape `POST
// /api/project` accepts in one body, per spec §6.
type projectPayload struct {
	model.Project
	Plans []model.Plan `json:"plans"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var payload projectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := validation.Project(&payload.Project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.SaveProject(r.Context(), &payload.Project); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range payload.Plans {
		plan := payload.Plans[i]
		plan.ProjectID = payload.Project.UUID
		if err := validation.Plan(&plan); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.repo.SavePlan(r.Context(), &plan); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload.Plans[i] = plan
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.repo.QueryProject(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.DeleteProject(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "no such project")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.repo.QueryPlan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such plan")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.DeletePlan(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "no such plan")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.repo.QueryRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// deleteRun implements `DELETE /api/run/{id}?purge=0|1` (spec §6): 404 if
// unknown, 400 if already Completed and not purging, purge also deletes
// the record.
func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	purge := r.URL.Query().Get("purge") == "1"

	run, err := s.repo.QueryRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}

	if run.State == model.RunCompleted && !purge {
		writeError(w, http.StatusBadRequest, "already terminated")
		return
	}

	if purge {
		if err := s.b.PurgeRun(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if err := s.b.Abort(id); err != nil && err != broker.ErrUnknownRun {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// orchestrateRequest is the body `POST /api/orchestrate/{planId}` accepts:
// an optional run_uuid/owner plus arbitrary interpolation variables (spec
// §6). run_uuid is accepted for API compatibility but Run uuids are always
// server-assigned by the Repository.
type orchestrateRequest struct {
	Owner string            `json:"owner"`
	Vars  map[string]string `json:"-"`
}

func (s *Server) orchestrate(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["planId"]

	var raw map[string]interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	req := orchestrateRequest{Vars: map[string]string{}}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			if k == "owner" {
				req.Owner = s
				continue
			}
			if k == "run_uuid" {
				continue
			}
			req.Vars[k] = s
		}
	}

	run, err := s.b.RunPlan(r.Context(), planID, req.Owner, req.Vars)
	if errors.Is(err, broker.ErrUnknownPlan) {
		writeError(w, http.StatusNotFound, "no such plan")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": run.UUID})
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	if err := s.b.Abort(runID); err != nil {
		writeError(w, http.StatusNotFound, "no such live run")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.Instances())
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, inst := range s.b.Instances() {
		if inst.ID == id {
			writeJSON(w, http.StatusOK, inst)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no such instance")
}

func (s *Server) reapInstances(w http.ResponseWriter, r *http.Request) {
	if err := s.b.ReapIdle(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
