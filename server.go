package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gorollout/lease"
	"gorollout/lifecycle"
	"gorollout/models"
	"gorollout/scheduler"
	"gorollout/store"
)

// ExperimentReader is the read side of the store the server exposes.
type ExperimentReader interface {
	Get(ctx context.Context, slug string) (*models.Experiment, error)
	ListChangeLogs(ctx context.Context, slug string) ([]*models.ChangeLog, error)
}

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

// Server is the operations HTTP surface: health, metrics, pass status and
// manual pass triggers.
type Server struct {
	router      *mux.Router
	scheduler   *scheduler.Scheduler
	experiments ExperimentReader
	gatherer    prometheus.Gatherer
	checks      map[string]Checker
}

// NewServer creates a new ops server
func NewServer(sched *scheduler.Scheduler, experiments ExperimentReader, gatherer prometheus.Gatherer, checks map[string]Checker) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		scheduler:   sched,
		experiments: experiments,
		gatherer:    gatherer,
		checks:      checks,
	}
	s.routes()
	return s
}

// routes sets up the HTTP routing
func (s *Server) routes() {
	s.router.HandleFunc("/__heartbeat__", s.handleHeartbeat).Methods("GET")
	s.router.HandleFunc("/__lbheartbeat__", s.handleLBHeartbeat).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	s.router.HandleFunc("/passes", s.handleListPasses).Methods("GET")
	s.router.HandleFunc("/passes/{collection}", s.handleGetPass).Methods("GET")
	s.router.HandleFunc("/passes/{collection}", s.handleTriggerPass).Methods("POST")

	s.router.HandleFunc("/experiments/{slug}", s.handleGetExperiment).Methods("GET")
	s.router.HandleFunc("/experiments/{slug}/changelogs", s.handleGetChangeLogs).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHeartbeat checks every dependency and answers 503 if any is down
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			log.WithError(err).WithField("check", name).Warn("heartbeat check failed")
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, results)
}

func (s *Server) handleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleListPasses returns the status of every scheduled task
func (s *Server) handleListPasses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Statuses())
}

// taskFor maps a collection to its reconciliation or preview task.
func (s *Server) taskFor(collection string) (string, bool) {
	for _, name := range []string{"reconcile:" + collection, "preview:" + collection} {
		if _, ok := s.scheduler.Status(name); ok {
			return name, true
		}
	}
	return "", false
}

// handleGetPass returns the last pass for one collection
func (s *Server) handleGetPass(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	name, ok := s.taskFor(collection)
	if !ok {
		writeError(w, http.StatusNotFound, errors.Errorf("unknown collection %s", collection))
		return
	}
	st, _ := s.scheduler.Status(name)
	writeJSON(w, http.StatusOK, st)
}

// handleTriggerPass runs one pass now, under the same lease as scheduled runs
func (s *Server) handleTriggerPass(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	name, ok := s.taskFor(collection)
	if !ok {
		writeError(w, http.StatusNotFound, errors.Errorf("unknown collection %s", collection))
		return
	}

	result, err := s.scheduler.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, lease.ErrHeld):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	log.WithFields(log.Fields{"task": name, "result": result}).Info("manual pass finished")
	writeJSON(w, http.StatusOK, map[string]string{"task": name, "result": result})
}

type experimentView struct {
	*models.Experiment
	PublishedDTO json.RawMessage `json:"published_dto,omitempty"`
	State        string          `json:"state"`
	CanArchive   bool            `json:"can_archive"`
}

// handleGetExperiment returns one experiment's reconciliation state
func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.experiments.Get(r.Context(), mux.Vars(r)["slug"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, experimentView{
		Experiment:   exp,
		PublishedDTO: exp.PublishedDTO,
		State:        exp.State().String(),
		CanArchive:   lifecycle.CanArchive(exp),
	})
}

// handleGetChangeLogs returns an experiment's audit trail, oldest first
func (s *Server) handleGetChangeLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.experiments.ListChangeLogs(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*models.ChangeLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}
