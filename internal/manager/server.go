package manager

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const requestIDHeader = "X-Request-Id"

// Server exposes the manager over a JSON HTTP API, the surface the
// vboxbmc CLI talks to.
type Server struct {
	mgr    *Manager
	log    zerolog.Logger
	router *mux.Router
}

// NewServer creates the management API server.
func NewServer(mgr *Manager, log zerolog.Logger) *Server {
	s := &Server{
		mgr:    mgr,
		log:    log,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(s.requestLogger)
	s.router.HandleFunc("/v1/bmcs", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/bmcs", s.handleAdd).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/bmcs/{vm}", s.handleShow).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/bmcs/{vm}", s.handleDelete).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/bmcs/{vm}/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/bmcs/{vm}/stop", s.handleStop).Methods(http.MethodPost)
}

// requestLogger tags each request with an ID and logs its outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		log := s.log.With().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		log.Debug().Msg("request received")

		next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context())))
	})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var cfg InstanceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.mgr.Add(cfg); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"vm_name": cfg.VMName})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	vm := mux.Vars(r)["vm"]
	if err := s.mgr.Delete(r.Context(), vm); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleSetActive(w, r, s.mgr.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleSetActive(w, r, s.mgr.Stop)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, vm string) error) {
	vm := mux.Vars(r)["vm"]
	if err := op(r.Context(), vm); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	info, err := s.mgr.Show(vm)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.Show(mux.Vars(r)["vm"])
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.mgr.List()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyRegistered):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	zerolog.Ctx(r.Context()).Warn().Err(err).Int("status", status).Msg("request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
