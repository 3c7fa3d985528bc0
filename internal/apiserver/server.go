// Package apiserver implements the Operator API of SPEC_FULL.md §6:
// health/status/work-item introspection, Prometheus scraping, and a
// command endpoint that drops retest requests into the directory
// internal/reviewpoller watches. Grounded on the teacher's
// go/coordinatorpkg/coordinator.go HTTP handler set
// (handleHealth/handleBuilds/handleWorkers), generalised from
// net/http's bare mux to github.com/gorilla/mux for path variables,
// and on go/auth/auth.go for the authentication/CORS middleware shape.
package apiserver

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/ciserrors"
	"github.com/verygreen/lustretester/internal/persistence"
	"github.com/verygreen/lustretester/internal/reviewpoller"
	"github.com/verygreen/lustretester/internal/workitem"
)

// Server wires the Operator API's dependencies to a gorilla/mux
// router.
type Server struct {
	Router      *mux.Router
	Persistence *persistence.Store
	Auth        *AuthService
	CommandsDir string
	Logger      *zap.Logger
}

// New constructs a Server and registers every route.
func New(store *persistence.Store, auth *AuthService, commandsDir string, logger *zap.Logger) *Server {
	s := &Server{
		Router:      mux.NewRouter(),
		Persistence: store,
		Auth:        auth,
		CommandsDir: commandsDir,
		Logger:      logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.Router.HandleFunc("/auth/token", s.handleAuthToken).Methods(http.MethodPost)
	s.Router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	protected := s.Router.NewRoute().Subrouter()
	protected.Use(s.Auth.Middleware)
	protected.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	protected.HandleFunc("/workitems", s.handleListWorkItems).Methods(http.MethodGet)
	protected.HandleFunc("/workitems/{buildnr}", s.handleGetWorkItem).Methods(http.MethodGet)
	protected.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
}

// ServeHTTP satisfies http.Handler so Server can be handed straight to
// an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	OperatorName string `json:"operator_name"`
	OperatorKey  string `json:"operator_key"`
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeConfig, "malformed request body"))
		return
	}
	token, err := s.Auth.ExchangeOperatorKey(req.OperatorName, req.OperatorKey)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type statusResponse struct {
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inFlight, err := s.Persistence.LoadAll()
	if err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeInternal, err.Error()))
		return
	}
	done, err := s.Persistence.LastDone(100)
	if err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeInternal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{InFlight: len(inFlight), Done: len(done)})
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.Persistence.LoadAll()
	if err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeInternal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	buildNr, err := strconv.Atoi(mux.Vars(r)["buildnr"])
	if err != nil {
		apiErr := ciserrors.New(ciserrors.ErrCodeConfig, "build number must be an integer")
		apiErr.HTTPStatus = http.StatusBadRequest
		writeJSONError(w, apiErr)
		return
	}
	item, ok := s.findWorkItem(buildNr)
	if !ok {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeNotFound, "no such build"))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) findWorkItem(buildNr int) (*workitem.Item, bool) {
	inFlight, err := s.Persistence.LoadAll()
	if err == nil {
		for _, it := range inFlight {
			if it.BuildNr == buildNr {
				return it, true
			}
		}
	}
	done, err := s.Persistence.LastDone(1000)
	if err == nil {
		for _, it := range done {
			if it.BuildNr == buildNr {
				return it, true
			}
		}
	}
	return nil, false
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd reviewpoller.RetestCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeConfig, "malformed command body"))
		return
	}
	if cmd.BuildNr <= 0 {
		apiErr := ciserrors.New(ciserrors.ErrCodeConfig, "build_nr is required")
		apiErr.HTTPStatus = http.StatusBadRequest
		writeJSONError(w, apiErr)
		return
	}
	if err := os.MkdirAll(s.CommandsDir, 0o755); err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeInternal, err.Error()))
		return
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeInternal, err.Error()))
		return
	}
	name := uuid.NewString() + ".json"
	path := filepath.Join(s.CommandsDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		writeJSONError(w, ciserrors.New(ciserrors.ErrCodeInternal, err.Error()))
		return
	}
	s.Logger.Info("accepted operator command", zap.Int("build_nr", cmd.BuildNr), zap.String("requested_by", requesterName(r)))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func requesterName(r *http.Request) string {
	if claims, ok := claimsFromContext(r.Context()); ok {
		return claims.ServiceName
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err *ciserrors.APIError) {
	writeJSON(w, err.HTTPStatus, err)
}

// Timeouts applied by internal/orchestrator when constructing the
// underlying http.Server, matching the teacher's defensive defaults in
// go/coordinatorpkg/coordinator.go.
const (
	ReadTimeout  = 15 * time.Second
	WriteTimeout = 15 * time.Second
	IdleTimeout  = 60 * time.Second
)
