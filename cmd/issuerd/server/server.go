package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ParichayaHQ/issuer/internal/issuer"
	"github.com/ParichayaHQ/issuer/internal/logging"
)

// Authorizer is the authorization collaborator. The core only requires
// that a request identifies a tenant; policy lives behind this seam.
type Authorizer interface {
	Authorize(r *http.Request, tenantID string) error
}

// AllowAll authorizes every request
type AllowAll struct{}

// Authorize implements Authorizer.Authorize
func (AllowAll) Authorize(r *http.Request, tenantID string) error {
	return nil
}

// Server is the issuer HTTP surface
type Server struct {
	service    *issuer.Service
	authorizer Authorizer
	router     *mux.Router
	logger     *logging.Logger
}

// NewServer creates the HTTP server over the issuer service
func NewServer(service *issuer.Service, authorizer Authorizer, logger *logging.Logger) *Server {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		service:    service,
		authorizer: authorizer,
		router:     mux.NewRouter(),
		logger:     logger.WithComponent("http"),
	}

	s.setupRoutes()
	s.setupMiddleware()

	return s
}

// Router returns the configured handler with CORS applied. SLC reads are
// public documents; permissive CORS keeps them fetchable by verifiers.
func (s *Server) Router() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.router)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	tenant := s.router.PathPrefix("/{configId}").Subrouter()
	tenant.HandleFunc("/credentials/issue", s.handleIssue).Methods("POST")
	tenant.HandleFunc("/credentials/status", s.handleUpdateStatus).Methods("POST")
	tenant.HandleFunc("/credentials/{credentialId:.+}", s.handleGetCredential).Methods("GET")
	tenant.HandleFunc("/contexts", s.handleAddContext).Methods("POST")
	tenant.HandleFunc("/status-lists/{rest:.+}", s.handleStatusList).Methods("GET", "POST")
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.contentTypeMiddleware)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return handlers.LoggingHandler(os.Stdout, next)
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("handler panic", map[string]interface{}{
					"path":  r.URL.Path,
					"panic": fmt.Sprintf("%v", err),
				})
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// errorBody is the error response envelope; the error class travels in
// data.type
type errorBody struct {
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError maps an error into the taxonomy envelope
func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr := issuer.AsError(err)

	data := map[string]interface{}{"type": string(apiErr.Type)}
	if len(apiErr.Details) > 0 {
		for k, v := range apiErr.Details {
			data[k] = v
		}
	}

	s.writeJSON(w, apiErr.HTTPStatus(), errorBody{
		Message: apiErr.Message,
		Data:    data,
	})
}

// writeRaw writes pre-rendered JSON bytes untouched
func (s *Server) writeRaw(w http.ResponseWriter, statusCode int, body []byte) {
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("failed to write response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// parseJSON parses a JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return issuer.NewErrorWithCause(issuer.TypeValidationError, "invalid JSON body", err)
	}
	return nil
}

// Serve runs the server until the listener fails
func (s *Server) Serve(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
