package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/rulesflow/dispatcher"
	"github.com/liamcoop/rulesflow/internal/logger"
	"github.com/liamcoop/rulesflow/rulesets"
	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/submission"
)

// maxSubmission caps the size of a submission body or uploaded file
const maxSubmission = 32 << 20

// Server exposes the dispatcher, submissions and rule sets over HTTP
type Server struct {
	dispatcher  *dispatcher.Dispatcher
	submitter   *submission.Submitter
	library     *rulesets.Library
	dial        storage.Dialer
	storageOpts []storage.Option
	checks      map[string]func(context.Context) error
	timeout     time.Duration
	logger      *slog.Logger
	router      *chi.Mux

	mu       sync.Mutex
	outcomes map[dispatcher.Status]int64
}

// Options holds what the server is built from
type Options struct {
	Dispatcher     *dispatcher.Dispatcher
	Submitter      *submission.Submitter
	Library        *rulesets.Library
	Dial           storage.Dialer
	StorageOptions []storage.Option
	// Checks are run by the health endpoint, keyed by component name
	Checks         map[string]func(context.Context) error
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}

	s := &Server{
		dispatcher:  opts.Dispatcher,
		submitter:   opts.Submitter,
		library:     opts.Library,
		dial:        opts.Dial,
		storageOpts: opts.StorageOptions,
		checks:      opts.Checks,
		timeout:     opts.RequestTimeout,
		logger:      opts.Logger,
		outcomes:    make(map[dispatcher.Status]int64),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	// Routes kept from the original listener and engine
	r.Post("/process_folder", s.handleProcessFolder)
	r.Post("/upload", s.handleUpload)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/{id}", s.handleStatus)
			r.Post("/{id}/process", s.handleProcess)
		})

		r.Route("/rulesets", func(r chi.Router) {
			r.Get("/", s.handleListRuleSets)
			r.Post("/", s.handleCreateRuleSet)
			r.Get("/{id}", s.handleGetRuleSet)
			r.Put("/{id}", s.handleUpdateRuleSet)
			r.Delete("/{id}", s.handleDeleteRuleSet)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and counts its status for the metrics endpoint
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.RecordHTTPStatus(status)
		s.logger.Info("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Trigger handlers

func (s *Server) handleProcessFolder(w http.ResponseWriter, r *http.Request) {
	var req ProcessFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.FolderName == "" {
		respondError(w, http.StatusBadRequest, "folder_name is required", nil)
		return
	}
	s.trigger(w, r, req.FolderName)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, chi.URLParam(r, "id"))
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, id string) {
	out, err := s.dispatcher.Trigger(r.Context(), id)
	if err != nil {
		s.internalError(w, "trigger failed", err, "transaction_id", id)
		return
	}
	s.countOutcome(out.Status)
	respondJSON(w, triggerStatusCode(out.Status), out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.dispatcher.Status(r.Context(), id)
	if err != nil {
		s.internalError(w, "status lookup failed", err, "transaction_id", id)
		return
	}
	respondJSON(w, statusCode(out.Status), out)
}

// triggerStatusCode maps a trigger outcome to its HTTP status
func triggerStatusCode(st dispatcher.Status) int {
	switch st {
	case dispatcher.StatusSuccess:
		return http.StatusOK
	case dispatcher.StatusFailure:
		return http.StatusUnprocessableEntity
	case dispatcher.StatusPending:
		return http.StatusAccepted
	case dispatcher.StatusIndeterminate:
		return http.StatusConflict
	case dispatcher.StatusNotFound:
		return http.StatusNotFound
	case dispatcher.StatusInvalidName:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusCode maps a status lookup to its HTTP status. A lookup that found
// the transaction succeeded whatever state it is in.
func statusCode(st dispatcher.Status) int {
	switch st {
	case dispatcher.StatusNotFound:
		return http.StatusNotFound
	case dispatcher.StatusInvalidName:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// Submission handlers

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmission))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "request body too large", err)
		return
	}
	s.submit(w, r, payload)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmission)
	if err := r.ParseMultipartForm(maxSubmission); err != nil {
		respondError(w, http.StatusBadRequest, "No file part in the request", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "No file part in the request", nil)
		return
	}
	defer file.Close()
	if header.Filename == "" {
		respondError(w, http.StatusBadRequest, "No selected file", nil)
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read uploaded file", err)
		return
	}
	s.submit(w, r, payload)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, payload []byte) {
	req, err := submission.Validate(payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission", err)
		return
	}

	fs, err := storage.Connect(r.Context(), s.dial, s.storageOpts...)
	if err != nil {
		s.internalError(w, "storage unavailable for submission", err)
		return
	}
	defer fs.Close()

	receipt, err := s.submitter.Submit(r.Context(), fs, req)
	if errors.Is(err, submission.ErrUnknownRuleSet) {
		respondError(w, http.StatusUnprocessableEntity, "unknown rule set", err)
		return
	}
	if err != nil {
		s.internalError(w, "submission failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, receipt)
}

// Rule set handlers

func (s *Server) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.library.ListActive(r.Context())
	if err != nil {
		s.internalError(w, "failed to list rule sets", err)
		return
	}

	resp := RuleSetsListResponse{RuleSets: make([]RuleSetResponse, 0, len(sets))}
	for _, rs := range sets {
		resp.RuleSets = append(resp.RuleSets, toRuleSetResponse(rs))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req RuleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs, err := s.library.Create(r.Context(), req.draft())
	if err != nil {
		s.ruleSetError(w, "failed to create rule set", err)
		return
	}
	respondJSON(w, http.StatusCreated, toRuleSetResponse(rs))
}

func (s *Server) handleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	rs, err := s.library.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.ruleSetError(w, "failed to get rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleSetResponse(rs))
}

func (s *Server) handleUpdateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req RuleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs, err := s.library.Update(r.Context(), chi.URLParam(r, "id"), req.draft())
	if err != nil {
		s.ruleSetError(w, "failed to update rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleSetResponse(rs))
}

func (s *Server) handleDeleteRuleSet(w http.ResponseWriter, r *http.Request) {
	if err := s.library.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.ruleSetError(w, "failed to delete rule set", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ruleSetError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rulesets.ErrNotFound):
		respondError(w, http.StatusNotFound, "rule set not found", nil)
	case errors.Is(err, rulesets.ErrExists):
		respondError(w, http.StatusConflict, "rule set name already in use", err)
	case errors.Is(err, rulesets.ErrInvalid):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		s.internalError(w, message, err)
	}
}

// Health and metrics

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "healthy", Components: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err := s.checks[name](ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "component", name, "error", err)
			resp.Components[name] = "unhealthy"
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "healthy"
	}
	respondJSON(w, code, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := logger.Snapshot()

	s.mu.Lock()
	for st, n := range s.outcomes {
		metrics["trigger_"+strings.ToLower(string(st))+"_total"] = n
	}
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, MetricsResponse{
		Level:    logger.GetLevel().String(),
		Counters: metrics,
	})
}

func (s *Server) countOutcome(st dispatcher.Status) {
	s.mu.Lock()
	s.outcomes[st]++
	s.mu.Unlock()
}

// internalError logs err and answers with a generic message that leaks no detail
func (s *Server) internalError(w http.ResponseWriter, message string, err error, args ...any) {
	s.logger.Error(message, append(args, "error", err)...)
	respondError(w, http.StatusInternalServerError, "internal server error", nil)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
