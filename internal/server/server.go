package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/automation"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/metrics"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/storage"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	EnableHealth  bool          `json:"enable_health"`
	Version       string        `json:"version"`
}

// Executor runs automation invocations.
type Executor interface {
	Execute(ctx context.Context, inv automation.Invocation) (*models.ExecuteResponse, error)
	GetStats() models.EngineStats
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         *ServerConfig
	server         *http.Server
	router         *mux.Router
	storage        storage.Storage
	executor       Executor
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	stopUpdater    chan struct{}
}

// NewHTTPServer creates a new HTTP server. metricsManager may be nil.
func NewHTTPServer(
	config *ServerConfig,
	storage storage.Storage,
	executor Executor,
	metricsManager *metrics.Manager,
	logger *logrus.Logger,
) *HTTPServer {
	server := &HTTPServer{
		config:         config,
		storage:        storage,
		executor:       executor,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger(logger, "http_server"),
		stopUpdater:    make(chan struct{}),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
	}
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	// Automation endpoints
	api.HandleFunc("/automation/execute", s.executeHandler).Methods("POST")
	api.HandleFunc("/automation/logs", s.listLogsHandler).Methods("GET")

	// Rule endpoints
	api.HandleFunc("/rules", s.listRulesHandler).Methods("GET")
	api.HandleFunc("/rules", s.createRuleHandler).Methods("POST")
	api.HandleFunc("/rules/{id}", s.getRuleHandler).Methods("GET")
	api.HandleFunc("/rules/{id}", s.updateRuleHandler).Methods("PUT")
	api.HandleFunc("/rules/{id}", s.deleteRuleHandler).Methods("DELETE")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *HTTPServer) updateComponentMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	if s.storage != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("storage", s.storage.Ping() == nil)
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateComponentMetrics()
		case <-s.stopUpdater:
			return
		}
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	close(s.stopUpdater)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Health and stats handlers

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"version":   s.config.Version,
	}

	if err := s.storage.Ping(); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "unhealthy"
		resp["storage_error"] = err.Error()
	}

	s.writeJSON(w, status, resp)
}

func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.storage.GetStorageStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"storage":   storageStats,
		"engine":    s.executor.GetStats(),
	})
}

// Automation handlers

// executeHandler runs the engine for one invocation. Rule and action failures
// are reported inside the 200 response; only a request or rule loading
// problem is an HTTP error.
func (s *HTTPServer) executeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if req.Event == "" && req.SpecificRuleID == "" {
		s.writeError(w, http.StatusBadRequest, "event or specificRuleId is required", nil)
		return
	}

	resp, err := s.executor.Execute(r.Context(), automation.Invocation{
		Event:          req.Event,
		Payload:        payload.Parse(req.Payload),
		DryRun:         req.IsDryRun,
		SpecificRuleID: req.SpecificRuleID,
	})
	if err != nil {
		s.writeError(w, statusFor(err), "Automation run failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) listLogsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.LogFilter{Limit: 100}

	if v := query.Get("rule_id"); v != "" {
		filter.RuleID = &v
	}
	if v := query.Get("trigger"); v != "" {
		filter.Trigger = &v
	}
	if v := query.Get("status"); v != "" {
		for _, status := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, models.RuleStatus(strings.TrimSpace(status)))
		}
	}
	for name, dst := range map[string]**time.Time{"from": &filter.FromTime, "to": &filter.ToTime} {
		if v := query.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "Invalid "+name+" parameter", err)
				return
			}
			*dst = &t
		}
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit"), filter.Limit); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit parameter", err)
		return
	}
	if filter.Offset, err = intParam(query.Get("offset"), 0); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid offset parameter", err)
		return
	}

	logs, err := s.storage.GetAutomationLogs(r.Context(), filter)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to retrieve automation logs", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// Rule handlers

func (s *HTTPServer) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.RuleFilter{}

	if v := query.Get("trigger"); v != "" {
		filter.Trigger = &v
	}
	if v := query.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid active parameter", err)
			return
		}
		filter.Active = &active
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit"), 0); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit parameter", err)
		return
	}

	rules, err := s.storage.GetRules(r.Context(), filter)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to retrieve rules", err)
		return
	}
	if rules == nil {
		rules = []*models.Rule{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *HTTPServer) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	rule.CreatedAt = time.Time{}
	if err := s.storage.SaveRule(r.Context(), &rule); err != nil {
		s.writeError(w, statusFor(err), "Failed to save rule", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, &rule)
}

func (s *HTTPServer) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.loadRule(w, r)
	if !ok {
		return
	}

	var rule models.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt

	if err := s.storage.SaveRule(r.Context(), &rule); err != nil {
		s.writeError(w, statusFor(err), "Failed to save rule", err)
		return
	}

	s.writeJSON(w, http.StatusOK, &rule)
}

func (s *HTTPServer) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.storage.DeleteRule(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), "Failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) loadRule(w http.ResponseWriter, r *http.Request) (*models.Rule, bool) {
	id := mux.Vars(r)["id"]
	rule, err := s.storage.GetRule(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to retrieve rule", err)
		return nil, false
	}
	if rule == nil {
		s.writeError(w, http.StatusNotFound, "Rule not found", nil)
		return nil, false
	}
	return rule, true
}

// Utility functions

func intParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

// statusFor maps an AppError code onto an HTTP status.
func statusFor(err error) int {
	switch utils.ErrorCode(err) {
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		entry := s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
		}).WithError(err)
		if status >= http.StatusInternalServerError {
			entry.Error("HTTP error")
		} else {
			entry.Debug("HTTP error")
		}
	}

	s.writeJSON(w, status, errorResponse)
}
