package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"pushdeploy/internal/deployment"
	"pushdeploy/internal/domain"
	"pushdeploy/internal/security"
	"pushdeploy/internal/webhook"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB
	MaxListLimit    = 500
)

// Webhook outcomes recorded in metrics
const (
	outcomeAccepted     = "accepted"
	outcomeUnauthorized = "unauthorized"
	outcomeIgnored      = "ignored"
	outcomeDuplicate    = "duplicate"
	outcomeUnmatched    = "unmatched"
	outcomeInvalid      = "invalid"
	outcomeRejected     = "rejected"
)

// HandleWebhook handles GitHub webhook requests
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	// Check payload size (ContentLength can be -1 if not set)
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	// Check content type
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	// Read payload, one byte past the limit to detect chunked oversize bodies
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}
	if len(body) > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}
	if len(body) == 0 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Empty payload"})
		return
	}

	// Verify signature
	if !webhook.Verify(body, r.Header.Get(webhook.HeaderSignature), s.secret) {
		s.Metrics.Webhook(outcomeUnauthorized)
		s.Logger.Warn("Rejected webhook with invalid signature", "remote", clientIP(r))
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	// Check event type; a missing header is treated as a push
	switch event := r.Header.Get(webhook.HeaderEvent); event {
	case "", "push":
	case "ping":
		s.Metrics.Webhook(outcomeIgnored)
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	default:
		s.Metrics.Webhook(outcomeIgnored)
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event", "event": event})
		return
	}

	delivery := r.Header.Get(webhook.HeaderDelivery)
	if s.deliveries.Seen(delivery) {
		s.Metrics.Webhook(outcomeDuplicate)
		s.Logger.Info("Skipping duplicate delivery", "delivery", delivery)
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Duplicate delivery, skipping"})
		return
	}

	push, err := webhook.ParsePush(body)
	if err != nil {
		s.deliveries.Forget(delivery)
		s.Metrics.Webhook(outcomeInvalid)
		s.Logger.Warn("Failed to parse push payload", "error", err, "delivery", delivery)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	svc, ok := s.Registry.Match(push.Repository, push.Ref)
	if !ok {
		s.Metrics.Webhook(outcomeUnmatched)
		s.Logger.Info("No service matches push", "repository", push.Repository, "ref", push.Ref)
		s.respondJSON(w, http.StatusOK, map[string]string{
			"message":    "No matching service, skipping",
			"repository": push.Repository,
			"ref":        push.Ref,
		})
		return
	}

	d, err := s.Orchestrator.Start(r.Context(), svc, push.Trigger())
	if err != nil {
		s.deliveries.Forget(delivery)
		s.Metrics.Webhook(outcomeRejected)
		s.respondStartError(w, svc.Name, err)
		return
	}

	s.Metrics.Webhook(outcomeAccepted)

	// Respond immediately to GitHub to avoid timeout; the deployment runs
	// asynchronously and is followed through the API.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":       "Deployment accepted",
		"deployment_id": d.ID,
		"service":       svc.Name,
	})
}

// manualDeployRequest is the optional body of a manual deployment
type manualDeployRequest struct {
	Source  string `json:"source"`
	Pusher  string `json:"pusher"`
	Message string `json:"message"`
}

// HandleManualDeploy starts a deployment of a service without a push
func (s *Server) HandleManualDeploy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Validate service name for security
	if err := security.ValidateServiceName(name); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid service name: %v", err)})
		return
	}

	svc, err := s.Registry.Get(name)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown service"})
		return
	}

	var req manualDeployRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, MaxPayloadBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}

	source := domain.SourceManual
	if req.Source == domain.SourceCLI {
		source = domain.SourceCLI
	}
	message := req.Message
	if message == "" {
		message = "Manual deployment"
	}

	d, err := s.Orchestrator.Start(r.Context(), svc, domain.Trigger{
		Ref:           "refs/heads/" + svc.Branch,
		Branch:        svc.Branch,
		CommitMessage: message,
		Source:        source,
		Pusher:        req.Pusher,
	})
	if err != nil {
		s.respondStartError(w, svc.Name, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":       "Deployment started",
		"deployment_id": d.ID,
		"service":       svc.Name,
	})
}

func (s *Server) respondStartError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, deployment.ErrDeploymentInProgress):
		s.Logger.Warn("Deployment already in progress, rejecting", "service", name)
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Deployment already in progress"})
	case errors.Is(err, deployment.ErrShuttingDown):
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Server is shutting down"})
	default:
		s.Logger.Error("Failed to start deployment", "service", name, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start deployment"})
	}
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":             "ok",
		"services":           s.Registry.Names(),
		"service_count":      s.Registry.Count(),
		"active_deployments": len(s.Orchestrator.Active()),
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleServices lists the configured services
func (s *Server) HandleServices(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"services": s.Registry.List()})
}

// HandleActiveDeployments lists queued and running deployments
func (s *Server) HandleActiveDeployments(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"active_deployments": s.Orchestrator.Active()})
}

// HandleListDeployments lists deployment history, newest first
func (s *Server) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter domain.Filter

	if raw := query.Get("status"); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter.Status = status
	}

	if raw := query.Get("service"); raw != "" {
		if err := security.ValidateServiceName(raw); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid service name: %v", err)})
			return
		}
		filter.Service = raw
	}

	filter.Limit = domain.DefaultListLimit
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = min(limit, MaxListLimit)
	}

	list, err := s.Orchestrator.List(r.Context(), filter)
	if err != nil {
		s.Logger.Error("Failed to list deployments", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployments"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"deployments": list})
}

// HandleGetDeployment returns one deployment with its log
func (s *Server) HandleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.Orchestrator.Get(r.Context(), id)
	if err != nil {
		s.respondLookupError(w, id, err)
		return
	}

	s.respondJSON(w, http.StatusOK, d)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// HandleCancelDeployment cancels a queued or running deployment
func (s *Server) HandleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, MaxPayloadBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}

	if err := s.Orchestrator.Cancel(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, deployment.ErrNotActive) {
			s.respondJSON(w, http.StatusConflict, map[string]string{"error": "Deployment is not active"})
			return
		}
		s.respondLookupError(w, id, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":       "Cancellation requested",
		"deployment_id": id,
	})
}

// HandleClearDeployments deletes finished deployments
func (s *Server) HandleClearDeployments(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Orchestrator.ClearFinished(r.Context())
	if err != nil {
		s.Logger.Error("Failed to clear deployments", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to clear deployments"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":       fmt.Sprintf("Removed %d finished deployments", removed),
		"deleted_count": removed,
	})
}

func (s *Server) respondLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, deployment.ErrNotFound) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Deployment not found"})
		return
	}
	s.Logger.Error("Failed to load deployment", "deployment_id", id, "error", err)
	s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment"})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, s.Logger, statusCode, data)
}

func respondError(w http.ResponseWriter, logger *slog.Logger, statusCode int, message string) {
	writeJSON(w, logger, statusCode, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}
