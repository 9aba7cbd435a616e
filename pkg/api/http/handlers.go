package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/orchestrator"
	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// CapabilityResponse describes one registered capability
type CapabilityResponse struct {
	Type             string   `json:"type"`
	Kind             string   `json:"kind"`
	Category         string   `json:"category"`
	ExternalCall     bool     `json:"external_call"`
	RequiredConfig   []string `json:"required_config,omitempty"`
	DefaultOutputs   []string `json:"default_outputs,omitempty"`
	DefaultTimeoutMS int64    `json:"default_timeout_ms,omitempty"`
	Description      string   `json:"description,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	state := "healthy"
	if !s.manager.Accepting() {
		status = http.StatusServiceUnavailable
		state = "draining"
	}

	checks := gin.H{
		"orchestrator": state,
		"active_runs":  s.manager.ActiveRuns(),
	}
	if s.monitor != nil {
		checks["governor_saturated"] = s.monitor.Saturated()
	}

	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleSubmitDecision validates a decision and acts on it
func (s *Server) handleSubmitDecision(c *gin.Context) {
	var decision domain.Decision
	if err := c.ShouldBindJSON(&decision); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	sub, err := s.manager.Submit(c.Request.Context(), &decision)
	if err != nil {
		s.writeSubmitError(c, err)
		return
	}

	status := http.StatusCreated
	if sub.RunID != "" {
		status = http.StatusAccepted
	}
	c.JSON(status, sub)
}

func (s *Server) writeSubmitError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		abortWithError(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), verr.Result)
	case errors.Is(err, orchestrator.ErrGraphNotFound):
		abortWithError(c, http.StatusNotFound, "GRAPH_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		abortWithError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error(), nil)
	default:
		s.logger.Error("failed to submit decision", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "SUBMISSION_FAILED", err.Error(), nil)
	}
}

// handleValidate validates a decision without acting on it
func (s *Server) handleValidate(c *gin.Context) {
	var decision domain.Decision
	if err := c.ShouldBindJSON(&decision); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	c.JSON(http.StatusOK, s.manager.Validate(&decision))
}

// handleGetGraph returns an accepted graph
func (s *Server) handleGetGraph(c *gin.Context) {
	graph, acceptance, err := s.manager.Graph(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Graph not found", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"graph":      graph,
		"acceptance": acceptance,
	})
}

// handleGetRun returns the current record of a run
func (s *Server) handleGetRun(c *gin.Context) {
	record, err := s.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found", nil)
		return
	}

	c.JSON(http.StatusOK, record)
}

// handleCancelRun requests cancellation of a run
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	err := s.manager.Cancel(c.Request.Context(), runID)
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found", nil)
		return
	case errors.Is(err, orchestrator.ErrRunFinished):
		abortWithError(c, http.StatusConflict, "RUN_FINISHED", err.Error(), nil)
		return
	case err != nil:
		abortWithError(c, http.StatusInternalServerError, "CANCELLATION_FAILED", err.Error(), nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":       runID,
		"status":       "cancelling",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRunEvents returns the persisted events of a run
func (s *Server) handleRunEvents(c *gin.Context) {
	if s.replayer == nil {
		abortWithError(c, http.StatusNotImplemented, "NOT_AVAILABLE", "event persistence is not configured", nil)
		return
	}

	runID := c.Param("id")
	events, err := s.replayer.Replay(c.Request.Context(), runID)
	if err != nil {
		s.logger.Error("failed to replay events", zap.String("run_id", runID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "REPLAY_FAILED", err.Error(), nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": runID,
		"events": events,
		"total":  len(events),
	})
}

// handleGovernor returns the governor utilization
func (s *Server) handleGovernor(c *gin.Context) {
	c.JSON(http.StatusOK, s.governor.Utilization())
}

// handleValidatorStats returns the validation counters
func (s *Server) handleValidatorStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Stats())
}

// handleCapabilities lists the registered capabilities
func (s *Server) handleCapabilities(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusOK, gin.H{"capabilities": []CapabilityResponse{}})
		return
	}

	descriptors := s.registry.Descriptors()
	out := make([]CapabilityResponse, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, CapabilityResponse{
			Type:             string(d.Type),
			Kind:             string(d.Kind),
			Category:         d.Category,
			ExternalCall:     d.ExternalCall,
			RequiredConfig:   d.RequiredConfig,
			DefaultOutputs:   d.DefaultOutputs,
			DefaultTimeoutMS: d.DefaultTimeout.Milliseconds(),
			Description:      d.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": out})
}

// RecoveryRuleResponse is one category rule of the recovery policy
type RecoveryRuleResponse struct {
	Action     string `json:"action"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Escalation string `json:"escalation,omitempty"`
}

// handleRecovery returns the recovery rules and backoff in effect
func (s *Server) handleRecovery(c *gin.Context) {
	policy := s.policy
	if policy == nil {
		policy = recovery.DefaultPolicy()
	}

	rules := make(map[string]RecoveryRuleResponse)
	for category, rule := range policy.Rules() {
		rules[string(category)] = RecoveryRuleResponse{
			Action:     string(rule.Action),
			MaxRetries: rule.MaxRetries,
			Escalation: string(rule.Escalation),
		}
	}
	backoff := policy.Backoff()
	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"backoff": gin.H{
			"base_ms":    backoff.Base.Milliseconds(),
			"max_ms":     backoff.Max.Milliseconds(),
			"multiplier": backoff.Multiplier,
			"jitter":     backoff.Jitter,
		},
	})
}
