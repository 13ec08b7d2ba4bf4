package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/gamification-engine/internal/application/command"
	"github.com/alem-hub/gamification-engine/internal/application/query"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/internal/interface/http/handlers"
	"github.com/alem-hub/gamification-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth reports store and broker reachability plus event bus metrics.
func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.HealthChecker.Check(c.Request.Context())
	if !status.Healthy {
		handlers.WriteJSON(c, http.StatusServiceUnavailable, status)
		return
	}
	handlers.WriteJSON(c, http.StatusOK, status)
}

// handleLive handles the liveness probe endpoint (for Kubernetes).
func (s *Server) handleLive(c *gin.Context) {
	handlers.WriteJSON(c, http.StatusOK, gin.H{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT INTAKE
// ══════════════════════════════════════════════════════════════════════════════

// recordEventRequest is the body of POST /api/v1/events.
type recordEventRequest struct {
	UserID     string     `json:"user_id"`
	Category   string     `json:"category"`
	Points     int64      `json:"points"`
	OccurredAt *time.Time `json:"occurred_at"`
	Reason     string     `json:"reason"`
	EventID    string     `json:"event_id"`
}

type unlockedBadgeResponse struct {
	Badge         query.BadgeDTO `json:"badge"`
	ConquistadoEm time.Time      `json:"conquistado_em"`
}

type recordEventResponse struct {
	Profile        query.ProfileDTO        `json:"profile"`
	Grants         []query.GrantDTO        `json:"grants"`
	Unlocked       []unlockedBadgeResponse `json:"unlocked"`
	StreakOutcome  string                  `json:"streak_outcome,omitempty"`
	LeveledUp      bool                    `json:"leveled_up"`
	ProfileCreated bool                    `json:"profile_created"`
	Duplicate      bool                    `json:"duplicate"`
}

func (s *Server) handleRecordEvent(c *gin.Context) {
	if s.deps.RecordEventHandler == nil {
		s.notConfigured(c)
		return
	}

	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handlers.AbortWithError(c, http.StatusBadRequest, "invalid_body", "Request body must be a JSON event: "+err.Error())
		return
	}

	cmd := command.RecordEventCommand{
		UserID:        req.UserID,
		Category:      req.Category,
		Points:        req.Points,
		Reason:        req.Reason,
		EventID:       req.EventID,
		CorrelationID: handlers.GetRequestID(c),
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = *req.OccurredAt
	}

	result, err := s.deps.RecordEventHandler.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := recordEventResponse{
		Profile:        query.NewProfileDTO(result.Profile, s.deps.Calendar),
		Grants:         make([]query.GrantDTO, 0, len(result.Grants)),
		Unlocked:       make([]unlockedBadgeResponse, 0, len(result.Unlocked)),
		StreakOutcome:  string(result.StreakOutcome),
		LeveledUp:      result.LeveledUp(),
		ProfileCreated: result.ProfileCreated,
		Duplicate:      result.Duplicate,
	}
	for _, g := range result.Grants {
		resp.Grants = append(resp.Grants, query.NewGrantDTO(g))
	}
	for _, u := range result.Unlocked {
		resp.Unlocked = append(resp.Unlocked, unlockedBadgeResponse{
			Badge:         query.NewBadgeDTO(u.Badge),
			ConquistadoEm: u.ConquistadoEm.UTC(),
		})
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	handlers.WriteJSON(c, status, resp)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetProfile(c *gin.Context) {
	if s.deps.GetProfileHandler == nil {
		s.notConfigured(c)
		return
	}

	result, err := s.deps.GetProfileHandler.Handle(c.Request.Context(), query.GetProfileQuery{UserID: c.Param("id")})
	if err != nil {
		s.writeError(c, err)
		return
	}
	handlers.WriteJSON(c, http.StatusOK, result)
}

func (s *Server) handleGetUserBadges(c *gin.Context) {
	if s.deps.GetProfileHandler == nil {
		s.notConfigured(c)
		return
	}

	badges, err := s.deps.GetProfileHandler.ListUserBadges(c.Request.Context(), query.GetProfileQuery{UserID: c.Param("id")})
	if err != nil {
		s.writeError(c, err)
		return
	}
	handlers.WriteJSON(c, http.StatusOK, gin.H{"user_id": c.Param("id"), "badges": badges})
}

func (s *Server) handleListGrants(c *gin.Context) {
	if s.deps.ListGrantsHandler == nil {
		s.notConfigured(c)
		return
	}

	limit, ok := s.intQuery(c, "limit")
	if !ok {
		return
	}
	offset, ok := s.intQuery(c, "offset")
	if !ok {
		return
	}

	result, err := s.deps.ListGrantsHandler.Handle(c.Request.Context(), query.ListGrantsQuery{
		UserID: c.Param("id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	handlers.WriteJSON(c, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD & CATALOG HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetLeaderboard serves GET /api/v1/leaderboard?cohort_id=&window=&limit=&offset=.
func (s *Server) handleGetLeaderboard(c *gin.Context) {
	if s.deps.GetLeaderboardHandler == nil {
		s.notConfigured(c)
		return
	}

	limit, ok := s.intQuery(c, "limit")
	if !ok {
		return
	}
	offset, ok := s.intQuery(c, "offset")
	if !ok {
		return
	}

	result, err := s.deps.GetLeaderboardHandler.Handle(c.Request.Context(), query.GetLeaderboardQuery{
		CohortID: c.Query("cohort_id"),
		Window:   c.Query("window"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	handlers.WriteJSON(c, http.StatusOK, result)
}

func (s *Server) handleListBadges(c *gin.Context) {
	if s.deps.ListBadgesHandler == nil {
		s.notConfigured(c)
		return
	}

	badges, err := s.deps.ListBadgesHandler.Handle(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	handlers.WriteJSON(c, http.StatusOK, gin.H{"badges": badges})
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// intQuery parses an optional integer query parameter. A missing parameter is 0.
func (s *Server) intQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		handlers.AbortWithError(c, http.StatusBadRequest, "validation_error", key+" must be an integer")
		return 0, false
	}
	return v, true
}

// statusFor maps an engine error kind to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsConcurrencyConflict(err):
		return http.StatusConflict, "concurrency_conflict"
	case shared.IsStoreUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	_ = c.Error(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed", logger.Err(err))
		message = "An unexpected error occurred"
	}
	if status == http.StatusConflict || status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	handlers.AbortWithError(c, status, code, message)
}

func (s *Server) notConfigured(c *gin.Context) {
	handlers.AbortWithError(c, http.StatusNotImplemented, "not_configured", "Endpoint is not configured")
}
