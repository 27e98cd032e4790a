package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tontinehq/tontine/internal/gateway/webhook"
	"github.com/tontinehq/tontine/internal/group/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetGroup(c *gin.Context) {
	groupID, ok := pathID(c)
	if !ok {
		return
	}

	var group domain.Group
	err := s.db.WithContext(c.Request.Context()).
		Where("id = ?", groupID).
		First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrGroupNotFound.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	var memberships []domain.Membership
	err = s.db.WithContext(c.Request.Context()).
		Where("group_id = ?", groupID).
		Order("payout_order ASC").
		Find(&memberships).Error
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"group": group, "memberships": memberships})
}

func (s *Server) ReactivateGroup(c *gin.Context) {
	groupID, ok := pathID(c)
	if !ok {
		return
	}

	err := s.engine.ReactivateGroup(c.Request.Context(), groupID)
	switch {
	case errors.Is(err, domain.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrGroupNotPaused):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.fail(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "reactivated"})
	}
}

// ScheduleGroup forces a schedule attempt, the operator path after
// fixing a group's dates by hand.
func (s *Server) ScheduleGroup(c *gin.Context) {
	groupID, ok := pathID(c)
	if !ok {
		return
	}

	err := s.sched.ScheduleNext(c.Request.Context(), groupID)
	switch {
	case errors.Is(err, domain.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrGroupNotActive),
		errors.Is(err, domain.ErrCycleInProgress),
		errors.Is(err, domain.ErrCyclesCompleted),
		errors.Is(err, domain.ErrNoScheduledCycle):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.fail(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "scheduled"})
	}
}

func (s *Server) QueueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) DeadJobs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	jobs, err := s.queue.DeadJobs(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) BreakerState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.breaker.State().String()})
}

func (s *Server) ForceCloseBreaker(c *gin.Context) {
	s.breaker.ForceClose()
	s.log.Warn("server.breaker.force_close", zap.String("remote", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"state": s.breaker.State().String()})
}

func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	evt := webhook.Event{
		Provider:  provider,
		EventID:   c.GetHeader("X-Event-Id"),
		EventType: c.GetHeader("X-Event-Type"),
		Payload:   payload,
	}
	err = s.webhook.ProcessEvent(c.Request.Context(), evt)
	switch {
	case errors.Is(err, webhook.ErrMissingEventID),
		errors.Is(err, webhook.ErrMissingReference):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		s.fail(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Error("server.request", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
