package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/common"
	"github.com/fitforge/fitforge-backend/internal/config"
	"github.com/fitforge/fitforge-backend/internal/httpapi/middleware"
	"github.com/fitforge/fitforge-backend/internal/models"
	"github.com/fitforge/fitforge-backend/internal/orchestrator"
	"github.com/fitforge/fitforge-backend/internal/plans"
	"github.com/fitforge/fitforge-backend/internal/quota"
	"github.com/fitforge/fitforge-backend/internal/store/rabbitmq"
)

type Handler struct {
	DB     *gorm.DB
	Cfg    config.Config
	Orch   *orchestrator.Orchestrator
	Chats  *chat.Repo
	Plans  *plans.Repo
	Rabbit *rabbitmq.Publisher
}

func New(db *gorm.DB, cfg config.Config, orch *orchestrator.Orchestrator, chats *chat.Repo, planRepo *plans.Repo, rabbit *rabbitmq.Publisher) *Handler {
	return &Handler{DB: db, Cfg: cfg, Orch: orch, Chats: chats, Plans: planRepo, Rabbit: rabbit}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func callerFromContext(c *gin.Context) (uint64, quota.Tier, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, "", false
	}
	id, ok := v.(uint64)
	if !ok {
		return 0, "", false
	}
	tier := quota.TierFree
	if t, ok := c.Get(middleware.TierKey); ok {
		if s, ok := t.(string); ok && s != "" {
			tier = quota.Tier(s)
		}
	}
	return id, tier, true
}

func (h *Handler) currentUser(c *gin.Context) (*models.User, quota.Tier, bool) {
	uid, tier, ok := callerFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, "", false
	}
	var user models.User
	if err := h.DB.First(&user, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40103, "user no longer exists")
			return nil, "", false
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return nil, "", false
	}
	return &user, tier, true
}

// failFromOrchestrator maps the error taxonomy onto HTTP statuses:
// quota 429, provider unavailable/rate-limited 503, invalid generation
// 502, persistence 500, unknown session 404.
func failFromOrchestrator(c *gin.Context, err error) {
	var perr *orchestrator.PersistenceError
	switch {
	case errors.Is(err, orchestrator.ErrQuotaExceeded):
		common.Fail(c, http.StatusTooManyRequests, 42901, "daily AI request limit reached")
	case errors.Is(err, orchestrator.ErrTooManyStreams):
		common.Fail(c, http.StatusTooManyRequests, 42902, "too many concurrent streams")
	case errors.Is(err, orchestrator.ErrProviderRateLimited),
		errors.Is(err, orchestrator.ErrProviderUnavailable):
		common.Fail(c, http.StatusServiceUnavailable, 50301, "AI provider unavailable")
	case errors.Is(err, orchestrator.ErrInvalidGeneration):
		common.Fail(c, http.StatusBadGateway, 50201, "AI response failed validation")
	case errors.As(err, &perr):
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to save result")
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
