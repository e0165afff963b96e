package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fitforge/fitforge-backend/internal/common"
	"github.com/fitforge/fitforge-backend/internal/config"
	"github.com/fitforge/fitforge-backend/internal/httpapi/handlers"
	"github.com/fitforge/fitforge-backend/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	r.POST("/users", h.Register)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.GET("/me", h.Me)
	authGroup.PUT("/me/profile", h.UpdateProfile)

	// chat
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.POST("/chat/sessions/:session_id/messages", h.PostChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)

	// generation
	authGroup.POST("/ai/workout-plan", h.GenerateWorkoutPlan)
	authGroup.POST("/ai/meal-plan", h.GenerateMealPlan)
	authGroup.POST("/progress/analyze", h.AnalyzeProgress)
	authGroup.POST("/ai/generate/async", h.GenerateAsync)
	authGroup.GET("/ai/jobs/:job_id", h.GetJob)
	authGroup.GET("/ai/plans", h.ListPlans)

	return r
}
