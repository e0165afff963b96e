package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/fitforge/fitforge-backend/internal/artifact"
	"github.com/fitforge/fitforge-backend/internal/common"
	"github.com/fitforge/fitforge-backend/internal/plans"
	"github.com/fitforge/fitforge-backend/internal/prompt"
)

func (h *Handler) GenerateWorkoutPlan(c *gin.Context) {
	user, tier, ok := h.currentUser(c)
	if !ok {
		return
	}

	var ov prompt.WorkoutOverrides
	if err := c.ShouldBindJSON(&ov); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	plan, err := h.Orch.GenerateWorkoutPlan(c.Request.Context(), user.ID, tier, user.Profile(), ov)
	if err != nil {
		failFromOrchestrator(c, err)
		return
	}
	common.OK(c, gin.H{"workout_plan": plan})
}

func (h *Handler) GenerateMealPlan(c *gin.Context) {
	user, tier, ok := h.currentUser(c)
	if !ok {
		return
	}

	var ov prompt.MealOverrides
	if err := c.ShouldBindJSON(&ov); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	plan, err := h.Orch.GenerateMealPlan(c.Request.Context(), user.ID, tier, user.Profile(), ov)
	if err != nil {
		failFromOrchestrator(c, err)
		return
	}
	common.OK(c, gin.H{"meal_plan": plan})
}

type analyzeReq struct {
	Entries []prompt.ProgressEntry `json:"entries" binding:"required,min=1"`
	Goals   []string               `json:"goals"`
}

func (h *Handler) AnalyzeProgress(c *gin.Context) {
	user, tier, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req analyzeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	analysis, err := h.Orch.AnalyzeProgress(c.Request.Context(), user.ID, tier, user.Profile(), req.Entries, req.Goals)
	if err != nil {
		failFromOrchestrator(c, err)
		return
	}
	common.OK(c, gin.H{"analysis": analysis})
}

type asyncGenerateReq struct {
	Kind      artifact.Kind   `json:"kind" binding:"required"`
	Overrides json.RawMessage `json:"overrides"`
}

// GenerateAsync queues a plan generation for the background worker.
// An Idempotency-Key header makes retries safe.
func (h *Handler) GenerateAsync(c *gin.Context) {
	uid, _, ok := callerFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req asyncGenerateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Kind != artifact.KindWorkoutPlan && req.Kind != artifact.KindMealPlan {
		common.Fail(c, http.StatusBadRequest, 10004, "kind must be workout_plan or meal_plan")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	params := "{}"
	if len(req.Overrides) > 0 {
		params = string(req.Overrides)
	}

	j := &plans.Job{
		ID:             jobID,
		UserID:         uid,
		Kind:           req.Kind,
		Params:         params,
		IdempotencyKey: idempoKeyPtr,
		Status:         plans.JobQueued,
	}

	j, created, err := h.Plans.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("create_job_failed uid=%d kind=%s err=%v", uid, req.Kind, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			log.Printf("publish_job_failed uid=%d job=%s err=%v", uid, j.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	uid, _, ok := callerFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	jobID := c.Param("job_id")
	j, err := h.Plans.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":               j.ID,
			"kind":             j.Kind,
			"status":           j.Status,
			"result_record_id": j.ResultRecordID,
			"error":            j.Error,
			"created_at":       j.CreatedAt,
			"updated_at":       j.UpdatedAt,
		},
	})
}

func (h *Handler) ListPlans(c *gin.Context) {
	uid, _, ok := callerFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	kind := artifact.Kind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		common.Fail(c, http.StatusBadRequest, 10005, "unknown kind")
		return
	}

	recs, err := h.Plans.ListRecords(c.Request.Context(), uid, kind, 0)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	out := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		out = append(out, gin.H{
			"id":         r.ID,
			"kind":       r.Kind,
			"provider":   r.Provider,
			"artifact":   json.RawMessage(r.Artifact),
			"created_at": r.CreatedAt,
		})
	}
	common.OK(c, gin.H{"plans": out})
}
