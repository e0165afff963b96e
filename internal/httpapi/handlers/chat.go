package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/common"
	"github.com/fitforge/fitforge-backend/internal/models"
	"github.com/fitforge/fitforge-backend/internal/orchestrator"
	"github.com/fitforge/fitforge-backend/internal/quota"
)

type createSessionReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, _, ok := callerFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sid, err := chat.NewSessionID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}
	sess := &chat.Session{
		SessionID:     sid,
		UserID:        uid,
		Title:         strings.TrimSpace(req.Title),
		LastMessageAt: time.Now(),
	}
	if err := h.Chats.CreateSession(c.Request.Context(), sess); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	common.OK(c, gin.H{"session_id": sess.SessionID})
}

type postMessageReq struct {
	Content string `json:"content" binding:"required"`
}

// PostChatMessage handles POST /chat/sessions/:session_id/messages.
// With Accept: text/event-stream the reply is streamed as SSE frames;
// otherwise the full assistant message is returned as JSON.
func (h *Handler) PostChatMessage(c *gin.Context) {
	user, tier, ok := h.currentUser(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	var req postMessageReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "content required")
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamChatMessage(c, user, tier, sessionID, req.Content)
		return
	}

	msg, err := h.Orch.Chat(c.Request.Context(), user.ID, tier, user.Profile(), sessionID, req.Content)
	if err != nil {
		failFromOrchestrator(c, err)
		return
	}
	common.OK(c, gin.H{"message": msg})
}

func (h *Handler) streamChatMessage(c *gin.Context, user *models.User, tier quota.Tier, sessionID, content string) {
	ctx := c.Request.Context()
	stream, err := h.Orch.OpenChatStream(ctx, user.ID, tier, user.Profile(), sessionID, content)
	if err != nil {
		failFromOrchestrator(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "data: {\"error\":\"streaming unsupported\"}\n\n")
		return
	}

	writeFrame := func(payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "data: {\"error\":\"encode failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", b)
		flusher.Flush()
	}

	// comment frames keep idle connections alive without touching the
	// data contract
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	// Done carries the terminal message buffered, so a closed sibling
	// channel may be ready in the same select round; closed channels are
	// nilled out rather than treated as terminal.
	for {
		if stream.Done == nil && stream.Errs == nil {
			// cancelled turn: both closed without a value
			return
		}
		select {
		case delta, ok := <-stream.Deltas:
			if !ok {
				stream.Deltas = nil
				continue
			}
			writeFrame(gin.H{"delta": delta})

		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping\n\n")
			flusher.Flush()

		case err, ok := <-stream.Errs:
			if !ok {
				stream.Errs = nil
				continue
			}
			writeFrame(gin.H{"error": streamErrorMessage(err)})
			return

		case msg, ok := <-stream.Done:
			if !ok {
				stream.Done = nil
				continue
			}
			// flush any deltas still buffered ahead of the terminator
			if stream.Deltas != nil {
				for delta := range stream.Deltas {
					writeFrame(gin.H{"delta": delta})
				}
				stream.Deltas = nil
			}
			writeFrame(gin.H{"done": true, "message": msg})
			return

		case <-ctx.Done():
			// client disconnected; orchestrator discards partial output
			return
		}
	}
}

func streamErrorMessage(err error) string {
	var perr *orchestrator.PersistenceError
	switch {
	case errors.Is(err, orchestrator.ErrQuotaExceeded):
		return "daily AI request limit reached"
	case errors.Is(err, orchestrator.ErrProviderRateLimited),
		errors.Is(err, orchestrator.ErrProviderUnavailable):
		return "AI provider unavailable"
	case errors.Is(err, orchestrator.ErrInvalidGeneration):
		return "AI response failed validation"
	case errors.As(err, &perr):
		return "failed to save the reply; the turn did not complete"
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "session not found"
	default:
		return "internal error"
	}
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, _, ok := callerFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.Chats.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
