package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/dispatch"
)

var heartbeatInterval = 15 * time.Second

type createSessionReq struct {
	Service string `json:"service"`
	Model   string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateEmptySession(c.Request.Context(), uid, req.Service, req.Model)
	if err != nil {
		failErr(c, "CreateChatSession", err)
		return
	}
	common.OK(c, gin.H{"session_id": sess.SessionID})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	sessions, total, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, page, limit)
	if err != nil {
		failErr(c, "ListChatSessions", err)
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	common.OK(c, gin.H{"sessions": sessions, "total": total})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess, msgs, err := h.ChatSvc.GetSessionDetail(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		failErr(c, "GetChatSession", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	common.OK(c, gin.H{"session": sess, "messages": msgs})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, c.Param("session_id")); err != nil {
		failErr(c, "DeleteChatSession", err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) ClearChatHistory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	n, err := h.ChatSvc.ClearHistory(c.Request.Context(), uid, c.Query("service"))
	if err != nil {
		failErr(c, "ClearChatHistory", err)
		return
	}
	common.OK(c, gin.H{"deleted": n})
}

func (h *Handler) CancelChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	common.OK(c, gin.H{"canceled": h.ChatSvc.Cancel(uid)})
}

func (h *Handler) ChatActive(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	common.OK(c, gin.H{"active": h.ChatSvc.IsActive(uid), "job_active": h.ChatSvc.JobActive(uid)})
}

// CancelChatJob stops the caller's running background job.
func (h *Handler) CancelChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	common.OK(c, gin.H{"canceled": h.ChatSvc.CancelJob(uid)})
}

type sendMessageReq struct {
	SessionID string       `json:"session_id"`
	Service   string       `json:"service"`
	Model     string       `json:"model"`
	Message   string       `json:"message" binding:"required"`
	Context   []ai.Message `json:"context"`
}

// SendChatMessageStream answers over SSE. Events: chunk, ping, then exactly one
// of done or error. Failures found before streaming starts are plain JSON errors.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	st, err := h.ChatSvc.SendMessage(ctx, chat.SendRequest{
		UserID:    uid,
		SessionID: req.SessionID,
		Service:   req.Service,
		Model:     req.Model,
		Message:   req.Message,
		Context:   req.Context,
	})
	if err != nil {
		failErr(c, "SendChatMessageStream", err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50002, "streaming not supported")
		h.ChatSvc.Cancel(uid)
		for range st.C {
		}
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ch, ok := <-st.C:
			if !ok {
				return
			}
			switch ch.Type {
			case dispatch.ChunkDelta:
				writeJSON("chunk", gin.H{"type": "chunk", "delta": ch.Delta})
			case dispatch.ChunkError:
				writeJSON("error", gin.H{
					"type":       "error",
					"kind":       ch.Kind,
					"status":     ch.Kind.HTTPStatus(),
					"message":    ch.Message,
					"session_id": st.SessionID,
				})
			case dispatch.ChunkDone:
				writeJSON("done", gin.H{
					"type":       "done",
					"session_id": st.SessionID,
					"request_id": st.RequestID,
					"service":    ch.Meta.Service,
					"model":      ch.Meta.Model,
					"attempts":   ch.Meta.Attempts,
					"committed":  ch.Meta.Committed,
				})
			}

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	job, created, err := h.ChatSvc.EnqueueMessage(c.Request.Context(), chat.EnqueueRequest{
		UserID:         uid,
		SessionID:      req.SessionID,
		Service:        req.Service,
		Model:          req.Model,
		Message:        req.Message,
		IdempotencyKey: idempoKey,
	})
	if err != nil {
		failErr(c, "SendChatMessageAsync", err)
		return
	}
	common.OK(c, gin.H{"job_id": job.ID, "session_id": job.SessionID, "created": created})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		failErr(c, "GetChatJob", err)
		return
	}
	common.OK(c, gin.H{"job": j})
}
