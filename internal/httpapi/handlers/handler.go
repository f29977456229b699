package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-relay/internal/inflight"
)

// Services lists the backends a deployment can route to.
type Services interface {
	Services() []string
}

type Handler struct {
	ChatSvc  *chat.Service
	Backends Services
}

func NewHandler(svc *chat.Service, backends Services) *Handler {
	return &Handler{ChatSvc: svc, Backends: backends}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) ListServices(c *gin.Context) {
	var names []string
	if h.Backends != nil {
		names = h.Backends.Services()
	}
	common.OK(c, gin.H{"services": names})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

// error codes: <http status><two digit detail>
var kindCodes = map[ai.Kind]int{
	ai.KindTimeout:            50401,
	ai.KindServiceUnavailable: 50301,
	ai.KindNetwork:            50302,
	ai.KindInvalidModel:       40010,
	ai.KindCanceled:           49901,
	ai.KindUnknown:            50001,
}

// failErr writes the envelope for an error returned before any streaming began.
func failErr(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, chat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
	case errors.Is(err, inflight.ErrAlreadyActive):
		common.Fail(c, http.StatusConflict, 40901, "a request is already in progress")
	default:
		cl := ai.Classify(err)
		if cl.Kind == ai.KindUnknown {
			log.Printf("[%s] request_id=%s err=%v", op, c.GetString(middleware.RequestIDKey), err)
		}
		common.Fail(c, cl.Kind.HTTPStatus(), kindCodes[cl.Kind], cl.UserMessage)
	}
}
