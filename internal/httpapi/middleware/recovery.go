package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/common"
)

// Recovery turns a handler panic into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[panic] request_id=%s path=%s err=%v\n%s", c.GetString(RequestIDKey), c.Request.URL.Path, r, debug.Stack())
				if !c.Writer.Written() {
					common.Abort(c, http.StatusInternalServerError, 50000, "internal error")
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
