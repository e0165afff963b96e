package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fitforge/fitforge-backend/internal/common"
)

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic_recovered path=%s err=%v", c.FullPath(), r)
				if !c.Writer.Written() {
					common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
