package core

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminOnly ensures the session role is admin. Mount after RequireLogin.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		var role string
		if sess := sessionFrom(c); sess != nil {
			role, _ = sess.Values[sessionRole].(string)
		}
		if role != "admin" {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "需要管理员权限")
			c.Abort()
			return
		}
		c.Next()
	}
}
