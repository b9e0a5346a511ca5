package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore forbids caching of responses. Attempt state and results are
// per-user and change on every request.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
