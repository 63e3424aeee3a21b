// Package middleware provides the gin middleware shared by every manager route.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CrossOrigin sets the cross-origin headers that let the worker frontend be
// embedded and fetched from any site, and answers preflight requests with 204.
func CrossOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, DELETE, PATCH")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Cross-Origin-Opener-Policy", "unsafe-none")
		h.Set("Cross-Origin-Embedder-Policy", "credentialless")
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
