package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// Bearer-token auth for the query and import surface. The token comes from
// API_AUTH_TOKEN; when it is unset every request passes, which is the
// intended local-dev posture. The public group (websocket stream, import
// progress, health) never goes through this middleware.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")

	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[Auth] API_AUTH_TOKEN is empty in release mode; " +
			"listing queries and import endpoints will accept unauthenticated requests")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authorization required",
				"hint":  "send Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		scheme, presented, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "authorization header is not a bearer token"})
			c.Abort()
			return
		}

		// Constant-time compare so response latency does not leak prefix
		// matches.
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "token rejected"})
			c.Abort()
			return
		}

		c.Next()
	}
}
