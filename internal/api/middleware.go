package api

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger is a Gin middleware that logs every request with method, path,
// status code, and latency, prefixed with the serving node's id so a
// multi-node log tail can be attributed to a replica (cmd/server prefixes
// its own lifecycle logs with selfID the same way).
func Logger(selfID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("node %s: [%s] %s %s | %d | %s",
			selfID,
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery recovers from a panic in any later handler, logs it tagged with
// selfID for the same reason Logger is, and aborts with a 500 JSON error.
// It replaces Gin's default recovery rather than wrapping it.
func Recovery(selfID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("node %s: PANIC recovered: %v", selfID, err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
