package middleware

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit lets requests through while the shared limiter allows them.
// A request over the limit is passed to reject, which writes the response,
// and the chain is aborted.
func RateLimit(limit rate.Limit, burst int, reject gin.HandlerFunc) gin.HandlerFunc {
	limiter := rate.NewLimiter(limit, burst)

	return func(c *gin.Context) {
		if limiter.Allow() {
			c.Next()
			return
		}

		reject(c)
		c.Abort()
	}
}
