package middleware

import "github.com/gin-gonic/gin"

type UsageObserver interface {
	Observe(route string, status int)
}

// Usage reports the matched route and final status of every request.
// Requests that match no route are not counted.
func Usage(observer UsageObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			return
		}
		observer.Observe(route, c.Writer.Status())
	}
}
