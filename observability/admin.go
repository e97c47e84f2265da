package observability

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminRouter serves /health and /metrics for the node named node.
// ready reports whether the frame listener is accepting connections.
func AdminRouter(node string, ready func() bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	RegisterMetrics()
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		state := "ok"
		if ready != nil && !ready() {
			status = http.StatusServiceUnavailable
			state = "starting"
		}
		c.JSON(status, gin.H{
			"node":   node,
			"status": state,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
