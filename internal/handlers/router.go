package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires the control surface. metricsHandler may be nil.
func NewRouter(h *DeviceHandler, metricsHandler http.Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Logger(logger), Recovery(logger), CORS())

	r.GET("/health", h.Health)
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	d := r.Group("/device")
	d.POST("/test", h.TestDevice)
	d.POST("/enroll", h.EnrollFingerprint)
	d.POST("/sync", h.SyncDevice)
	d.POST("/auto-sync/start", h.StartAutoSync)
	d.POST("/auto-sync/stop", h.StopAutoSync)
	d.GET("/auto-sync/status", h.AutoSyncStatus)

	return r
}
