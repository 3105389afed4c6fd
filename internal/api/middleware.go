package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("Server: request failed", append(attrs, "errors", c.Errors.String())...)
			return
		}
		logger.Debug("Server: request served", attrs...)
	}
}

func recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Server: handler panicked", "path", c.Request.URL.Path, "panic", recovered)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprint("unexpected error: ", recovered))
	})
}
