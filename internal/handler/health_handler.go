package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragguard/internal/pkg/errcode"
	"github.com/xxxsen/ragguard/internal/service"
)

type HealthChecker interface {
	Check(ctx context.Context) *service.HealthReport
}

type HealthHandler struct {
	health HealthChecker
}

func NewHealthHandler(health HealthChecker) *HealthHandler {
	return &HealthHandler{health: health}
}

func (h *HealthHandler) Health(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	code := 0
	msg := "ok"
	if !report.OK {
		status = http.StatusServiceUnavailable
		code = errcode.ErrUnavailable
		msg = "degraded"
	}
	c.JSON(status, gin.H{"code": code, "msg": msg, "data": report})
}
