package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/middleware"
	"github.com/xxxsen/ragguard/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/pkg/response"
	"github.com/xxxsen/ragguard/internal/service"
)

const headerClientKey = "X-Client-Key"

const rejectReason = "request blocked by validation policy"

type rejection struct {
	Status         string   `json:"status"`
	Reason         string   `json:"reason"`
	TriggeredRules []string `json:"triggered_rules"`
	IncidentSeq    int64    `json:"incident_sequence,omitempty"`
}

// clientKey identifies the caller for rate rules. X-Client-Key and the
// forwarding headers are caller controlled, so they only count when the
// deployment sits behind a proxy that sets them; otherwise the socket peer
// address is the key.
func clientKey(c *gin.Context, trustHeaders bool) string {
	if !trustHeaders {
		if ip := c.RemoteIP(); ip != "" {
			return ip
		}
		return c.Request.RemoteAddr
	}
	if key := strings.TrimSpace(c.GetHeader(headerClientKey)); key != "" {
		return key
	}
	return c.ClientIP()
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errPayloadTooLarge
		}
		return nil, appErr.ErrInvalid
	}
	return body, nil
}

var errPayloadTooLarge = errors.New("payload too large")

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
	)
	var rejected *service.RejectedError
	if errors.As(err, &rejected) {
		logger.Warn("request rejected", zap.Strings("rules", rejected.Verdict.TriggeredRules))
		body := rejection{Status: "reject", Reason: rejectReason, TriggeredRules: rejected.Verdict.TriggeredRules}
		if rejected.Incident != nil {
			body.IncidentSeq = rejected.Incident.SequenceNumber
		}
		response.Reject(c, body)
		return
	}
	logger.Error("request failed", zap.Error(err))
	switch {
	case errors.Is(err, errPayloadTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, errcode.ErrInvalid, "payload too large")
	case errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, http.StatusNotFound, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, http.StatusConflict, errcode.ErrConflict, "conflict")
	case errors.Is(err, appErr.ErrAuditWriteFailed):
		response.Error(c, http.StatusInternalServerError, errcode.ErrAuditFailed, "internal error")
	case errors.Is(err, appErr.ErrPoolExhausted), appErr.IsTransient(err):
		response.Error(c, http.StatusServiceUnavailable, errcode.ErrUnavailable, "service unavailable")
	default:
		response.Error(c, http.StatusInternalServerError, errcode.ErrInternal, "internal error")
	}
}
