package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/pkg/jwt"
	"github.com/xxxsen/ragguard/internal/pkg/response"
	"github.com/xxxsen/ragguard/internal/schedule"
	"github.com/xxxsen/ragguard/internal/service"
)

type IncidentReader interface {
	List(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error)
	Stats(ctx context.Context, limit int) ([]*model.RuleCount, error)
	Verify(ctx context.Context, batch int) (*service.ChainReport, error)
	Timeline(ctx context.Context, window, bucket time.Duration) ([]*model.IncidentBucket, error)
}

type UsageReader interface {
	Usage(ctx context.Context, window time.Duration) ([]*model.UsageBucket, error)
}

type JobReporter interface {
	Status() []schedule.JobStatus
}

type DocumentIngester interface {
	Ingest(ctx context.Context, req *service.IngestRequest) (*service.IngestResult, error)
}

type AdminOptions struct {
	Incidents IncidentReader
	Ingest    DocumentIngester
	Usage     UsageReader
	Jobs      JobReporter
	KeyHash   string
	Secret    []byte
	TTL       time.Duration
}

type AdminHandler struct {
	incidents IncidentReader
	ingest    DocumentIngester
	usage     UsageReader
	jobs      JobReporter
	keyHash   []byte
	secret    []byte
	ttl       time.Duration
}

func NewAdminHandler(opts AdminOptions) *AdminHandler {
	return &AdminHandler{
		incidents: opts.Incidents,
		ingest:    opts.Ingest,
		usage:     opts.Usage,
		jobs:      opts.Jobs,
		keyHash:   []byte(opts.KeyHash),
		secret:    opts.Secret,
		ttl:       opts.TTL,
	}
}

type tokenRequest struct {
	Key string `json:"key"`
}

// Token trades the admin key for a short lived bearer token.
func (h *AdminHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "key required")
		return
	}
	if len(h.keyHash) == 0 || bcrypt.CompareHashAndPassword(h.keyHash, []byte(req.Key)) != nil {
		logutil.GetLogger(c.Request.Context()).Warn("admin key rejected", zap.String("ip", c.ClientIP()))
		handleError(c, appErr.ErrUnauthorized)
		return
	}
	token, err := jwt.GenerateToken("admin", jwt.RoleAdmin, h.secret, h.ttl)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"token": token, "expires_in": int64(h.ttl.Seconds())})
}

func (h *AdminHandler) ListIncidents(c *gin.Context) {
	after := queryInt(c, "after", 0)
	limit := queryInt(c, "limit", 0)
	items, err := h.incidents.List(c.Request.Context(), int64(after), limit)
	if err != nil {
		handleError(c, err)
		return
	}
	next := int64(after)
	if len(items) > 0 {
		next = items[len(items)-1].SequenceNumber
	}
	response.Success(c, gin.H{"incidents": items, "next_after": next})
}

func (h *AdminHandler) IncidentStats(c *gin.Context) {
	stats, err := h.incidents.Stats(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"rules": stats})
}

func (h *AdminHandler) VerifyIncidents(c *gin.Context) {
	report, err := h.incidents.Verify(c.Request.Context(), queryInt(c, "batch", 0))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, report)
}

// IncidentTimeline counts rejected and flagged payloads per bucket.
func (h *AdminHandler) IncidentTimeline(c *gin.Context) {
	window := time.Duration(queryInt(c, "window_minutes", 60)) * time.Minute
	bucket := time.Duration(queryInt(c, "bucket_minutes", 5)) * time.Minute
	buckets, err := h.incidents.Timeline(c.Request.Context(), window, bucket)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"bucket_ms": bucket.Milliseconds(), "buckets": buckets})
}

func (h *AdminHandler) Usage(c *gin.Context) {
	if h.usage == nil {
		response.Success(c, gin.H{"usage": []*model.UsageBucket{}})
		return
	}
	window := time.Duration(queryInt(c, "window_minutes", 60)) * time.Minute
	items, err := h.usage.Usage(c.Request.Context(), window)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"usage": items})
}

func (h *AdminHandler) Jobs(c *gin.Context) {
	if h.jobs == nil {
		response.Success(c, gin.H{"jobs": []schedule.JobStatus{}})
		return
	}
	response.Success(c, gin.H{"jobs": h.jobs.Status()})
}

func (h *AdminHandler) IngestDocument(c *gin.Context) {
	var req service.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		handleError(c, appErr.ErrInvalid)
		return
	}
	res, err := h.ingest.Ingest(c.Request.Context(), &req)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"document_id": res.Document.ID, "chunks": res.Chunks})
}

func queryInt(c *gin.Context, name string, def int) int {
	value := c.Query(name)
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func newPayloadID() string {
	return uuid.NewString()
}
