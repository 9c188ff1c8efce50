package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/response"
	"github.com/xxxsen/ragguard/internal/service"
)

type QueryRunner interface {
	Query(ctx context.Context, req *service.QueryRequest) (*service.QueryResult, error)
}

type PayloadChecker interface {
	Check(ctx context.Context, p *model.Payload) (*model.Verdict, *model.Incident, error)
}

type QueryHandler struct {
	queries      QueryRunner
	gate         PayloadChecker
	maxBodyBytes int64
	// trustClientKey lets X-Client-Key pick the rate bucket. Only enable it
	// behind a proxy that sets the header itself.
	trustClientKey bool
}

func NewQueryHandler(queries QueryRunner, gate PayloadChecker, maxBodyBytes int64, trustClientKey bool) *QueryHandler {
	return &QueryHandler{queries: queries, gate: gate, maxBodyBytes: maxBodyBytes, trustClientKey: trustClientKey}
}

type queryRequest struct {
	Text        string   `json:"text"`
	Tenant      string   `json:"tenant"`
	DocumentIDs []string `json:"document_ids"`
}

type incidentRef struct {
	SequenceNumber int64           `json:"sequence_number"`
	Direction      model.Direction `json:"direction"`
	Severity       model.Severity  `json:"severity"`
	RuleIDs        []string        `json:"rule_ids_triggered"`
}

type queryResponse struct {
	QueryID   string           `json:"query_id"`
	Answer    string           `json:"answer"`
	Citations []model.Citation `json:"citations"`
	Coarse    bool             `json:"coarse_citations"`
	Grounded  bool             `json:"grounded"`
	Declined  bool             `json:"declined"`
	Withheld  bool             `json:"withheld"`
	Incidents []incidentRef    `json:"incidents"`
}

// Query answers a question. Inbound rules see the raw body and query
// string, so decoding here is best effort; the pipeline validates first and
// reports a missing text afterwards.
func (h *QueryHandler) Query(c *gin.Context) {
	body, err := readBody(c, h.maxBodyBytes)
	if err != nil {
		handleError(c, err)
		return
	}
	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		req = queryRequest{}
	}
	res, err := h.queries.Query(c.Request.Context(), &service.QueryRequest{
		Text:        req.Text,
		Tenant:      req.Tenant,
		DocumentIDs: req.DocumentIDs,
		Body:        body,
		RawQuery:    c.Request.URL.RawQuery,
		ClientKey:   clientKey(c, h.trustClientKey),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	out := queryResponse{
		QueryID:   res.QueryID,
		Answer:    res.Answer.Text,
		Citations: res.Answer.Citations,
		Coarse:    res.Answer.Coarse,
		Grounded:  res.Answer.Grounded,
		Declined:  res.Answer.Declined,
		Withheld:  res.Withheld,
		Incidents: make([]incidentRef, 0, len(res.Incidents)),
	}
	for _, inc := range res.Incidents {
		out.Incidents = append(out.Incidents, incidentRef{
			SequenceNumber: inc.SequenceNumber,
			Direction:      inc.Direction,
			Severity:       inc.Severity,
			RuleIDs:        inc.RuleIDs,
		})
	}
	response.Success(c, out)
}

type validateResponse struct {
	PayloadID      string                 `json:"payload_id"`
	Status         model.ValidationStatus `json:"status"`
	TriggeredRules []string               `json:"triggered_rules"`
	IncidentSeq    int64                  `json:"incident_sequence,omitempty"`
}

// Validate evaluates an arbitrary payload as inbound traffic. A rejection is
// the answer here, not an error.
func (h *QueryHandler) Validate(c *gin.Context) {
	body, err := readBody(c, h.maxBodyBytes)
	if err != nil {
		handleError(c, err)
		return
	}
	direction := model.DirectionInbound
	if c.Query("direction") == string(model.DirectionOutbound) {
		direction = model.DirectionOutbound
	}
	p := &model.Payload{
		ID:        newPayloadID(),
		Direction: direction,
		Body:      body,
		ClientKey: clientKey(c, h.trustClientKey),
		RawQuery:  c.Request.URL.RawQuery,
	}
	verdict, inc, err := h.gate.Check(c.Request.Context(), p)
	var rejected *service.RejectedError
	if err != nil && !errors.As(err, &rejected) {
		handleError(c, err)
		return
	}
	out := validateResponse{PayloadID: p.ID, Status: verdict.Status, TriggeredRules: verdict.TriggeredRules}
	if inc != nil {
		out.IncidentSeq = inc.SequenceNumber
	}
	response.Success(c, out)
}
