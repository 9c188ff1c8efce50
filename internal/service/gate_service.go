package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

// RejectedError is returned when a payload must not be forwarded. It only
// exposes rule ids, never rule internals.
type RejectedError struct {
	Verdict  *model.Verdict
	Incident *model.Incident
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s payload rejected by %s", e.Verdict.Direction, strings.Join(e.Verdict.TriggeredRules, ","))
}

func (e *RejectedError) Unwrap() error {
	return appErr.ErrValidationRejected
}

type PayloadEvaluator interface {
	Evaluate(ctx context.Context, p *model.Payload) *model.Verdict
}

// PayloadGate runs a payload through the validator and writes an incident
// for anything that is not a clean pass.
type PayloadGate struct {
	validator PayloadEvaluator
	incidents *IncidentLogger
}

func NewPayloadGate(validator PayloadEvaluator, incidents *IncidentLogger) *PayloadGate {
	return &PayloadGate{validator: validator, incidents: incidents}
}

// Check returns the verdict and, when rules fired, the incident recorded
// for it. A rejected payload yields a *RejectedError; a failed incident
// write yields ErrAuditWriteFailed and the payload is never forwarded.
func (g *PayloadGate) Check(ctx context.Context, p *model.Payload) (*model.Verdict, *model.Incident, error) {
	verdict := g.validator.Evaluate(ctx, p)
	if verdict.Status == model.StatusPass {
		return verdict, nil, nil
	}
	logutil.GetLogger(ctx).Warn("payload triggered rules",
		zap.String("payload_id", p.ID),
		zap.String("direction", string(p.Direction)),
		zap.String("status", string(verdict.Status)),
		zap.Strings("rules", verdict.TriggeredRules),
	)
	inc, err := g.incidents.Record(ctx, p, verdict.TriggeredRules, verdict.Severity)
	if err != nil {
		return verdict, nil, err
	}
	if verdict.Status == model.StatusRejected {
		return verdict, inc, &RejectedError{Verdict: verdict, Incident: inc}
	}
	return verdict, inc, nil
}
