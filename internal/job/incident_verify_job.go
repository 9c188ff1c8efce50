package job

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/service"
)

const IncidentVerifyJobName = "incident_chain_verify"

type ChainVerifier interface {
	Verify(ctx context.Context, batch int) (*service.ChainReport, error)
}

// IncidentVerifyJob re-checks the incident hash chain end to end.
type IncidentVerifyJob struct {
	verifier ChainVerifier
	batch    int
}

func NewIncidentVerifyJob(verifier ChainVerifier, batch int) *IncidentVerifyJob {
	return &IncidentVerifyJob{verifier: verifier, batch: batch}
}

func (j *IncidentVerifyJob) Name() string {
	return IncidentVerifyJobName
}

func (j *IncidentVerifyJob) Run(ctx context.Context) error {
	report, err := j.verifier.Verify(ctx, j.batch)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx).With(zap.Int64("checked", report.Checked), zap.Int64("last_sequence", report.LastSequence))
	if !report.OK {
		logger.Error("incident chain broken", zap.Int64("broken_at", report.BrokenAt), zap.String("reason", report.Reason))
		return fmt.Errorf("incident chain broken at %d: %s", report.BrokenAt, report.Reason)
	}
	logger.Info("incident chain intact")
	return nil
}
