package validator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
)

// predicate reports whether a payload violates a rule.
type predicate interface {
	Violated(p *model.Payload, now time.Time) (bool, error)
}

type compiledRule struct {
	rule       model.ValidationRule
	directions map[model.Direction]bool
	pred       predicate
}

type Options struct {
	// RateKeyCapacity bounds the number of tracked keys per rate rule.
	RateKeyCapacity int
	Now             func() time.Time
}

// Validator evaluates every applicable rule against a payload and folds
// the results into one verdict. It is safe for concurrent use.
type Validator struct {
	rules []*compiledRule
	now   func() time.Time
}

func New(rules []model.ValidationRule, opts Options) (*Validator, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RateKeyCapacity <= 0 {
		opts.RateKeyCapacity = 10000
	}
	seen := make(map[string]bool, len(rules))
	compiled := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule id is required")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		seen[r.ID] = true
		cr, err := compile(r, opts)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		compiled = append(compiled, cr)
	}
	return &Validator{rules: compiled, now: opts.Now}, nil
}

func compile(r model.ValidationRule, opts Options) (*compiledRule, error) {
	if !r.Severity.Valid() {
		return nil, fmt.Errorf("severity must be flag or reject, got %q", r.Severity)
	}
	if r.Mitre != nil && (r.Mitre.ID == "" || r.Mitre.Tactic == "") {
		return nil, fmt.Errorf("mitre tag needs id and tactic")
	}
	dirs := make(map[model.Direction]bool, 2)
	if len(r.Directions) == 0 {
		dirs[model.DirectionInbound] = true
		dirs[model.DirectionOutbound] = true
	}
	for _, d := range r.Directions {
		if d != model.DirectionInbound && d != model.DirectionOutbound {
			return nil, fmt.Errorf("unknown direction %q", d)
		}
		dirs[d] = true
	}
	var (
		pred predicate
		err  error
	)
	switch r.Kind {
	case model.RuleKindSchema:
		if r.Schema == nil {
			return nil, fmt.Errorf("schema rule without schema predicate")
		}
		pred, err = newSchemaPredicate(r.Schema)
	case model.RuleKindPolicy:
		if r.Policy == nil {
			return nil, fmt.Errorf("policy rule without policy predicate")
		}
		pred, err = newPolicyPredicate(r.Policy)
	case model.RuleKindRate:
		if r.Rate == nil {
			return nil, fmt.Errorf("rate rule without rate predicate")
		}
		pred, err = newRatePredicate(r.Rate, opts.RateKeyCapacity)
	default:
		return nil, fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	if err != nil {
		return nil, err
	}
	return &compiledRule{rule: r, directions: dirs, pred: pred}, nil
}

// Evaluate runs all rules that apply to the payload direction. A rule that
// errors counts as triggered.
func (v *Validator) Evaluate(ctx context.Context, p *model.Payload) *model.Verdict {
	logger := logutil.GetLogger(ctx)
	now := v.now()
	severity := model.SeverityPass
	triggered := make([]string, 0)
	for _, cr := range v.rules {
		if !cr.directions[p.Direction] {
			continue
		}
		hit, err := evalSafe(cr.pred, p, now)
		if err != nil {
			logger.Error("rule evaluation failed", zap.String("rule", cr.rule.ID), zap.Error(err))
			hit = true
		}
		if !hit {
			continue
		}
		logger.Debug("rule triggered", zap.String("rule", cr.rule.ID), zap.String("payload_id", p.ID))
		triggered = append(triggered, cr.rule.ID)
		severity = severity.Max(cr.rule.Severity)
	}
	sort.Strings(triggered)
	return &model.Verdict{
		PayloadID:      p.ID,
		Direction:      p.Direction,
		Status:         statusOf(severity),
		Severity:       severity,
		TriggeredRules: triggered,
	}
}

func (v *Validator) Rules() []model.ValidationRule {
	out := make([]model.ValidationRule, 0, len(v.rules))
	for _, cr := range v.rules {
		out = append(out, cr.rule)
	}
	return out
}

func evalSafe(pred predicate, p *model.Payload, now time.Time) (hit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			hit, err = true, fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return pred.Violated(p, now)
}

func statusOf(s model.Severity) model.ValidationStatus {
	switch s {
	case model.SeverityReject:
		return model.StatusRejected
	case model.SeverityFlag:
		return model.StatusFlagged
	default:
		return model.StatusPass
	}
}
