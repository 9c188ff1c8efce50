package ai

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

type groupGenerator struct {
	items []IGenerator
}

// NewGroupGenerator tries each generator in order until one answers.
func NewGroupGenerator(items []IGenerator) IGenerator {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return items[0]
	}
	return &groupGenerator{items: items}
}

func (g *groupGenerator) Name() string {
	return "group"
}

func (g *groupGenerator) Generate(ctx context.Context, system string, prompt string) (string, error) {
	var lastErr error
	for i, item := range g.items {
		if item == nil {
			continue
		}
		res, err := item.Generate(ctx, system, prompt)
		if err == nil {
			return res, nil
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("generator failed", zap.Int("index", i), zap.String("name", item.Name()), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		return "", fmt.Errorf("generator not configured: %w", appErr.ErrGenerationUnavailable)
	}
	return "", lastErr
}
