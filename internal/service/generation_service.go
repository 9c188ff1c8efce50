package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/ai"
	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

const declineText = "I could not find anything in the indexed documents that answers this question."

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// GenerationInvoker sends the query and its context to the generation
// backend and maps citation markers in the reply back to chunks.
type GenerationInvoker struct {
	gen           ai.IGenerator
	maxInputChars int
	noContext     string
}

func NewGenerationInvoker(gen ai.IGenerator, maxInputChars int, noContext string) *GenerationInvoker {
	if noContext == "" {
		noContext = config.NoContextDecline
	}
	return &GenerationInvoker{gen: gen, maxInputChars: maxInputChars, noContext: noContext}
}

func (g *GenerationInvoker) Generate(ctx context.Context, q *model.Query, c *model.Context) (*model.Answer, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("query_id", q.ID))
	if c.Empty() && g.noContext == config.NoContextDecline {
		logger.Info("no context, declining")
		return &model.Answer{Text: declineText, Citations: []model.Citation{}, Declined: true}, nil
	}
	system := ai.GroundedSystemPrompt
	var fragments []model.ContextFragment
	if c.Empty() {
		system = ai.OpenSystemPrompt
	} else {
		fragments = c.Fragments
	}
	prompt := ai.BuildPrompt(q.Text, fragments)
	if size := utf8.RuneCountInString(system) + utf8.RuneCountInString(prompt); g.maxInputChars > 0 && size > g.maxInputChars {
		return nil, fmt.Errorf("prompt has %d chars, limit %d: %w", size, g.maxInputChars, appErr.ErrContextTooLarge)
	}
	text, err := g.gen.Generate(ctx, system, prompt)
	if err != nil {
		if !errors.Is(err, appErr.ErrGenerationUnavailable) && !errors.Is(err, appErr.ErrContextTooLarge) {
			err = fmt.Errorf("%w: %w", appErr.ErrGenerationUnavailable, err)
		}
		return nil, err
	}
	answer := &model.Answer{Text: text, Citations: []model.Citation{}, Grounded: !c.Empty()}
	if c.Empty() {
		return answer, nil
	}
	answer.Citations = ParseCitations(text, c.Fragments)
	if len(answer.Citations) == 0 {
		answer.Coarse = true
		for _, f := range c.Fragments {
			answer.Citations = append(answer.Citations, model.Citation{ChunkID: f.ChunkID})
		}
	}
	logger.Info("answer generated",
		zap.Int("citations", len(answer.Citations)),
		zap.Bool("coarse", answer.Coarse),
	)
	return answer, nil
}

// ParseCitations finds [n] markers in text. Each valid marker cites the
// text between the previous marker and itself; adjacent markers share the
// same span. Offsets are byte offsets into text. Unknown indices are
// ignored.
func ParseCitations(text string, fragments []model.ContextFragment) []model.Citation {
	byIndex := make(map[int]string, len(fragments))
	for _, f := range fragments {
		byIndex[f.Index] = f.ChunkID
	}
	out := make([]model.Citation, 0)
	segStart := 0
	lastStart, lastEnd := 0, 0
	for _, loc := range citationMarker.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		chunkID, ok := byIndex[n]
		start, end := trimSpan(text, segStart, loc[0])
		if start == end {
			start, end = lastStart, lastEnd
		}
		segStart = loc[1]
		if err != nil || !ok || start == end {
			continue
		}
		lastStart, lastEnd = start, end
		out = append(out, model.Citation{ChunkID: chunkID, Start: start, End: end})
	}
	return out
}

func trimSpan(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}

// redact is used when an answer must not reach the caller.
func redact(a *model.Answer) *model.Answer {
	return &model.Answer{
		Text:      "",
		Citations: []model.Citation{},
		Grounded:  a.Grounded,
	}
}
