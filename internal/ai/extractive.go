package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const extractiveUnknown = "I do not know based on the available documents."

type extractiveConfig struct {
	MaxSentences int `json:"max_sentences"`
}

// extractiveProvider answers offline by quoting the context sentences that
// share the most words with the question, each followed by its marker.
type extractiveProvider struct {
	maxSentences int
}

type scoredSentence struct {
	text  string
	index int
	order int
	score int
}

func (p *extractiveProvider) Name() string {
	return "extractive"
}

func (p *extractiveProvider) Generate(ctx context.Context, model string, system string, prompt string) (string, error) {
	question, frags := parsePrompt(prompt)
	if len(frags) == 0 {
		return extractiveUnknown, nil
	}
	terms := make(map[string]struct{})
	for _, t := range tokenize(question) {
		if len(t) > 2 {
			terms[t] = struct{}{}
		}
	}
	candidates := make([]scoredSentence, 0)
	order := 0
	for _, f := range frags {
		for _, s := range splitSentences(f.text) {
			score := 0
			for _, t := range tokenize(s) {
				if _, ok := terms[t]; ok {
					score++
				}
			}
			if score > 0 {
				candidates = append(candidates, scoredSentence{text: s, index: f.index, order: order, score: score})
			}
			order++
		}
	}
	if len(candidates) == 0 {
		return extractiveUnknown, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > p.maxSentences {
		candidates = candidates[:p.maxSentences]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].order < candidates[j].order
	})
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		parts = append(parts, fmt.Sprintf("%s [%d]", c.text, c.index))
	}
	return strings.Join(parts, " "), nil
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(text[start : i+1]); len(s) > 1 {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func createExtractiveFactory(args interface{}) (IGenProvider, error) {
	cfg := &extractiveConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 2
	}
	return &extractiveProvider{maxSentences: cfg.MaxSentences}, nil
}

func init() {
	Register("extractive", createExtractiveFactory)
}
