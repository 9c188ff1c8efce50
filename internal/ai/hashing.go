package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// hashingProvider embeds text locally by feature hashing word tokens into a
// fixed number of buckets. It needs no network and is fully deterministic.
type hashingProvider struct {
	dimension int
}

func (p *hashingProvider) Name() string {
	return "hashing"
}

func (p *hashingProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	vec := make([]float32, p.dimension)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum>>63 == 1 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	return Normalize(vec), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func createHashingFactory(args interface{}, opts EmbedOptions) (IEmbedProvider, error) {
	cfg := &struct {
		Dimension int `json:"dimension"`
	}{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = opts.Dimension
	}
	if dim <= 0 {
		return nil, fmt.Errorf("hashing embedder requires a dimension")
	}
	return &hashingProvider{dimension: dim}, nil
}

func init() {
	RegisterEmbed("hashing", createHashingFactory)
}
