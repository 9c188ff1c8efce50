package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
)

const (
	maxChunkTokens    = 400
	overlapTokens     = 80
	codeSummaryTokens = 300
)

type Chunker struct {
	gen IGenerator
}

// NewChunker returns a chunker. gen is optional and only used to summarise
// long code blocks.
func NewChunker(gen IGenerator) *Chunker {
	return &Chunker{gen: gen}
}

// Chunk splits markdown along top level headings and block boundaries.
// Chunks carry contiguous positions starting at zero; document id and chunk
// id are left for the caller.
func (c *Chunker) Chunk(ctx context.Context, markdown string) ([]*model.Chunk, error) {
	logger := logutil.GetLogger(ctx)
	md := goldmark.New()
	reader := text.NewReader([]byte(markdown))
	doc := md.Parser().Parse(reader)

	var chunks []*model.Chunk
	var current []string
	var currentTokens int
	var fresh int
	currentType := model.ChunkTypeText
	currentHeading := ""

	emit := func(content string, chunkType model.ChunkType) {
		if currentHeading != "" {
			content = currentHeading + "\n" + content
		}
		chunks = append(chunks, &model.Chunk{
			Text:       content,
			Position:   len(chunks),
			ChunkType:  chunkType,
			TokenCount: estimateTokens(content),
		})
	}

	flush := func() {
		if fresh == 0 {
			return
		}
		emit(strings.Join(current, "\n\n"), currentType)
		logger.Debug("flushing chunk",
			zap.Int("position", len(chunks)-1),
			zap.String("type", string(currentType)),
			zap.Int("tokens", currentTokens),
		)
		if currentType == model.ChunkTypeText && len(current) > 1 {
			tokens := 0
			var overlap []string
			for i := len(current) - 1; i >= 0; i-- {
				t := estimateTokens(current[i])
				if tokens+t > overlapTokens {
					break
				}
				tokens += t
				overlap = append([]string{current[i]}, overlap...)
			}
			current = overlap
			currentTokens = tokens
		} else {
			current = nil
			currentTokens = 0
		}
		fresh = 0
		currentType = model.ChunkTypeText
	}

	add := func(part string, tokens int) {
		current = append(current, part)
		currentTokens += tokens
		fresh++
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			heading := extractText(n, reader.Source())
			if n.Level <= 2 {
				flush()
				current = nil
				currentTokens = 0
				currentHeading = heading
				continue
			}
			add(heading, estimateTokens(heading))
		case *ast.FencedCodeBlock:
			lang := string(n.Language(reader.Source()))
			var code strings.Builder
			for i := 0; i < n.Lines().Len(); i++ {
				line := n.Lines().At(i)
				code.Write(line.Value(reader.Source()))
			}
			block := "```" + lang + "\n" + strings.TrimRight(code.String(), "\n") + "\n```"
			tokens := estimateTokens(code.String())
			if tokens > codeSummaryTokens && c.gen != nil {
				summary, err := c.summarizeCode(ctx, code.String())
				if err == nil {
					flush()
					emit(summary, model.ChunkTypeCode)
					continue
				}
				logger.Warn("code summary failed, keeping code", zap.Error(err))
			}
			if currentTokens > 0 && currentTokens+tokens <= maxChunkTokens {
				add(block, tokens)
				currentType = model.ChunkTypeMixed
				continue
			}
			flush()
			current = nil
			currentTokens = 0
			add(block, tokens)
			currentType = model.ChunkTypeCode
			flush()
		default:
			txt := extractText(n, reader.Source())
			if txt == "" {
				continue
			}
			tokens := estimateTokens(txt)
			if currentTokens+tokens > maxChunkTokens {
				flush()
			}
			add(txt, tokens)
		}
	}
	flush()
	logger.Info("markdown chunking completed", zap.Int("chunks", len(chunks)))
	return chunks, nil
}

// ChunkPlain groups blank line separated paragraphs up to the token cap.
func (c *Chunker) ChunkPlain(ctx context.Context, raw string) []*model.Chunk {
	var chunks []*model.Chunk
	var current []string
	tokens := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		content := strings.Join(current, "\n\n")
		chunks = append(chunks, &model.Chunk{
			Text:       content,
			Position:   len(chunks),
			ChunkType:  model.ChunkTypeText,
			TokenCount: estimateTokens(content),
		})
		current = nil
		tokens = 0
	}
	for _, para := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		t := estimateTokens(para)
		if tokens+t > maxChunkTokens {
			flush()
		}
		current = append(current, para)
		tokens += t
	}
	flush()
	logutil.GetLogger(ctx).Debug("plain chunking completed", zap.Int("chunks", len(chunks)))
	return chunks
}

func (c *Chunker) summarizeCode(ctx context.Context, code string) (string, error) {
	prompt := fmt.Sprintf("Summarize the following code block in 1-2 sentences. Focus on its purpose and key logic.\n\nCODE:\n%s", code)
	summary, err := c.gen.Generate(ctx, "", prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(summary) == "" {
		return "", fmt.Errorf("empty code summary")
	}
	return summary, nil
}

// estimateTokens counts words for latin text and one token per rune above
// ascii.
func estimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}

func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := node.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
