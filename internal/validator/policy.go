package validator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/xxxsen/ragguard/internal/model"
)

type policyPredicate struct {
	patterns []*regexp.Regexp
	keywords []string
	paths    []string
}

func newPolicyPredicate(spec *model.PolicyPredicate) (*policyPredicate, error) {
	p := &policyPredicate{paths: spec.Paths}
	for _, expr := range spec.Patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	for _, kw := range spec.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			p.keywords = append(p.keywords, kw)
		}
	}
	if len(p.patterns) == 0 && len(p.keywords) == 0 {
		return nil, fmt.Errorf("policy predicate needs patterns or keywords")
	}
	return p, nil
}

// targets returns the text to inspect: the whole body plus the decoded query
// string, or only the values at the configured json paths.
func (p *policyPredicate) targets(payload *model.Payload) []string {
	body := payload.Body
	if len(p.paths) == 0 || !gjson.ValidBytes(body) {
		out := []string{string(body)}
		if payload.RawQuery != "" {
			out = append(out, decodeQuery(payload.RawQuery))
		}
		return out
	}
	out := make([]string, 0, len(p.paths))
	for _, path := range p.paths {
		res := gjson.GetBytes(body, path)
		if res.Exists() {
			out = append(out, res.String())
		}
	}
	return out
}

// decodeQuery unescapes a raw query string. Malformed escapes are inspected
// as sent.
func decodeQuery(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func (p *policyPredicate) Violated(payload *model.Payload, _ time.Time) (bool, error) {
	for _, text := range p.targets(payload) {
		for _, re := range p.patterns {
			if re.MatchString(text) {
				return true, nil
			}
		}
		if len(p.keywords) == 0 {
			continue
		}
		lower := strings.ToLower(text)
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return true, nil
			}
		}
	}
	return false, nil
}
