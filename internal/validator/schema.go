package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/xxxsen/ragguard/internal/model"
)

var validate = validator.New()

type fieldCheck struct {
	path     string
	tag      string
	required bool
}

type schemaPredicate struct {
	json      bool
	required  []string
	forbidden []string
	fields    []fieldCheck
	maxBytes  int
}

func newSchemaPredicate(spec *model.SchemaPredicate) (*schemaPredicate, error) {
	p := &schemaPredicate{
		json:      spec.JSON,
		required:  spec.Required,
		forbidden: spec.Forbidden,
		maxBytes:  spec.MaxBytes,
	}
	for path, tag := range spec.Fields {
		if err := checkTag(tag); err != nil {
			return nil, fmt.Errorf("field %s: %w", path, err)
		}
		p.fields = append(p.fields, fieldCheck{
			path:     path,
			tag:      tag,
			required: hasRequiredTag(tag),
		})
	}
	if !p.json && len(p.required)+len(p.forbidden)+len(p.fields) == 0 && p.maxBytes <= 0 {
		return nil, fmt.Errorf("schema predicate is empty")
	}
	return p, nil
}

// checkTag makes sure the validator understands tag. validator panics on
// unknown tags, which must surface at startup and not per request.
func checkTag(tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid validation tag %q: %v", tag, r)
		}
	}()
	_ = validate.Var("", tag)
	return nil
}

func hasRequiredTag(tag string) bool {
	for _, part := range strings.Split(tag, ",") {
		if strings.TrimSpace(part) == "required" {
			return true
		}
	}
	return false
}

func (s *schemaPredicate) Violated(p *model.Payload, _ time.Time) (bool, error) {
	if s.maxBytes > 0 && len(p.Body) > s.maxBytes {
		return true, nil
	}
	isJSON := gjson.ValidBytes(p.Body)
	if !isJSON {
		return s.json || len(s.required) > 0 || s.hasRequiredField(), nil
	}
	for _, path := range s.required {
		if !gjson.GetBytes(p.Body, path).Exists() {
			return true, nil
		}
	}
	for _, path := range s.forbidden {
		if gjson.GetBytes(p.Body, path).Exists() {
			return true, nil
		}
	}
	for _, f := range s.fields {
		res := gjson.GetBytes(p.Body, f.path)
		if !res.Exists() {
			if f.required {
				return true, nil
			}
			continue
		}
		if err := validate.Var(res.Value(), f.tag); err != nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *schemaPredicate) hasRequiredField() bool {
	for _, f := range s.fields {
		if f.required {
			return true
		}
	}
	return false
}
