package model

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Severity string

const (
	SeverityPass   Severity = "pass"
	SeverityFlag   Severity = "flag"
	SeverityReject Severity = "reject"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityReject:
		return 2
	case SeverityFlag:
		return 1
	default:
		return 0
	}
}

// Max returns the dominating severity.
func (s Severity) Max(o Severity) Severity {
	if o.Rank() > s.Rank() {
		return o
	}
	return s
}

func (s Severity) Valid() bool {
	return s == SeverityFlag || s == SeverityReject
}

type RuleKind string

const (
	RuleKindSchema RuleKind = "schema"
	RuleKindPolicy RuleKind = "policy"
	RuleKindRate   RuleKind = "rate"
)

type SchemaPredicate struct {
	JSON      bool              `json:"json" yaml:"json"`
	Required  []string          `json:"required" yaml:"required"`
	Forbidden []string          `json:"forbidden" yaml:"forbidden"`
	Fields    map[string]string `json:"fields" yaml:"fields"`
	MaxBytes  int               `json:"max_bytes" yaml:"max_bytes"`
}

type PolicyPredicate struct {
	Patterns []string `json:"patterns" yaml:"patterns"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Paths    []string `json:"paths" yaml:"paths"`
}

type RatePredicate struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
	Key       string  `json:"key" yaml:"key"`
}

// MitreTechnique tags a rule with the ATT&CK technique it detects.
type MitreTechnique struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Tactic string `json:"tactic" yaml:"tactic"`
}

type ValidationRule struct {
	ID          string           `json:"id" yaml:"id"`
	Kind        RuleKind         `json:"kind" yaml:"kind"`
	Severity    Severity         `json:"severity" yaml:"severity"`
	Description string           `json:"description" yaml:"description"`
	Directions  []Direction      `json:"directions" yaml:"directions"`
	Mitre       *MitreTechnique  `json:"mitre,omitempty" yaml:"mitre,omitempty"`
	Schema      *SchemaPredicate `json:"schema,omitempty" yaml:"schema,omitempty"`
	Policy      *PolicyPredicate `json:"policy,omitempty" yaml:"policy,omitempty"`
	Rate        *RatePredicate   `json:"rate,omitempty" yaml:"rate,omitempty"`
}

type Payload struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Body      []byte    `json:"-"`
	QueryID   string    `json:"query_id,omitempty"`
	ClientKey string    `json:"-"`
	// RawQuery is the request query string, inspected by policy rules
	// alongside the body.
	RawQuery string `json:"-"`
}

type ValidationStatus string

const (
	StatusPass     ValidationStatus = "pass"
	StatusFlagged  ValidationStatus = "flag"
	StatusRejected ValidationStatus = "reject"
)

type Verdict struct {
	PayloadID      string           `json:"payload_id"`
	Direction      Direction        `json:"direction"`
	Status         ValidationStatus `json:"status"`
	Severity       Severity         `json:"severity"`
	TriggeredRules []string         `json:"triggered_rules"`
}

// Forwarded reports whether the payload may continue to the next stage.
func (v *Verdict) Forwarded() bool {
	return v.Status != StatusRejected
}

type Incident struct {
	ID             string    `json:"id"`
	SequenceNumber int64     `json:"sequence_number"`
	PayloadID      string    `json:"payload_id"`
	QueryID        string    `json:"query_id,omitempty"`
	Direction      Direction `json:"direction"`
	RuleIDs        []string  `json:"rule_ids_triggered"`
	Severity       Severity  `json:"severity"`
	PayloadDigest  string    `json:"payload_digest"`
	PrevHash       string    `json:"prev_hash"`
	RecordHash     string    `json:"record_hash"`
	Ctime          int64     `json:"recorded_at"`
}

type RuleCount struct {
	RuleID   string `json:"rule_id"`
	Count    int64  `json:"count"`
	LastSeen int64  `json:"last_seen"`
	// LatestPayloadID and LatestSequence point at the newest incident for
	// the rule; payload bodies are never stored.
	LatestPayloadID string          `json:"latest_payload_id"`
	LatestSequence  int64           `json:"latest_sequence"`
	Technique       *MitreTechnique `json:"technique"`
}

// IncidentBucket counts incidents recorded in [Start, Start+bucket).
type IncidentBucket struct {
	Start    int64 `json:"start"`
	Rejected int64 `json:"rejected"`
	Flagged  int64 `json:"flagged"`
}

// UsageBucket counts finished API requests per route in [Start, Start+bucket).
type UsageBucket struct {
	Start   int64  `json:"start"`
	Route   string `json:"route"`
	Success int64  `json:"success"`
	Errors  int64  `json:"errors"`
}

// EmbeddingCacheKey identifies a cached vector. Dimension and Normalized
// describe the shape the vector was produced with, so a config change
// never serves vectors of the old shape.
type EmbeddingCacheKey struct {
	ModelName   string `json:"model_name"`
	TaskType    string `json:"task_type"`
	Dimension   int    `json:"dimension"`
	Normalized  bool   `json:"normalized"`
	ContentHash string `json:"content_hash"`
}

type EmbeddingCache struct {
	EmbeddingCacheKey
	Embedding []float32 `json:"embedding"`
	Ctime     int64     `json:"ctime"`
}

type EmbeddingCacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
}
