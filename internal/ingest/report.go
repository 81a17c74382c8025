package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/kiranshivaraju/errtrack/internal/grouping"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

// Field limits, in characters.
const (
	maxMessage           = 8192
	maxStackTrace        = 65536
	maxEnvironment       = 64
	maxRelease           = 128
	maxUserID            = 255
	maxURL               = 2048
	maxComponent         = 255
	maxBreadcrumbs       = 100
	maxBreadcrumbMessage = 1000
	maxTagValue          = 200

	defaultEnvironment = "production"
)

// ErrInvalidReport marks a report that failed validation.
var ErrInvalidReport = errors.New("invalid report")

// ErrMalformedBatch is returned when the request body is neither a report
// object nor an array of them.
var ErrMalformedBatch = errors.New("malformed batch")

// Report is one client error report as posted to the ingestion endpoint.
type Report struct {
	Message     string              `json:"message"`
	StackTrace  string              `json:"stackTrace,omitempty"`
	Level       string              `json:"level,omitempty"`
	Platform    string              `json:"platform"`
	Environment string              `json:"environment,omitempty"`
	Release     string              `json:"release,omitempty"`
	UserID      string              `json:"userId,omitempty"`
	URL         string              `json:"url,omitempty"`
	Component   string              `json:"component,omitempty"`
	Action      string              `json:"action,omitempty"`
	Breadcrumbs []models.Breadcrumb `json:"breadcrumbs,omitempty"`
	Context     map[string]any      `json:"context,omitempty"`
	Tags        map[string]string   `json:"tags,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
}

// ClientInfo is request metadata recorded on every event of a batch.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// SplitBatch splits a request body into raw reports. The body is either one
// JSON object or an array of them.
func SplitBatch(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrMalformedBatch
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}
		return items, nil
	case '{':
		if !json.Valid(trimmed) {
			return nil, ErrMalformedBatch
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, ErrMalformedBatch
	}
}

// DecodeReport parses and validates one raw report, applying defaults.
func DecodeReport(raw json.RawMessage) (*Report, error) {
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks field constraints and fills in defaults for level and
// environment.
func (r *Report) Validate() error {
	if r.Level == "" {
		r.Level = models.LevelError
	}
	if r.Environment == "" {
		r.Environment = defaultEnvironment
	}

	switch {
	case r.Message == "":
		return invalid("message is required")
	case tooLong(r.Message, maxMessage):
		return invalid("message too long")
	case tooLong(r.StackTrace, maxStackTrace):
		return invalid("stackTrace too long")
	case !models.ValidLevel(r.Level):
		return invalid("unknown level %q", r.Level)
	case !models.ValidPlatform(r.Platform):
		return invalid("unknown platform %q", r.Platform)
	case tooLong(r.Environment, maxEnvironment):
		return invalid("environment too long")
	case tooLong(r.Release, maxRelease):
		return invalid("release too long")
	case tooLong(r.UserID, maxUserID):
		return invalid("userId too long")
	case tooLong(r.URL, maxURL):
		return invalid("url too long")
	case tooLong(r.Component, maxComponent), tooLong(r.Action, maxComponent):
		return invalid("component or action too long")
	case tooLong(r.Fingerprint, grouping.MaxFingerprintOverride):
		return invalid("fingerprint too long")
	case len(r.Breadcrumbs) > maxBreadcrumbs:
		return invalid("too many breadcrumbs")
	}

	for i, b := range r.Breadcrumbs {
		if tooLong(b.Message, maxBreadcrumbMessage) {
			return invalid("breadcrumb %d message too long", i)
		}
	}
	for k, v := range r.Tags {
		if tooLong(v, maxTagValue) {
			return invalid("tag %q value too long", k)
		}
	}
	return nil
}

// fingerprint returns the group identity of the report.
func (r *Report) fingerprint() string {
	return grouping.FingerprintFor(r.Fingerprint, r.Message, r.StackTrace)
}

func tooLong(s string, max int) bool {
	return len(s) > max && utf8.RuneCountInString(s) > max
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidReport, fmt.Sprintf(format, args...))
}
