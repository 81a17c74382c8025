package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Breadcrumb is one entry of the client-side trail leading up to an error.
// Timestamp is kept as the client sent it: SDKs emit epoch numbers and
// assorted date strings, and breadcrumbs are never queried by time.
type Breadcrumb struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Category  string          `json:"category,omitempty"`
	Message   string          `json:"message,omitempty"`
	Level     string          `json:"level,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// ErrorEvent is a single accepted occurrence of an error. Events are immutable
// and are removed only together with their group.
type ErrorEvent struct {
	ID          uuid.UUID         `db:"id"          json:"id"`
	GroupID     uuid.UUID         `db:"group_id"    json:"group_id"`
	Fingerprint string            `db:"fingerprint" json:"fingerprint"`
	Message     string            `db:"message"     json:"message"`
	StackTrace  *string           `db:"stack_trace" json:"stack_trace,omitempty"`
	Platform    string            `db:"platform"    json:"platform"`
	Level       string            `db:"level"       json:"level"`
	Environment string            `db:"environment" json:"environment"`
	Release     *string           `db:"release"     json:"release,omitempty"`
	UserID      *string           `db:"user_id"     json:"user_id,omitempty"`
	UserAgent   *string           `db:"user_agent"  json:"user_agent,omitempty"`
	IPAddress   *string           `db:"ip_address"  json:"ip_address,omitempty"`
	URL         *string           `db:"url"         json:"url,omitempty"`
	Component   *string           `db:"component"   json:"component,omitempty"`
	Action      *string           `db:"action"      json:"action,omitempty"`
	Breadcrumbs []Breadcrumb      `db:"breadcrumbs" json:"breadcrumbs"`
	Context     map[string]any    `db:"context"     json:"context"`
	Tags        map[string]string `db:"tags"        json:"tags"`
	CreatedAt   time.Time         `db:"created_at"  json:"created_at"`
}
