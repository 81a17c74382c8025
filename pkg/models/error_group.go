// Package models contains shared data models used across the errtrack codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Group statuses.
const (
	StatusUnresolved = "unresolved"
	StatusResolved   = "resolved"
	StatusIgnored    = "ignored"
	StatusMuted      = "muted"
)

// Event levels.
const (
	LevelFatal   = "fatal"
	LevelError   = "error"
	LevelWarning = "warning"
	LevelInfo    = "info"
)

// Client platforms.
const (
	PlatformWeb           = "web"
	PlatformMobileIOS     = "mobile_ios"
	PlatformMobileAndroid = "mobile_android"
	PlatformServer        = "server"
)

var validStatuses = map[string]bool{
	StatusUnresolved: true,
	StatusResolved:   true,
	StatusIgnored:    true,
	StatusMuted:      true,
}

var validLevels = map[string]bool{
	LevelFatal:   true,
	LevelError:   true,
	LevelWarning: true,
	LevelInfo:    true,
}

var validPlatforms = map[string]bool{
	PlatformWeb:           true,
	PlatformMobileIOS:     true,
	PlatformMobileAndroid: true,
	PlatformServer:        true,
}

func ValidStatus(s string) bool   { return validStatuses[s] }
func ValidLevel(s string) bool    { return validLevels[s] }
func ValidPlatform(s string) bool { return validPlatforms[s] }

// ReopensOnRecurrence reports whether a group in the given status goes back to
// unresolved when a new event arrives. Muted groups stay muted.
func ReopensOnRecurrence(status string) bool {
	return status == StatusResolved || status == StatusIgnored
}

// ErrorGroup is the aggregate of every accepted event sharing one fingerprint.
type ErrorGroup struct {
	ID          uuid.UUID  `db:"id"            json:"id"`
	Fingerprint string     `db:"fingerprint"   json:"fingerprint"`
	Title       string     `db:"title"         json:"title"`
	Culprit     string     `db:"culprit"       json:"culprit"`
	Platform    string     `db:"platform"      json:"platform"`
	Level       string     `db:"level"         json:"level"`
	Status      string     `db:"status"        json:"status"`
	EventsCount int64      `db:"events_count"  json:"events_count"`
	FirstSeenAt time.Time  `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt  time.Time  `db:"last_seen_at"  json:"last_seen_at"`
	ResolvedAt  *time.Time `db:"resolved_at"   json:"resolved_at,omitempty"`
	ResolvedBy  *string    `db:"resolved_by"   json:"resolved_by,omitempty"`
	AssignedTo  *string    `db:"assigned_to"   json:"assigned_to,omitempty"`
	CreatedAt   time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"    json:"updated_at"`
}

// GroupOccurrence carries what the aggregator needs to create or bump a group.
type GroupOccurrence struct {
	Fingerprint string
	Title       string
	Culprit     string
	Platform    string
	Level       string
	SeenAt      time.Time
}

// StatusCounts is the number of groups per status.
type StatusCounts struct {
	Unresolved int `json:"unresolved"`
	Resolved   int `json:"resolved"`
	Ignored    int `json:"ignored"`
	Muted      int `json:"muted"`
	Total      int `json:"total"`
}

// Add records n groups in status.
func (c *StatusCounts) Add(status string, n int) {
	switch status {
	case StatusUnresolved:
		c.Unresolved += n
	case StatusResolved:
		c.Resolved += n
	case StatusIgnored:
		c.Ignored += n
	case StatusMuted:
		c.Muted += n
	}
	c.Total += n
}
