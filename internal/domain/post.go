// Package domain holds the records shared by the scheduling engine:
// scheduled posts, publish attempts and their lifecycle states.
package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPosted, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseStatus accepts the lowercase wire form; empty means "any".
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return "", true
	}
	return s, s.Valid()
}

// FailureKind tells an operator whether a failed post may be retried as-is.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// Post is one unit of scheduled content.
//
// Invariants:
//   - Status == posted  => PublishedID != "" && !PostedAt.IsZero()
//   - Status == pending => PublishedID == ""
//   - Status == failed  => Error != ""
type Post struct {
	ID           string
	ScheduledAt  time.Time
	PrimaryText  string
	FollowupText string
	TopicTags    []string

	Status      Status
	PublishedID string
	PostedAt    time.Time
	Error       string
	FailureKind FailureKind

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Topic returns the tag sent as publish-time metadata.
// The platform accepts a single topic per post, so only the first tag is used.
func (p Post) Topic() string {
	for _, t := range p.TopicTags {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}

// Preview is a single-line, rune-safe prefix of the primary text for logs and listings.
func (p Post) Preview(n int) string {
	s := strings.ReplaceAll(p.PrimaryText, "\n", " ")
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
