package domain

import (
	"strings"
	"time"
)

// Invitation status values.
const (
	InviteStatusPending = "pending"
	InviteStatusSuccess = "success"
	InviteStatusFailed  = "failed"
)

// Invitation records a single admission event, successful or not. For a given
// (team, email) pair the most recent success record determines current
// authorization. A confirmed record is permanently exempt from expiry-based
// removal.
type Invitation struct {
	ID           string
	TeamID       string
	Email        string
	KeyCode      *string
	Status       string
	IsTemp       bool
	TempExpireAt *time.Time
	IsConfirmed  bool
	CreatedAt    time.Time
}

// Authorizes reports whether this record grants current membership.
func (i Invitation) Authorizes() bool {
	return i.Status == InviteStatusSuccess
}

// ExpiredAt reports whether the temp grant has lapsed as of now. Confirmed
// and non-temp records never expire.
func (i Invitation) ExpiredAt(now time.Time) bool {
	if !i.IsTemp || i.IsConfirmed || i.TempExpireAt == nil {
		return false
	}
	return !now.UTC().Before(i.TempExpireAt.UTC())
}

// NormalizeEmail canonicalizes an address for membership comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
