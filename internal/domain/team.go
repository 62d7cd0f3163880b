package domain

import "time"

// Token status values for a pooled team account.
const (
	TokenStatusActive  = "active"
	TokenStatusExpired = "expired"
)

// Team represents one pooled account on the upstream collaboration service.
// MemberCount caches the non-owner roster size; the remote service stays the
// source of truth and the count is refreshed on every allocation pass.
type Team struct {
	ID              string
	Name            string
	RemoteAccountID string
	Credential      string
	TokenStatus     string
	MemberCount     int
	LastInviteAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Eligible reports whether the team may receive new allocations.
func (t Team) Eligible() bool {
	return t.TokenStatus != TokenStatusExpired
}
