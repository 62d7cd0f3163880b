package domain

import "time"

// Kick reasons recorded in the audit log.
const (
	KickReasonExpired      = "expired"
	KickReasonUnauthorized = "unauthorized"
	KickReasonManual       = "manual"
)

// KickLog is an append-only audit record of one removal action.
type KickLog struct {
	ID        string
	TeamID    string
	Email     string
	Reason    string
	Success   bool
	Error     string
	CreatedAt time.Time
}
