package remote

import (
	"context"
	"errors"
	"fmt"
)

// Role assigned by the collaboration service to the account owner. Owners
// occupy a slot upstream but never count against pool capacity here.
const RoleOwner = "owner"

// Member is one occupant of a pooled account's roster.
type Member struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// PendingInvite is an invite issued upstream that has not been accepted.
type PendingInvite struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Kind classifies upstream failures so callers never have to sniff message
// text.
type Kind string

const (
	// KindAuthExpired means the account credential was rejected.
	KindAuthExpired Kind = "auth_expired"
	// KindNotFound means the referenced remote entity does not exist.
	KindNotFound Kind = "not_found"
	// KindRemote covers every other non-2xx upstream response.
	KindRemote Kind = "remote"
)

// Error is a structured upstream failure. Message carries the upstream
// status and body verbatim for operator diagnosis.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %s (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("remote: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// IsAuthExpired reports whether err signals a rejected credential.
func IsAuthExpired(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindAuthExpired
}

// IsNotFound reports whether err signals a missing remote entity.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindNotFound
}

// Client is the contract the engine requires from the collaboration service.
type Client interface {
	ListMembers(ctx context.Context, credential, accountID string) ([]Member, error)
	Invite(ctx context.Context, credential, accountID, email string) error
	ListPendingInvites(ctx context.Context, credential, accountID string) ([]PendingInvite, error)
	RevokeInvite(ctx context.Context, credential, accountID, inviteID string) error
	RemoveMember(ctx context.Context, credential, accountID, userID string) error
}
