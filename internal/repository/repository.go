package repository

import (
	"context"
	"time"

	"github.com/harborloop/seatpool/internal/domain"
)

// TeamRepository is the directory of pooled accounts. ListTeams returns teams
// ordered by creation time ascending (ties broken by id) so allocation scans
// are deterministic.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	ListTeams(ctx context.Context) ([]domain.Team, error)
	// SetTokenStatus flips only the token status field.
	SetTokenStatus(ctx context.Context, teamID, status string) error
	// SetMemberCount persists a freshly observed non-owner roster size.
	SetMemberCount(ctx context.Context, teamID string, count int) error
	// RecordInvite bumps the cached count and last-invite timestamp after a
	// successful remote invite.
	RecordInvite(ctx context.Context, teamID string, count int, at time.Time) error
	UpdateCredential(ctx context.Context, teamID, credential string) error
}

// AccessKeyRepository persists admission tickets.
type AccessKeyRepository interface {
	CreateAccessKey(ctx context.Context, key *domain.AccessKey) error
	GetAccessKey(ctx context.Context, code string) (*domain.AccessKey, error)
	ListAccessKeys(ctx context.Context) ([]domain.AccessKey, error)
	// IncrementKeyUsage is a no-op when the key has been deleted concurrently.
	IncrementKeyUsage(ctx context.Context, code string) error
	DeleteAccessKey(ctx context.Context, code string) error
}

// InvitationRepository is the admission ledger. Emails are stored normalized;
// the schema carries a secondary index on email for roster cross-checks.
type InvitationRepository interface {
	CreateInvitation(ctx context.Context, invite *domain.Invitation) error
	// LatestByTeamAndEmail returns the most recently created record for the
	// pair, or ErrNotFound.
	LatestByTeamAndEmail(ctx context.Context, teamID, email string) (*domain.Invitation, error)
	// DeleteByTeamAndEmail removes every record for the pair and reports how
	// many were removed.
	DeleteByTeamAndEmail(ctx context.Context, teamID, email string) (int, error)
	// ListInvitations returns the full ledger newest first.
	ListInvitations(ctx context.Context) ([]domain.Invitation, error)
	// ListExpiredTempInvitations returns success-status temp records whose
	// expiry is at or before the cutoff and which are not confirmed.
	ListExpiredTempInvitations(ctx context.Context, cutoff time.Time) ([]domain.Invitation, error)
	// ListAuthorizedEmails returns the set of normalized emails holding a
	// current success invitation for the team.
	ListAuthorizedEmails(ctx context.Context, teamID string) (map[string]struct{}, error)
	SetConfirmed(ctx context.Context, inviteID string, confirmed bool) error
}

// KickLogRepository appends removal audit records.
type KickLogRepository interface {
	AppendKickLog(ctx context.Context, entry *domain.KickLog) error
	ListKickLogs(ctx context.Context, limit int) ([]domain.KickLog, error)
}

// AutoKickConfigRepository stores the singleton reconciler configuration.
type AutoKickConfigRepository interface {
	GetAutoKickConfig(ctx context.Context) (*domain.AutoKickConfig, error)
	SaveAutoKickConfig(ctx context.Context, cfg *domain.AutoKickConfig) error
}

// AdminRepository persists operator accounts.
type AdminRepository interface {
	CreateAdmin(ctx context.Context, admin *domain.Admin) error
	GetAdminByEmail(ctx context.Context, email string) (*domain.Admin, error)
	GetAdminByID(ctx context.Context, id string) (*domain.Admin, error)
}
