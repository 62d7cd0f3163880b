package roster

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/metrics"
	"github.com/harborloop/seatpool/internal/remote"
	"github.com/harborloop/seatpool/internal/repository"
	"github.com/harborloop/seatpool/internal/ws"
)

// ErrMemberNotFound means the email holds neither a seat nor a pending
// invite on the team.
var ErrMemberNotFound = errors.New("roster: member not found")

// Service exposes operator workflows over a team's live roster.
type Service struct {
	teams       repository.TeamRepository
	invitations repository.InvitationRepository
	kicks       repository.KickLogRepository
	remote      remote.Client
	hub         *ws.Hub
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a Service. The hub may be nil when streaming is disabled.
func New(teams repository.TeamRepository, invitations repository.InvitationRepository, kicks repository.KickLogRepository, client remote.Client, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{
		teams:       teams,
		invitations: invitations,
		kicks:       kicks,
		remote:      client,
		hub:         hub,
		logger:      logger,
		now:         time.Now,
	}
}

// MemberInfo joins a live roster entry with its original admission time.
type MemberInfo struct {
	Email    string     `json:"email"`
	Role     string     `json:"role"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
	IsTemp   bool       `json:"is_temp"`
}

// Members lists a team's non-owner roster, annotated with the most recent
// ledger record for each email.
func (s Service) Members(ctx context.Context, teamID string) ([]MemberInfo, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		return nil, err
	}
	members, err := s.remote.ListMembers(ctx, team.Credential, team.RemoteAccountID)
	if err != nil {
		s.expireOnAuthFailure(ctx, team.ID, err)
		return nil, err
	}
	var infos []MemberInfo
	for _, m := range members {
		if m.Role == remote.RoleOwner {
			continue
		}
		info := MemberInfo{Email: domain.NormalizeEmail(m.Email), Role: m.Role}
		if invite, err := s.invitations.LatestByTeamAndEmail(ctx, teamID, info.Email); err == nil {
			info.JoinedAt = &invite.CreatedAt
			info.IsTemp = invite.IsTemp
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DirectInvite admits an email without an access key. The ledger records a
// nil key code so exports can tell operator invites from self-serve joins.
func (s Service) DirectInvite(ctx context.Context, teamID, email string) error {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		return err
	}
	normalized := domain.NormalizeEmail(email)
	status := domain.InviteStatusSuccess
	inviteErr := s.remote.Invite(ctx, team.Credential, team.RemoteAccountID, normalized)
	if inviteErr != nil {
		status = domain.InviteStatusFailed
		s.expireOnAuthFailure(ctx, team.ID, inviteErr)
	}
	record := &domain.Invitation{
		ID:        uuid.NewString(),
		TeamID:    team.ID,
		Email:     normalized,
		Status:    status,
		CreatedAt: s.now().UTC(),
	}
	if err := s.invitations.CreateInvitation(ctx, record); err != nil {
		s.logger.Warn("direct invite ledger write failed", "team_id", team.ID, "error", err)
	}
	if inviteErr != nil {
		return inviteErr
	}
	s.logger.Info("direct invite issued", "team_id", team.ID, "email", normalized)
	return nil
}

// Kick evicts an email from a team: a seated member is removed, a pending
// invite is revoked, and every ledger record for the pair is purged so stale
// authorization does not linger.
func (s Service) Kick(ctx context.Context, teamID, email string) error {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		return err
	}
	normalized := domain.NormalizeEmail(email)

	removeErr := s.removeByEmail(ctx, team, normalized)
	s.recordKick(ctx, team.ID, normalized, domain.KickReasonManual, removeErr)
	if removeErr != nil {
		return removeErr
	}

	removed, err := s.invitations.DeleteByTeamAndEmail(ctx, teamID, normalized)
	if err != nil {
		s.logger.Warn("ledger purge failed", "team_id", teamID, "email", normalized, "error", err)
		return err
	}
	s.logger.Info("member kicked", "team_id", teamID, "email", normalized, "ledger_records_purged", removed)
	return nil
}

// Confirm exempts an invitation from expiry-based removal (or re-arms it).
func (s Service) Confirm(ctx context.Context, inviteID string, confirmed bool) error {
	return s.invitations.SetConfirmed(ctx, inviteID, confirmed)
}

// Invitations returns the full ledger newest first.
func (s Service) Invitations(ctx context.Context) ([]domain.Invitation, error) {
	return s.invitations.ListInvitations(ctx)
}

// KickLogs returns recent removal audit entries.
func (s Service) KickLogs(ctx context.Context, limit int) ([]domain.KickLog, error) {
	return s.kicks.ListKickLogs(ctx, limit)
}

func (s Service) removeByEmail(ctx context.Context, team *domain.Team, email string) error {
	members, err := s.remote.ListMembers(ctx, team.Credential, team.RemoteAccountID)
	if err != nil {
		s.expireOnAuthFailure(ctx, team.ID, err)
		return err
	}
	for _, m := range members {
		if m.Role == remote.RoleOwner {
			continue
		}
		if domain.NormalizeEmail(m.Email) == email {
			return s.remote.RemoveMember(ctx, team.Credential, team.RemoteAccountID, m.ID)
		}
	}
	invites, err := s.remote.ListPendingInvites(ctx, team.Credential, team.RemoteAccountID)
	if err != nil {
		return err
	}
	for _, invite := range invites {
		if domain.NormalizeEmail(invite.Email) == email {
			return s.remote.RevokeInvite(ctx, team.Credential, team.RemoteAccountID, invite.ID)
		}
	}
	return ErrMemberNotFound
}

func (s Service) recordKick(ctx context.Context, teamID, email, reason string, kickErr error) {
	entry := &domain.KickLog{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Email:     email,
		Reason:    reason,
		Success:   kickErr == nil,
		CreatedAt: s.now().UTC(),
	}
	if kickErr != nil {
		entry.Error = kickErr.Error()
	}
	if err := s.kicks.AppendKickLog(ctx, entry); err != nil {
		s.logger.Warn("kick log append failed", "team_id", teamID, "error", err)
	}
	metrics.RecordKick(reason, entry.Success)
	s.broadcast(entry)
}

func (s Service) broadcast(entry *domain.KickLog) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	s.hub.Broadcast(entry.TeamID, payload)
}

func (s Service) expireOnAuthFailure(ctx context.Context, teamID string, err error) {
	if !remote.IsAuthExpired(err) {
		return
	}
	if markErr := s.teams.SetTokenStatus(ctx, teamID, domain.TokenStatusExpired); markErr != nil {
		s.logger.Warn("token status update failed", "team_id", teamID, "error", markErr)
	}
}
