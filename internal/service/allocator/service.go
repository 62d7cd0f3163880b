package allocator

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/remote"
	"github.com/harborloop/seatpool/internal/repository"
	"github.com/harborloop/seatpool/pkg/config"
)

var (
	// ErrInvalidKey means the access key does not exist.
	ErrInvalidKey = errors.New("allocator: invalid access key")
	// ErrKeyAlreadyUsed means a single-use key has already been spent.
	ErrKeyAlreadyUsed = errors.New("allocator: access key already used")
	// ErrNoAvailableTeams means every eligible team is at capacity.
	ErrNoAvailableTeams = errors.New("allocator: no teams with free seats")
)

// Service places joining users into pooled accounts.
type Service struct {
	teams       repository.TeamRepository
	keys        repository.AccessKeyRepository
	invitations repository.InvitationRepository
	remote      remote.Client
	logger      *slog.Logger

	capacity    int
	tempDefault time.Duration
	now         func() time.Time
}

// New constructs a Service.
func New(teams repository.TeamRepository, keys repository.AccessKeyRepository, invitations repository.InvitationRepository, client remote.Client, logger *slog.Logger, cfg config.APIConfig) Service {
	capacity := cfg.TeamCapacity
	if capacity <= 0 {
		capacity = 4
	}
	tempDefault := cfg.TempGrantDefault
	if tempDefault <= 0 {
		tempDefault = 24 * time.Hour
	}
	return Service{
		teams:       teams,
		keys:        keys,
		invitations: invitations,
		remote:      client,
		logger:      logger,
		capacity:    capacity,
		tempDefault: tempDefault,
		now:         time.Now,
	}
}

// JoinResult names the team a user was placed into.
type JoinResult struct {
	TeamID   string
	TeamName string
}

// Join validates the access key and places the email into a pooled account.
// Teams are scanned in creation order; a team whose credential is rejected is
// marked expired and skipped rather than aborting the whole attempt. If the
// email already holds a seat anywhere the call succeeds without a new remote
// invite, so retries by the same user are safe.
func (s Service) Join(ctx context.Context, keyCode, email string) (*JoinResult, error) {
	key, err := s.keys.GetAccessKey(ctx, keyCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if key.Exhausted() {
		return nil, ErrKeyAlreadyUsed
	}

	normalized := domain.NormalizeEmail(email)

	teams, err := s.teams.ListTeams(ctx)
	if err != nil {
		return nil, err
	}

	var candidate *domain.Team
	var candidateCount int
	for i := range teams {
		team := teams[i]
		if !team.Eligible() {
			continue
		}
		members, err := s.remote.ListMembers(ctx, team.Credential, team.RemoteAccountID)
		if err != nil {
			s.handleRemoteFailure(ctx, team, "list members", err)
			continue
		}

		count, present := rosterState(members, normalized)
		if err := s.teams.SetMemberCount(ctx, team.ID, count); err != nil {
			s.logger.Warn("member count update failed", "team_id", team.ID, "error", err)
		}

		if present {
			if err := s.recordAdmission(ctx, &team, key, normalized); err != nil {
				return nil, err
			}
			s.logger.Info("join satisfied by existing membership", "team_id", team.ID, "email", normalized)
			return &JoinResult{TeamID: team.ID, TeamName: team.Name}, nil
		}
		if candidate == nil && count < s.capacity {
			candidate = &teams[i]
			candidateCount = count
		}
	}

	if candidate == nil {
		return nil, ErrNoAvailableTeams
	}

	if err := s.remote.Invite(ctx, candidate.Credential, candidate.RemoteAccountID, normalized); err != nil {
		if remote.IsAuthExpired(err) {
			if markErr := s.teams.SetTokenStatus(ctx, candidate.ID, domain.TokenStatusExpired); markErr != nil {
				s.logger.Warn("token status update failed", "team_id", candidate.ID, "error", markErr)
			}
		}
		s.appendLedger(ctx, candidate.ID, key, normalized, domain.InviteStatusFailed)
		s.logger.Error("remote invite failed", "team_id", candidate.ID, "email", normalized, "error", err)
		return nil, err
	}

	if err := s.recordAdmission(ctx, candidate, key, normalized); err != nil {
		return nil, err
	}
	if err := s.teams.RecordInvite(ctx, candidate.ID, candidateCount+1, s.now().UTC()); err != nil {
		s.logger.Warn("invite bookkeeping failed", "team_id", candidate.ID, "error", err)
	}
	s.logger.Info("seat allocated", "team_id", candidate.ID, "email", normalized)
	return &JoinResult{TeamID: candidate.ID, TeamName: candidate.Name}, nil
}

// recordAdmission writes the success ledger entry and spends the key.
func (s Service) recordAdmission(ctx context.Context, team *domain.Team, key *domain.AccessKey, email string) error {
	if err := s.appendLedger(ctx, team.ID, key, email, domain.InviteStatusSuccess); err != nil {
		return err
	}
	if err := s.keys.IncrementKeyUsage(ctx, key.Code); err != nil {
		s.logger.Warn("key usage increment failed", "code", key.Code, "error", err)
	}
	return nil
}

func (s Service) appendLedger(ctx context.Context, teamID string, key *domain.AccessKey, email, status string) error {
	now := s.now().UTC()
	invite := &domain.Invitation{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Email:     email,
		KeyCode:   &key.Code,
		Status:    status,
		IsTemp:    key.IsTemp,
		CreatedAt: now,
	}
	if key.IsTemp {
		expireAt := now.Add(key.TempDuration(s.tempDefault))
		invite.TempExpireAt = &expireAt
	}
	if err := s.invitations.CreateInvitation(ctx, invite); err != nil {
		if status == domain.InviteStatusFailed {
			s.logger.Warn("failed-invite ledger write lost", "team_id", teamID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// handleRemoteFailure expires the team on credential rejection; any other
// upstream failure only skips the team for this attempt.
func (s Service) handleRemoteFailure(ctx context.Context, team domain.Team, op string, err error) {
	if remote.IsAuthExpired(err) {
		if markErr := s.teams.SetTokenStatus(ctx, team.ID, domain.TokenStatusExpired); markErr != nil {
			s.logger.Warn("token status update failed", "team_id", team.ID, "error", markErr)
		}
		s.logger.Warn("team credential expired", "team_id", team.ID, "op", op)
		return
	}
	s.logger.Warn("remote call failed, skipping team", "team_id", team.ID, "op", op, "error", err)
}

// rosterState filters the owner out of the member set, returning the seat
// count and whether the email already holds a seat.
func rosterState(members []remote.Member, email string) (int, bool) {
	count := 0
	present := false
	for _, m := range members {
		if m.Role == remote.RoleOwner {
			continue
		}
		count++
		if domain.NormalizeEmail(m.Email) == email {
			present = true
		}
	}
	return count, present
}
