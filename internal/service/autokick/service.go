package autokick

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

const (
	defaultInterval = 5 * time.Minute
	tickTimeout     = 2 * time.Minute
)

// Service reconciles live pooled-account membership against the invitation
// ledger. Each tick is independent: a crash mid-tick resumes cleanly on the
// next one because no in-progress state is persisted.
type Service struct {
	teams       repository.TeamRepository
	invitations repository.InvitationRepository
	kicks       repository.KickLogRepository
	config      repository.AutoKickConfigRepository
	remote      remote.Client
	hub         *ws.Hub
	logger      *slog.Logger

	interval time.Duration
	now      func() time.Time
}

// New constructs the reconciler. The hub may be nil when streaming is
// disabled.
func New(teams repository.TeamRepository, invitations repository.InvitationRepository, kicks repository.KickLogRepository, cfgRepo repository.AutoKickConfigRepository, client remote.Client, hub *ws.Hub, logger *slog.Logger, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "autokick")
	}
	return &Service{
		teams:       teams,
		invitations: invitations,
		kicks:       kicks,
		config:      cfgRepo,
		remote:      client,
		hub:         hub,
		logger:      logger,
		interval:    interval,
		now:         time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("autokick reconciler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("autokick reconciler stopped")
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
			if err := s.Tick(tickCtx); err != nil {
				s.logger.Error("reconciliation tick failed", "error", err)
			}
			cancel()
		}
	}
}

// Tick runs one reconciliation pass. It is a no-op when the feature is
// disabled or the local hour falls outside the configured window.
func (s *Service) Tick(ctx context.Context) error {
	cfg, err := s.config.GetAutoKickConfig(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	now := s.now()
	if !cfg.AllowsHour(now.Local().Hour()) {
		s.logger.Debug("outside run window", "hour", now.Local().Hour())
		return nil
	}

	s.expiryPass(ctx, now.UTC())
	s.unauthorizedPass(ctx)
	return nil
}

// Config returns the current reconciler settings, or a disabled default when
// none were saved yet.
func (s *Service) Config(ctx context.Context) (*domain.AutoKickConfig, error) {
	cfg, err := s.config.GetAutoKickConfig(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &domain.AutoKickConfig{StartHour: 0, EndHour: 23}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ErrInvalidHourWindow rejects nonsensical run windows.
var ErrInvalidHourWindow = errors.New("autokick: hour window must satisfy 0 <= start <= end <= 23")

// UpdateConfig persists reconciler settings.
func (s *Service) UpdateConfig(ctx context.Context, cfg domain.AutoKickConfig) error {
	if cfg.StartHour < 0 || cfg.EndHour > 23 || cfg.StartHour > cfg.EndHour {
		return ErrInvalidHourWindow
	}
	if err := s.config.SaveAutoKickConfig(ctx, &cfg); err != nil {
		return err
	}
	s.logger.Info("autokick config updated", "enabled", cfg.Enabled, "start_hour", cfg.StartHour, "end_hour", cfg.EndHour)
	return nil
}

// expiryPass removes members whose temporary grant has lapsed. A member no
// longer present in the roster needs no action and produces no audit entry,
// which keeps lapsed ledger records from re-logging on every tick.
func (s *Service) expiryPass(ctx context.Context, now time.Time) {
	expired, err := s.invitations.ListExpiredTempInvitations(ctx, now)
	if err != nil {
		s.logger.Error("expired invitation scan failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	rosters := make(map[string][]remote.Member)
	teams := make(map[string]*domain.Team)
	for _, invite := range expired {
		team, ok := teams[invite.TeamID]
		if !ok {
			loaded, err := s.teams.GetTeamByID(ctx, invite.TeamID)
			if err != nil {
				s.logger.Warn("team lookup failed", "team_id", invite.TeamID, "error", err)
				teams[invite.TeamID] = nil
				continue
			}
			teams[invite.TeamID] = loaded
			team = loaded
		}
		if team == nil {
			continue
		}

		members, ok := rosters[team.ID]
		if !ok {
			listed, err := s.remote.ListMembers(ctx, team.Credential, team.RemoteAccountID)
			if err != nil {
				s.expireOnAuthFailure(ctx, team.ID, err)
				s.logger.Warn("roster fetch failed", "team_id", team.ID, "error", err)
				rosters[team.ID] = nil
				continue
			}
			rosters[team.ID] = listed
			members = listed
		}

		member, found := findMember(members, invite.Email)
		if !found {
			continue
		}
		err = s.remote.RemoveMember(ctx, team.Credential, team.RemoteAccountID, member.ID)
		s.recordKick(ctx, team.ID, invite.Email, domain.KickReasonExpired, err)
		if err != nil {
			s.logger.Warn("expired member removal failed", "team_id", team.ID, "email", invite.Email, "error", err)
			continue
		}
		rosters[team.ID] = dropMember(members, member.ID)
		s.logger.Info("expired member removed", "team_id", team.ID, "email", invite.Email)
	}
}

// unauthorizedPass compares each team's live non-owner roster against the set
// of emails holding a current success invitation and evicts anyone without
// one. One team's failure never blocks the rest.
func (s *Service) unauthorizedPass(ctx context.Context) {
	teams, err := s.teams.ListTeams(ctx)
	if err != nil {
		s.logger.Error("team scan failed", "error", err)
		return
	}
	for _, team := range teams {
		if !team.Eligible() {
			continue
		}
		members, err := s.remote.ListMembers(ctx, team.Credential, team.RemoteAccountID)
		if err != nil {
			s.expireOnAuthFailure(ctx, team.ID, err)
			s.logger.Warn("roster fetch failed", "team_id", team.ID, "error", err)
			continue
		}
		authorized, err := s.invitations.ListAuthorizedEmails(ctx, team.ID)
		if err != nil {
			s.logger.Warn("authorized email scan failed", "team_id", team.ID, "error", err)
			continue
		}
		for _, member := range members {
			if member.Role == remote.RoleOwner {
				continue
			}
			email := domain.NormalizeEmail(member.Email)
			if _, ok := authorized[email]; ok {
				continue
			}
			err := s.remote.RemoveMember(ctx, team.Credential, team.RemoteAccountID, member.ID)
			s.recordKick(ctx, team.ID, email, domain.KickReasonUnauthorized, err)
			if err != nil {
				s.logger.Warn("unauthorized member removal failed", "team_id", team.ID, "email", email, "error", err)
				continue
			}
			s.logger.Info("unauthorized member removed", "team_id", team.ID, "email", email)
		}
	}
}

func (s *Service) recordKick(ctx context.Context, teamID, email, reason string, kickErr error) {
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
	if s.hub != nil {
		if payload, err := json.Marshal(entry); err == nil {
			s.hub.Broadcast(teamID, payload)
		}
	}
}

func (s *Service) expireOnAuthFailure(ctx context.Context, teamID string, err error) {
	if !remote.IsAuthExpired(err) {
		return
	}
	if markErr := s.teams.SetTokenStatus(ctx, teamID, domain.TokenStatusExpired); markErr != nil {
		s.logger.Warn("token status update failed", "team_id", teamID, "error", markErr)
	}
}

func findMember(members []remote.Member, email string) (remote.Member, bool) {
	for _, m := range members {
		if m.Role == remote.RoleOwner {
			continue
		}
		if domain.NormalizeEmail(m.Email) == email {
			return m, true
		}
	}
	return remote.Member{}, false
}

func dropMember(members []remote.Member, id string) []remote.Member {
	out := members[:0]
	for _, m := range members {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
