package team

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/repository"
)

var (
	errInvalidTeamName   = errors.New("team: name is required")
	errInvalidAccountID  = errors.New("team: remote account id is required")
	errInvalidCredential = errors.New("team: credential is required")
)

// Service handles pooled-account directory workflows.
type Service struct {
	repo   repository.TeamRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(repo repository.TeamRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// Register adds a pooled account to the directory.
func (s Service) Register(ctx context.Context, name, remoteAccountID, credential string) (*domain.Team, error) {
	name = strings.TrimSpace(name)
	remoteAccountID = strings.TrimSpace(remoteAccountID)
	credential = strings.TrimSpace(credential)
	if name == "" {
		return nil, errInvalidTeamName
	}
	if remoteAccountID == "" {
		return nil, errInvalidAccountID
	}
	if credential == "" {
		return nil, errInvalidCredential
	}
	now := time.Now().UTC()
	team := &domain.Team{
		ID:              uuid.NewString(),
		Name:            name,
		RemoteAccountID: remoteAccountID,
		Credential:      credential,
		TokenStatus:     domain.TokenStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	s.logger.Info("team registered", "team_id", team.ID, "name", name)
	return team, nil
}

// List returns the directory in allocation scan order.
func (s Service) List(ctx context.Context) ([]domain.Team, error) {
	return s.repo.ListTeams(ctx)
}

// RotateCredential installs a fresh credential and reactivates the team for
// allocations.
func (s Service) RotateCredential(ctx context.Context, teamID, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return errInvalidCredential
	}
	if err := s.repo.UpdateCredential(ctx, teamID, credential); err != nil {
		return err
	}
	s.logger.Info("team credential rotated", "team_id", teamID)
	return nil
}
