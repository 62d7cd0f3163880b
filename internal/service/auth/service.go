package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/repository"
	"github.com/harborloop/seatpool/pkg/config"
	"github.com/harborloop/seatpool/pkg/crypto"
	jwtpkg "github.com/harborloop/seatpool/pkg/jwt"
)

// ErrInvalidCredentials covers both unknown emails and wrong passwords so
// login failures do not leak which admins exist.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service handles operator authentication.
type Service struct {
	admins repository.AdminRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(admins repository.AdminRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{admins: admins, logger: logger, cfg: cfg}
}

// Register creates an operator account. Used at bootstrap and by existing
// operators adding colleagues.
func (s Service) Register(ctx context.Context, email, password string) (*domain.Admin, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	admin := &domain.Admin{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.admins.CreateAdmin(ctx, admin); err != nil {
		return nil, err
	}
	s.logger.Info("admin registered", "admin_id", admin.ID)
	return admin, nil
}

// Login authenticates an operator and returns a session token.
func (s Service) Login(ctx context.Context, email, password string) (string, time.Duration, error) {
	admin, err := s.admins.GetAdminByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", 0, ErrInvalidCredentials
		}
		return "", 0, err
	}
	if err := crypto.ComparePassword(admin.PasswordHash, password); err != nil {
		return "", 0, ErrInvalidCredentials
	}
	token, err := jwtpkg.GenerateToken(admin.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return "", 0, err
	}
	s.logger.Info("admin logged in", "admin_id", admin.ID)
	return token, s.cfg.AccessTokenTTL, nil
}

// Authorize validates a bearer token and loads the operator it names.
func (s Service) Authorize(ctx context.Context, token string) (*domain.Admin, error) {
	claims, err := jwtpkg.Parse(token, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return s.admins.GetAdminByID(ctx, claims.AdminID)
}
