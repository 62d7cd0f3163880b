package accesskey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"log/slog"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/repository"
)

var (
	// ErrInvalidTempHours rejects non-positive durations on temp keys.
	ErrInvalidTempHours = errors.New("accesskey: temp hours must be positive")
	// ErrCodeCollision means code generation kept colliding with stored keys.
	ErrCodeCollision = errors.New("accesskey: could not generate a unique code")
)

const codeBytes = 18

// Service manages admission tickets.
type Service struct {
	keys   repository.AccessKeyRepository
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Service.
func New(keys repository.AccessKeyRepository, logger *slog.Logger) Service {
	return Service{keys: keys, logger: logger, now: time.Now}
}

// CreateParams configures a new access key.
type CreateParams struct {
	TeamID      *string
	IsTemp      bool
	IsUnlimited bool
	TempHours   int
}

// Create mints a key with a random URL-safe code. Generation retries a few
// times on a code collision before giving up.
func (s Service) Create(ctx context.Context, params CreateParams) (*domain.AccessKey, error) {
	if params.IsTemp && params.TempHours < 0 {
		return nil, ErrInvalidTempHours
	}
	tempHours := 0
	if params.IsTemp {
		tempHours = params.TempHours
	}
	for attempt := 0; attempt < 5; attempt++ {
		code, err := randomCode()
		if err != nil {
			return nil, err
		}
		key := domain.AccessKey{
			Code:        code,
			TeamID:      params.TeamID,
			IsTemp:      params.IsTemp,
			IsUnlimited: params.IsUnlimited,
			TempHours:   tempHours,
			CreatedAt:   s.now().UTC(),
		}
		if err := s.keys.CreateAccessKey(ctx, &key); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return nil, err
		}
		s.logger.Info("access key created", "temp", key.IsTemp, "unlimited", key.IsUnlimited)
		return &key, nil
	}
	return nil, ErrCodeCollision
}

// List returns all keys newest first.
func (s Service) List(ctx context.Context) ([]domain.AccessKey, error) {
	return s.keys.ListAccessKeys(ctx)
}

// Delete removes a key. Joins in flight that already validated the code may
// still complete; their usage increment lands as a no-op.
func (s Service) Delete(ctx context.Context, code string) error {
	if err := s.keys.DeleteAccessKey(ctx, code); err != nil {
		return err
	}
	s.logger.Info("access key deleted")
	return nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
