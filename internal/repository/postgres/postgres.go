package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TeamRepository           = (*Repository)(nil)
	_ repository.AccessKeyRepository      = (*Repository)(nil)
	_ repository.InvitationRepository     = (*Repository)(nil)
	_ repository.KickLogRepository        = (*Repository)(nil)
	_ repository.AutoKickConfigRepository = (*Repository)(nil)
	_ repository.AdminRepository          = (*Repository)(nil)
)

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repository.ErrConflict
	}
	return err
}

// CreateTeam inserts a pooled account record.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team) error {
	const query = `INSERT INTO teams (id, name, remote_account_id, credential, token_status, member_count, last_invite_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, team.ID, team.Name, team.RemoteAccountID, team.Credential, team.TokenStatus, team.MemberCount, team.LastInviteAt, team.CreatedAt, team.UpdatedAt)
	return mapError(err)
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, name, remote_account_id, credential, token_status, member_count, last_invite_at, created_at, updated_at
		FROM teams WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	var t domain.Team
	if err := row.Scan(&t.ID, &t.Name, &t.RemoteAccountID, &t.Credential, &t.TokenStatus, &t.MemberCount, &t.LastInviteAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

// ListTeams returns teams ordered by creation time ascending.
func (r *Repository) ListTeams(ctx context.Context) ([]domain.Team, error) {
	const query = `SELECT id, name, remote_account_id, credential, token_status, member_count, last_invite_at, created_at, updated_at
		FROM teams ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var teams []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.RemoteAccountID, &t.Credential, &t.TokenStatus, &t.MemberCount, &t.LastInviteAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// SetTokenStatus updates only the credential status field.
func (r *Repository) SetTokenStatus(ctx context.Context, teamID, status string) error {
	const query = `UPDATE teams SET token_status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, teamID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetMemberCount persists a freshly observed roster size.
func (r *Repository) SetMemberCount(ctx context.Context, teamID string, count int) error {
	const query = `UPDATE teams SET member_count = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, teamID, count)
	return err
}

// RecordInvite bumps the cached count and last-invite timestamp.
func (r *Repository) RecordInvite(ctx context.Context, teamID string, count int, at time.Time) error {
	const query = `UPDATE teams SET member_count = $2, last_invite_at = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, teamID, count, at)
	return err
}

// UpdateCredential rotates a team's bearer credential and reactivates it.
func (r *Repository) UpdateCredential(ctx context.Context, teamID, credential string) error {
	const query = `UPDATE teams SET credential = $2, token_status = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, teamID, credential, domain.TokenStatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateAccessKey inserts an admission ticket.
func (r *Repository) CreateAccessKey(ctx context.Context, key *domain.AccessKey) error {
	const query = `INSERT INTO access_keys (code, team_id, is_temp, is_unlimited, temp_hours, usage_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, key.Code, key.TeamID, key.IsTemp, key.IsUnlimited, key.TempHours, key.UsageCount, key.CreatedAt)
	return mapError(err)
}

// GetAccessKey looks up a key by code.
func (r *Repository) GetAccessKey(ctx context.Context, code string) (*domain.AccessKey, error) {
	const query = `SELECT code, team_id, is_temp, is_unlimited, temp_hours, usage_count, created_at
		FROM access_keys WHERE code = $1`
	row := r.pool.QueryRow(ctx, query, code)
	var k domain.AccessKey
	if err := row.Scan(&k.Code, &k.TeamID, &k.IsTemp, &k.IsUnlimited, &k.TempHours, &k.UsageCount, &k.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &k, nil
}

// ListAccessKeys returns all keys newest first.
func (r *Repository) ListAccessKeys(ctx context.Context) ([]domain.AccessKey, error) {
	const query = `SELECT code, team_id, is_temp, is_unlimited, temp_hours, usage_count, created_at
		FROM access_keys ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.AccessKey
	for rows.Next() {
		var k domain.AccessKey
		if err := rows.Scan(&k.Code, &k.TeamID, &k.IsTemp, &k.IsUnlimited, &k.TempHours, &k.UsageCount, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// IncrementKeyUsage bumps the usage counter. Rows affected is intentionally
// ignored: a concurrent delete makes this a no-op.
func (r *Repository) IncrementKeyUsage(ctx context.Context, code string) error {
	const query = `UPDATE access_keys SET usage_count = usage_count + 1 WHERE code = $1`
	_, err := r.pool.Exec(ctx, query, code)
	return err
}

// DeleteAccessKey removes a key.
func (r *Repository) DeleteAccessKey(ctx context.Context, code string) error {
	const query = `DELETE FROM access_keys WHERE code = $1`
	tag, err := r.pool.Exec(ctx, query, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateInvitation appends a ledger record. The email is stored as provided;
// callers normalize before persisting.
func (r *Repository) CreateInvitation(ctx context.Context, invite *domain.Invitation) error {
	const query = `INSERT INTO invitations (id, team_id, email, key_code, status, is_temp, temp_expire_at, is_confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, invite.ID, invite.TeamID, invite.Email, invite.KeyCode, invite.Status, invite.IsTemp, invite.TempExpireAt, invite.IsConfirmed, invite.CreatedAt)
	return mapError(err)
}

// LatestByTeamAndEmail returns the most recent record for the pair.
func (r *Repository) LatestByTeamAndEmail(ctx context.Context, teamID, email string) (*domain.Invitation, error) {
	const query = `SELECT id, team_id, email, key_code, status, is_temp, temp_expire_at, is_confirmed, created_at
		FROM invitations WHERE team_id = $1 AND email = $2
		ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, teamID, email)
	var i domain.Invitation
	if err := row.Scan(&i.ID, &i.TeamID, &i.Email, &i.KeyCode, &i.Status, &i.IsTemp, &i.TempExpireAt, &i.IsConfirmed, &i.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &i, nil
}

// DeleteByTeamAndEmail removes every record for the pair.
func (r *Repository) DeleteByTeamAndEmail(ctx context.Context, teamID, email string) (int, error) {
	const query = `DELETE FROM invitations WHERE team_id = $1 AND email = $2`
	tag, err := r.pool.Exec(ctx, query, teamID, email)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListInvitations returns the full ledger newest first.
func (r *Repository) ListInvitations(ctx context.Context) ([]domain.Invitation, error) {
	const query = `SELECT id, team_id, email, key_code, status, is_temp, temp_expire_at, is_confirmed, created_at
		FROM invitations ORDER BY created_at DESC`
	return r.queryInvitations(ctx, query)
}

// ListExpiredTempInvitations returns unconfirmed temp grants lapsed at cutoff.
func (r *Repository) ListExpiredTempInvitations(ctx context.Context, cutoff time.Time) ([]domain.Invitation, error) {
	const query = `SELECT id, team_id, email, key_code, status, is_temp, temp_expire_at, is_confirmed, created_at
		FROM invitations
		WHERE is_temp = TRUE AND is_confirmed = FALSE AND status = 'success' AND temp_expire_at <= $1
		ORDER BY temp_expire_at ASC`
	return r.queryInvitations(ctx, query, cutoff)
}

func (r *Repository) queryInvitations(ctx context.Context, query string, args ...any) ([]domain.Invitation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invites []domain.Invitation
	for rows.Next() {
		var i domain.Invitation
		if err := rows.Scan(&i.ID, &i.TeamID, &i.Email, &i.KeyCode, &i.Status, &i.IsTemp, &i.TempExpireAt, &i.IsConfirmed, &i.CreatedAt); err != nil {
			return nil, err
		}
		invites = append(invites, i)
	}
	return invites, rows.Err()
}

// ListAuthorizedEmails returns emails with a current success invitation.
func (r *Repository) ListAuthorizedEmails(ctx context.Context, teamID string) (map[string]struct{}, error) {
	const query = `SELECT DISTINCT email FROM invitations WHERE team_id = $1 AND status = 'success'`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	emails := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails[email] = struct{}{}
	}
	return emails, rows.Err()
}

// SetConfirmed toggles the expiry exemption on an invitation.
func (r *Repository) SetConfirmed(ctx context.Context, inviteID string, confirmed bool) error {
	const query = `UPDATE invitations SET is_confirmed = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, inviteID, confirmed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendKickLog inserts a removal audit record.
func (r *Repository) AppendKickLog(ctx context.Context, entry *domain.KickLog) error {
	const query = `INSERT INTO kick_logs (id, team_id, email, reason, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.TeamID, entry.Email, entry.Reason, entry.Success, entry.Error, entry.CreatedAt)
	return mapError(err)
}

// ListKickLogs returns recent audit entries newest first.
func (r *Repository) ListKickLogs(ctx context.Context, limit int) ([]domain.KickLog, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, team_id, email, reason, success, error, created_at
		FROM kick_logs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.KickLog
	for rows.Next() {
		var e domain.KickLog
		if err := rows.Scan(&e.ID, &e.TeamID, &e.Email, &e.Reason, &e.Success, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAutoKickConfig loads the singleton reconciler configuration.
func (r *Repository) GetAutoKickConfig(ctx context.Context) (*domain.AutoKickConfig, error) {
	const query = `SELECT enabled, check_interval_seconds, start_hour, end_hour, updated_at
		FROM autokick_config WHERE id = 1`
	row := r.pool.QueryRow(ctx, query)
	var c domain.AutoKickConfig
	if err := row.Scan(&c.Enabled, &c.CheckIntervalSeconds, &c.StartHour, &c.EndHour, &c.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// SaveAutoKickConfig upserts the singleton row.
func (r *Repository) SaveAutoKickConfig(ctx context.Context, cfg *domain.AutoKickConfig) error {
	const query = `INSERT INTO autokick_config (id, enabled, check_interval_seconds, start_hour, end_hour, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled,
			check_interval_seconds = EXCLUDED.check_interval_seconds,
			start_hour = EXCLUDED.start_hour,
			end_hour = EXCLUDED.end_hour,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, cfg.Enabled, cfg.CheckIntervalSeconds, cfg.StartHour, cfg.EndHour)
	return err
}

// CreateAdmin inserts an operator account.
func (r *Repository) CreateAdmin(ctx context.Context, admin *domain.Admin) error {
	const query = `INSERT INTO admins (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, admin.ID, admin.Email, admin.PasswordHash, admin.CreatedAt)
	return mapError(err)
}

// GetAdminByEmail fetches an operator by email.
func (r *Repository) GetAdminByEmail(ctx context.Context, email string) (*domain.Admin, error) {
	const query = `SELECT id, email, password_hash, created_at FROM admins WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var a domain.Admin
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

// GetAdminByID fetches an operator by identifier.
func (r *Repository) GetAdminByID(ctx context.Context, id string) (*domain.Admin, error) {
	const query = `SELECT id, email, password_hash, created_at FROM admins WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var a domain.Admin
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}
