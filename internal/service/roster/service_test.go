package roster

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/remote"
	"github.com/harborloop/seatpool/internal/repository"
)

type stubTeams struct {
	team   *domain.Team
	status map[string]string
}

func (s *stubTeams) CreateTeam(ctx context.Context, team *domain.Team) error { return nil }

func (s *stubTeams) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	if s.team != nil && s.team.ID == teamID {
		copied := *s.team
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubTeams) ListTeams(ctx context.Context) ([]domain.Team, error) { return nil, nil }

func (s *stubTeams) SetTokenStatus(ctx context.Context, teamID, status string) error {
	if s.status == nil {
		s.status = make(map[string]string)
	}
	s.status[teamID] = status
	return nil
}

func (s *stubTeams) SetMemberCount(ctx context.Context, teamID string, count int) error { return nil }

func (s *stubTeams) RecordInvite(ctx context.Context, teamID string, count int, at time.Time) error {
	return nil
}

func (s *stubTeams) UpdateCredential(ctx context.Context, teamID, credential string) error {
	return nil
}

type stubInvites struct {
	records []domain.Invitation
	purged  []string
}

func (s *stubInvites) CreateInvitation(ctx context.Context, invite *domain.Invitation) error {
	s.records = append(s.records, *invite)
	return nil
}

func (s *stubInvites) LatestByTeamAndEmail(ctx context.Context, teamID, email string) (*domain.Invitation, error) {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].TeamID == teamID && s.records[i].Email == email {
			copied := s.records[i]
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubInvites) DeleteByTeamAndEmail(ctx context.Context, teamID, email string) (int, error) {
	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if r.TeamID == teamID && r.Email == email {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	s.purged = append(s.purged, email)
	return removed, nil
}

func (s *stubInvites) ListInvitations(ctx context.Context) ([]domain.Invitation, error) {
	return append([]domain.Invitation(nil), s.records...), nil
}

func (s *stubInvites) ListExpiredTempInvitations(ctx context.Context, cutoff time.Time) ([]domain.Invitation, error) {
	return nil, nil
}

func (s *stubInvites) ListAuthorizedEmails(ctx context.Context, teamID string) (map[string]struct{}, error) {
	return nil, nil
}

func (s *stubInvites) SetConfirmed(ctx context.Context, inviteID string, confirmed bool) error {
	for i := range s.records {
		if s.records[i].ID == inviteID {
			s.records[i].IsConfirmed = confirmed
			return nil
		}
	}
	return repository.ErrNotFound
}

type stubKicks struct {
	entries []domain.KickLog
}

func (s *stubKicks) AppendKickLog(ctx context.Context, entry *domain.KickLog) error {
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *stubKicks) ListKickLogs(ctx context.Context, limit int) ([]domain.KickLog, error) {
	return append([]domain.KickLog(nil), s.entries...), nil
}

type stubRemote struct {
	members   []remote.Member
	pending   []remote.PendingInvite
	inviteErr error
	removed   []string
	revoked   []string
	invited   []string
}

func (s *stubRemote) ListMembers(ctx context.Context, credential, accountID string) ([]remote.Member, error) {
	return s.members, nil
}

func (s *stubRemote) Invite(ctx context.Context, credential, accountID, email string) error {
	if s.inviteErr != nil {
		return s.inviteErr
	}
	s.invited = append(s.invited, email)
	return nil
}

func (s *stubRemote) ListPendingInvites(ctx context.Context, credential, accountID string) ([]remote.PendingInvite, error) {
	return s.pending, nil
}

func (s *stubRemote) RevokeInvite(ctx context.Context, credential, accountID, inviteID string) error {
	s.revoked = append(s.revoked, inviteID)
	return nil
}

func (s *stubRemote) RemoveMember(ctx context.Context, credential, accountID, userID string) error {
	s.removed = append(s.removed, userID)
	return nil
}

func newTestService(teams *stubTeams, invites *stubInvites, kicks *stubKicks, client *stubRemote) Service {
	return Service{
		teams:       teams,
		invitations: invites,
		kicks:       kicks,
		remote:      client,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
}

func poolTeam() *domain.Team {
	return &domain.Team{ID: "t1", Name: "alpha", RemoteAccountID: "acc-1", Credential: "c1", TokenStatus: domain.TokenStatusActive}
}

func TestMembersAnnotatesFromLedger(t *testing.T) {
	joined := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	teams := &stubTeams{team: poolTeam()}
	invites := &stubInvites{records: []domain.Invitation{
		{ID: "i1", TeamID: "t1", Email: "known@pool.test", Status: domain.InviteStatusSuccess, IsTemp: true, CreatedAt: joined},
	}}
	client := &stubRemote{members: []remote.Member{
		{ID: "u-owner", Email: "owner@pool.test", Role: remote.RoleOwner},
		{ID: "u-1", Email: "Known@Pool.Test", Role: "member"},
		{ID: "u-2", Email: "drifter@pool.test", Role: "member"},
	}}
	svc := newTestService(teams, invites, &stubKicks{}, client)

	infos, err := svc.Members(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Members returned error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("owner must be excluded, got %d members", len(infos))
	}
	if infos[0].Email != "known@pool.test" || infos[0].JoinedAt == nil || !infos[0].IsTemp {
		t.Fatalf("ledger annotation missing: %+v", infos[0])
	}
	if infos[1].JoinedAt != nil {
		t.Fatalf("member without ledger record should have nil JoinedAt: %+v", infos[1])
	}
}

func TestDirectInviteRecordsNilKeyCode(t *testing.T) {
	teams := &stubTeams{team: poolTeam()}
	invites := &stubInvites{}
	client := &stubRemote{}
	svc := newTestService(teams, invites, &stubKicks{}, client)

	if err := svc.DirectInvite(context.Background(), "t1", " Guest@Pool.Test "); err != nil {
		t.Fatalf("DirectInvite returned error: %v", err)
	}
	if len(client.invited) != 1 || client.invited[0] != "guest@pool.test" {
		t.Fatalf("expected normalized invite, got %v", client.invited)
	}
	if len(invites.records) != 1 {
		t.Fatalf("expected one ledger record, got %d", len(invites.records))
	}
	rec := invites.records[0]
	if rec.KeyCode != nil || rec.Status != domain.InviteStatusSuccess || rec.IsTemp {
		t.Fatalf("operator invite must be permanent with nil key code: %+v", rec)
	}
}

func TestDirectInviteFailureStillRecorded(t *testing.T) {
	teams := &stubTeams{team: poolTeam()}
	invites := &stubInvites{}
	client := &stubRemote{inviteErr: &remote.Error{Kind: remote.KindRemote, Status: 500, Message: "nope"}}
	svc := newTestService(teams, invites, &stubKicks{}, client)

	err := svc.DirectInvite(context.Background(), "t1", "guest@pool.test")
	if err == nil {
		t.Fatal("expected the remote failure to propagate")
	}
	if len(invites.records) != 1 || invites.records[0].Status != domain.InviteStatusFailed {
		t.Fatalf("expected one failed ledger record, got %+v", invites.records)
	}
}

func TestKickRemovesSeatedMemberAndPurgesLedger(t *testing.T) {
	teams := &stubTeams{team: poolTeam()}
	invites := &stubInvites{records: []domain.Invitation{
		{ID: "i1", TeamID: "t1", Email: "target@pool.test", Status: domain.InviteStatusSuccess},
		{ID: "i2", TeamID: "t1", Email: "target@pool.test", Status: domain.InviteStatusFailed},
		{ID: "i3", TeamID: "t1", Email: "other@pool.test", Status: domain.InviteStatusSuccess},
	}}
	client := &stubRemote{members: []remote.Member{
		{ID: "u-1", Email: "target@pool.test", Role: "member"},
	}}
	kicks := &stubKicks{}
	svc := newTestService(teams, invites, kicks, client)

	if err := svc.Kick(context.Background(), "t1", "Target@Pool.Test"); err != nil {
		t.Fatalf("Kick returned error: %v", err)
	}
	if len(client.removed) != 1 || client.removed[0] != "u-1" {
		t.Fatalf("expected seat removal of u-1, got %v", client.removed)
	}
	if len(invites.records) != 1 || invites.records[0].Email != "other@pool.test" {
		t.Fatalf("ledger purge must only hit the kicked pair, got %+v", invites.records)
	}
	if len(kicks.entries) != 1 || kicks.entries[0].Reason != domain.KickReasonManual || !kicks.entries[0].Success {
		t.Fatalf("unexpected kick log: %+v", kicks.entries)
	}
}

func TestKickRevokesPendingInvite(t *testing.T) {
	teams := &stubTeams{team: poolTeam()}
	invites := &stubInvites{records: []domain.Invitation{
		{ID: "i1", TeamID: "t1", Email: "waiting@pool.test", Status: domain.InviteStatusSuccess},
	}}
	client := &stubRemote{
		pending: []remote.PendingInvite{{ID: "pend-1", Email: "waiting@pool.test"}},
	}
	svc := newTestService(teams, invites, &stubKicks{}, client)

	if err := svc.Kick(context.Background(), "t1", "waiting@pool.test"); err != nil {
		t.Fatalf("Kick returned error: %v", err)
	}
	if len(client.revoked) != 1 || client.revoked[0] != "pend-1" {
		t.Fatalf("expected pending invite revocation, got %v", client.revoked)
	}
	if len(invites.records) != 0 {
		t.Fatalf("ledger should be purged after revocation, got %+v", invites.records)
	}
}

func TestKickUnknownEmail(t *testing.T) {
	teams := &stubTeams{team: poolTeam()}
	invites := &stubInvites{}
	svc := newTestService(teams, invites, &stubKicks{}, &stubRemote{})

	err := svc.Kick(context.Background(), "t1", "ghost@pool.test")
	if !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
	if len(invites.purged) != 0 {
		t.Fatalf("failed kick must not purge the ledger")
	}
}

func TestConfirmTogglesExemption(t *testing.T) {
	invites := &stubInvites{records: []domain.Invitation{{ID: "i1", TeamID: "t1", Email: "x@pool.test"}}}
	svc := newTestService(&stubTeams{team: poolTeam()}, invites, &stubKicks{}, &stubRemote{})

	if err := svc.Confirm(context.Background(), "i1", true); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if !invites.records[0].IsConfirmed {
		t.Fatal("confirmation flag not set")
	}
	if err := svc.Confirm(context.Background(), "missing", true); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown invite, got %v", err)
	}
}
