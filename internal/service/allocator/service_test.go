package allocator

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

type fakeStore struct {
	teams map[string]*domain.Team
	order []string
	keys  map[string]*domain.AccessKey

	invitations []domain.Invitation
	recorded    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		teams: make(map[string]*domain.Team),
		keys:  make(map[string]*domain.AccessKey),
	}
}

func (f *fakeStore) addTeam(t *domain.Team) {
	f.teams[t.ID] = t
	f.order = append(f.order, t.ID)
}

func (f *fakeStore) CreateTeam(ctx context.Context, team *domain.Team) error {
	f.addTeam(team)
	return nil
}

func (f *fakeStore) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	if t, ok := f.teams[teamID]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListTeams(ctx context.Context) ([]domain.Team, error) {
	out := make([]domain.Team, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.teams[id])
	}
	return out, nil
}

func (f *fakeStore) SetTokenStatus(ctx context.Context, teamID, status string) error {
	t, ok := f.teams[teamID]
	if !ok {
		return repository.ErrNotFound
	}
	t.TokenStatus = status
	return nil
}

func (f *fakeStore) SetMemberCount(ctx context.Context, teamID string, count int) error {
	t, ok := f.teams[teamID]
	if !ok {
		return repository.ErrNotFound
	}
	t.MemberCount = count
	return nil
}

func (f *fakeStore) RecordInvite(ctx context.Context, teamID string, count int, at time.Time) error {
	t, ok := f.teams[teamID]
	if !ok {
		return repository.ErrNotFound
	}
	t.MemberCount = count
	t.LastInviteAt = &at
	f.recorded = append(f.recorded, teamID)
	return nil
}

func (f *fakeStore) UpdateCredential(ctx context.Context, teamID, credential string) error {
	t, ok := f.teams[teamID]
	if !ok {
		return repository.ErrNotFound
	}
	t.Credential = credential
	t.TokenStatus = domain.TokenStatusActive
	return nil
}

func (f *fakeStore) CreateAccessKey(ctx context.Context, key *domain.AccessKey) error {
	f.keys[key.Code] = key
	return nil
}

func (f *fakeStore) GetAccessKey(ctx context.Context, code string) (*domain.AccessKey, error) {
	if k, ok := f.keys[code]; ok {
		copied := *k
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListAccessKeys(ctx context.Context) ([]domain.AccessKey, error) {
	out := make([]domain.AccessKey, 0, len(f.keys))
	for _, k := range f.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (f *fakeStore) IncrementKeyUsage(ctx context.Context, code string) error {
	if k, ok := f.keys[code]; ok {
		k.UsageCount++
	}
	return nil
}

func (f *fakeStore) DeleteAccessKey(ctx context.Context, code string) error {
	if _, ok := f.keys[code]; !ok {
		return repository.ErrNotFound
	}
	delete(f.keys, code)
	return nil
}

func (f *fakeStore) CreateInvitation(ctx context.Context, invite *domain.Invitation) error {
	f.invitations = append(f.invitations, *invite)
	return nil
}

func (f *fakeStore) LatestByTeamAndEmail(ctx context.Context, teamID, email string) (*domain.Invitation, error) {
	for i := len(f.invitations) - 1; i >= 0; i-- {
		if f.invitations[i].TeamID == teamID && f.invitations[i].Email == email {
			copied := f.invitations[i]
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) DeleteByTeamAndEmail(ctx context.Context, teamID, email string) (int, error) {
	kept := f.invitations[:0]
	removed := 0
	for _, inv := range f.invitations {
		if inv.TeamID == teamID && inv.Email == email {
			removed++
			continue
		}
		kept = append(kept, inv)
	}
	f.invitations = kept
	return removed, nil
}

func (f *fakeStore) ListInvitations(ctx context.Context) ([]domain.Invitation, error) {
	out := make([]domain.Invitation, len(f.invitations))
	copy(out, f.invitations)
	return out, nil
}

func (f *fakeStore) ListExpiredTempInvitations(ctx context.Context, cutoff time.Time) ([]domain.Invitation, error) {
	var out []domain.Invitation
	for _, inv := range f.invitations {
		if inv.Status == domain.InviteStatusSuccess && inv.IsTemp && !inv.IsConfirmed &&
			inv.TempExpireAt != nil && !inv.TempExpireAt.After(cutoff) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAuthorizedEmails(ctx context.Context, teamID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, inv := range f.invitations {
		if inv.TeamID == teamID && inv.Status == domain.InviteStatusSuccess {
			out[inv.Email] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeStore) SetConfirmed(ctx context.Context, inviteID string, confirmed bool) error {
	for i := range f.invitations {
		if f.invitations[i].ID == inviteID {
			f.invitations[i].IsConfirmed = confirmed
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeRemote struct {
	rosters    map[string][]remote.Member
	listErr    map[string]error
	inviteErr  map[string]error
	invited    []string
	listCalls  int
	inviteSent map[string][]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rosters:    make(map[string][]remote.Member),
		listErr:    make(map[string]error),
		inviteErr:  make(map[string]error),
		inviteSent: make(map[string][]string),
	}
}

func (f *fakeRemote) ListMembers(ctx context.Context, credential, accountID string) ([]remote.Member, error) {
	f.listCalls++
	if err := f.listErr[accountID]; err != nil {
		return nil, err
	}
	return f.rosters[accountID], nil
}

func (f *fakeRemote) Invite(ctx context.Context, credential, accountID, email string) error {
	if err := f.inviteErr[accountID]; err != nil {
		return err
	}
	f.invited = append(f.invited, accountID)
	f.inviteSent[accountID] = append(f.inviteSent[accountID], email)
	return nil
}

func (f *fakeRemote) ListPendingInvites(ctx context.Context, credential, accountID string) ([]remote.PendingInvite, error) {
	return nil, nil
}

func (f *fakeRemote) RevokeInvite(ctx context.Context, credential, accountID, inviteID string) error {
	return nil
}

func (f *fakeRemote) RemoveMember(ctx context.Context, credential, accountID, userID string) error {
	return nil
}

func seatHolders(n int) []remote.Member {
	members := []remote.Member{{ID: "u-owner", Email: "owner@pool.test", Role: remote.RoleOwner}}
	for i := 0; i < n; i++ {
		members = append(members, remote.Member{
			ID:    "u-" + string(rune('a'+i)),
			Email: "user" + string(rune('a'+i)) + "@pool.test",
			Role:  "member",
		})
	}
	return members
}

func newTestService(store *fakeStore, client *fakeRemote, at time.Time) Service {
	return Service{
		teams:       store,
		keys:        store,
		invitations: store,
		remote:      client,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		capacity:    4,
		tempDefault: 24 * time.Hour,
		now:         func() time.Time { return at },
	}
}

func TestJoinRejectsUnknownKey(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeRemote(), time.Now())
	if _, err := svc.Join(context.Background(), "nope", "user@pool.test"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestJoinRejectsSpentSingleUseKey(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1", UsageCount: 1}
	svc := newTestService(store, newFakeRemote(), time.Now())

	if _, err := svc.Join(context.Background(), "k1", "user@pool.test"); !errors.Is(err, ErrKeyAlreadyUsed) {
		t.Fatalf("expected ErrKeyAlreadyUsed, got %v", err)
	}
	if len(store.invitations) != 0 {
		t.Fatalf("rejected join must not touch the ledger, got %d records", len(store.invitations))
	}
}

func TestJoinUnlimitedKeySurvivesReuse(t *testing.T) {
	store := newFakeStore()
	store.keys["bulk"] = &domain.AccessKey{Code: "bulk", IsUnlimited: true, UsageCount: 7}
	store.addTeam(&domain.Team{ID: "t1", Name: "alpha", RemoteAccountID: "acc-1", Credential: "c1", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.rosters["acc-1"] = seatHolders(1)
	svc := newTestService(store, client, time.Now())

	result, err := svc.Join(context.Background(), "bulk", "new@pool.test")
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if result.TeamID != "t1" {
		t.Fatalf("expected team t1, got %s", result.TeamID)
	}
	if store.keys["bulk"].UsageCount != 8 {
		t.Fatalf("usage count not incremented, got %d", store.keys["bulk"].UsageCount)
	}
}

func TestJoinPicksFirstTeamWithFreeSeat(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1"}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	store.addTeam(&domain.Team{ID: "b", Name: "team-b", RemoteAccountID: "acc-b", Credential: "cb", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.rosters["acc-a"] = seatHolders(4)
	client.rosters["acc-b"] = seatHolders(2)
	svc := newTestService(store, client, time.Now())

	result, err := svc.Join(context.Background(), "k1", "new@pool.test")
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if result.TeamID != "b" {
		t.Fatalf("full team a should be skipped, got %s", result.TeamID)
	}
	if len(client.invited) != 1 || client.invited[0] != "acc-b" {
		t.Fatalf("expected one invite to acc-b, got %v", client.invited)
	}
	if store.teams["a"].MemberCount != 4 {
		t.Fatalf("team a count should refresh to 4, got %d", store.teams["a"].MemberCount)
	}
	if store.teams["b"].MemberCount != 3 {
		t.Fatalf("team b count should be 2+1 after invite, got %d", store.teams["b"].MemberCount)
	}
}

func TestJoinExistingMemberSkipsRemoteInvite(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1", IsUnlimited: true}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.rosters["acc-a"] = []remote.Member{
		{ID: "u-owner", Email: "owner@pool.test", Role: remote.RoleOwner},
		{ID: "u-1", Email: "Seated@Pool.Test", Role: "member"},
	}
	svc := newTestService(store, client, time.Now())

	result, err := svc.Join(context.Background(), "k1", "  seated@pool.test ")
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if result.TeamID != "a" {
		t.Fatalf("expected existing seat in team a, got %s", result.TeamID)
	}
	if len(client.invited) != 0 {
		t.Fatalf("existing member must not trigger a remote invite, got %v", client.invited)
	}
	if len(store.invitations) != 1 || store.invitations[0].Status != domain.InviteStatusSuccess {
		t.Fatalf("expected one success ledger record, got %+v", store.invitations)
	}
	if store.invitations[0].Email != "seated@pool.test" {
		t.Fatalf("ledger email not normalized: %q", store.invitations[0].Email)
	}
}

func TestJoinNoCapacityAnywhere(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1"}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.rosters["acc-a"] = seatHolders(4)
	svc := newTestService(store, client, time.Now())

	if _, err := svc.Join(context.Background(), "k1", "new@pool.test"); !errors.Is(err, ErrNoAvailableTeams) {
		t.Fatalf("expected ErrNoAvailableTeams, got %v", err)
	}
	if len(store.invitations) != 0 {
		t.Fatalf("capacity exhaustion must not write ledger records, got %d", len(store.invitations))
	}
	if store.keys["k1"].UsageCount != 0 {
		t.Fatalf("capacity exhaustion must not spend the key, got usage %d", store.keys["k1"].UsageCount)
	}
}

func TestJoinOwnerSeatDoesNotCount(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1"}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	// Three member seats plus the owner, so one seat is still free.
	client.rosters["acc-a"] = seatHolders(3)
	svc := newTestService(store, client, time.Now())

	result, err := svc.Join(context.Background(), "k1", "new@pool.test")
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if result.TeamID != "a" {
		t.Fatalf("expected allocation into team a, got %s", result.TeamID)
	}
}

func TestJoinSkipsExpiredCredentialTeam(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1"}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	store.addTeam(&domain.Team{ID: "b", Name: "team-b", RemoteAccountID: "acc-b", Credential: "cb", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.listErr["acc-a"] = &remote.Error{Kind: remote.KindAuthExpired, Status: 401, Message: "token expired"}
	client.rosters["acc-b"] = seatHolders(0)
	svc := newTestService(store, client, time.Now())

	result, err := svc.Join(context.Background(), "k1", "new@pool.test")
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if result.TeamID != "b" {
		t.Fatalf("expected fallback to team b, got %s", result.TeamID)
	}
	if store.teams["a"].TokenStatus != domain.TokenStatusExpired {
		t.Fatalf("credential rejection should expire team a, got %s", store.teams["a"].TokenStatus)
	}
}

func TestJoinTransientRemoteFailureDoesNotExpireTeam(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1"}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	store.addTeam(&domain.Team{ID: "b", Name: "team-b", RemoteAccountID: "acc-b", Credential: "cb", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.listErr["acc-a"] = &remote.Error{Kind: remote.KindRemote, Status: 503, Message: "upstream busy"}
	client.rosters["acc-b"] = seatHolders(0)
	svc := newTestService(store, client, time.Now())

	if _, err := svc.Join(context.Background(), "k1", "new@pool.test"); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if store.teams["a"].TokenStatus != domain.TokenStatusActive {
		t.Fatalf("transient failure must not expire team a, got %s", store.teams["a"].TokenStatus)
	}
}

func TestJoinTempKeyStampsExpiry(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.keys["tmp"] = &domain.AccessKey{Code: "tmp", IsTemp: true}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.rosters["acc-a"] = seatHolders(0)
	svc := newTestService(store, client, at)

	if _, err := svc.Join(context.Background(), "tmp", "new@pool.test"); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if len(store.invitations) != 1 {
		t.Fatalf("expected one ledger record, got %d", len(store.invitations))
	}
	inv := store.invitations[0]
	if !inv.IsTemp || inv.TempExpireAt == nil {
		t.Fatalf("temp key must produce a temp record with expiry, got %+v", inv)
	}
	want := at.Add(24 * time.Hour)
	if !inv.TempExpireAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, *inv.TempExpireAt)
	}
}

func TestJoinTempKeyCustomHours(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.keys["tmp"] = &domain.AccessKey{Code: "tmp", IsTemp: true, TempHours: 6}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.rosters["acc-a"] = seatHolders(0)
	svc := newTestService(store, client, at)

	if _, err := svc.Join(context.Background(), "tmp", "new@pool.test"); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	want := at.Add(6 * time.Hour)
	if got := store.invitations[0].TempExpireAt; got == nil || !got.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, got)
	}
}

func TestJoinRemoteInviteFailureWritesFailedRecord(t *testing.T) {
	store := newFakeStore()
	store.keys["k1"] = &domain.AccessKey{Code: "k1"}
	store.addTeam(&domain.Team{ID: "a", Name: "team-a", RemoteAccountID: "acc-a", Credential: "ca", TokenStatus: domain.TokenStatusActive})
	client := newFakeRemote()
	client.rosters["acc-a"] = seatHolders(0)
	client.inviteErr["acc-a"] = &remote.Error{Kind: remote.KindRemote, Status: 500, Message: "invite rejected"}
	svc := newTestService(store, client, time.Now())

	_, err := svc.Join(context.Background(), "k1", "new@pool.test")
	var re *remote.Error
	if !errors.As(err, &re) {
		t.Fatalf("expected remote error to propagate, got %v", err)
	}
	if len(store.invitations) != 1 || store.invitations[0].Status != domain.InviteStatusFailed {
		t.Fatalf("expected one failed ledger record, got %+v", store.invitations)
	}
	if store.keys["k1"].UsageCount != 0 {
		t.Fatalf("failed invite must not spend the key, got usage %d", store.keys["k1"].UsageCount)
	}
}
