package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return database
}

func createList(t *testing.T, repo *MailingListRepository, name string) *models.MailingList {
	t.Helper()
	list := &models.MailingList{Names: models.Names{"eng-GB": name}}
	if err := repo.Create(context.Background(), list); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return list
}

func createUser(t *testing.T, repo *UserRepository, email string, status models.UserStatus) *models.User {
	t.Helper()
	u := &models.User{Email: email, Origin: models.OriginSite, Status: status}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return u
}

func TestMailingListRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMailingListRepository(setupTestDB(t))

	news := createList(t, repo, "News")
	createList(t, repo, "Offers")

	got, err := repo.GetByID(ctx, news.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Names["eng-GB"] != "News" {
		t.Errorf("GetByID().Names = %v, want News", got.Names)
	}

	lists, total, err := repo.List(ctx, models.MailingListFilter{Search: "Off"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(lists) != 1 {
		t.Errorf("List() total = %d, len = %d, want 1, 1", total, len(lists))
	}

	got.WithApproval = true
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = repo.GetByID(ctx, news.ID)
	if !got.WithApproval {
		t.Error("Update() did not persist WithApproval")
	}

	if err := repo.Delete(ctx, news.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err = repo.GetByID(ctx, news.ID)
	if err != nil || got != nil {
		t.Errorf("GetByID() after delete = %v, %v, want nil, nil", got, err)
	}
}

func TestCampaignRepository(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	lists := NewMailingListRepository(database)
	repo := NewCampaignRepository(database)

	a := createList(t, lists, "A")
	b := createList(t, lists, "B")

	c := &models.Campaign{
		Names:          models.Names{"eng-GB": "Weekly"},
		SenderName:     "Shop",
		SenderEmail:    "shop@example.com",
		ReportEmail:    "report@example.com",
		MailingListIDs: []int64{a.ID},
	}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// adding twice is a no-op
	for range 2 {
		if err := repo.AddMailingList(ctx, c.ID, b.ID); err != nil {
			t.Fatalf("AddMailingList() error = %v", err)
		}
	}

	got, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(got.MailingListIDs) != 2 {
		t.Errorf("GetByID().MailingListIDs = %v, want 2 lists", got.MailingListIDs)
	}
	if got.SenderEmail != "shop@example.com" {
		t.Errorf("GetByID().SenderEmail = %q, want shop@example.com", got.SenderEmail)
	}

	if err := repo.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got, _ := repo.GetByID(ctx, c.ID); got != nil {
		t.Errorf("GetByID() after delete = %v, want nil", got)
	}
}

func TestMailingRepositoryUpdateStatus(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	repo := NewMailingRepository(database)

	c := &models.Campaign{Names: models.Names{"eng-GB": "C"}}
	if err := campaigns.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	m := &models.Mailing{
		CampaignID: c.ID,
		Names:      models.Names{"eng-GB": "M"},
		Subject:    "Hello",
		HoursOfDay: models.IntSet{9},
	}
	if err := repo.Create(ctx, m); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.Status != models.MailingDraft {
		t.Errorf("Create() status = %s, want draft", m.Status)
	}

	if err := repo.UpdateStatus(ctx, m, models.MailingSent); err == nil {
		t.Error("UpdateStatus(draft -> sent) error = nil, want invalid transition")
	}
	if err := repo.UpdateStatus(ctx, m, models.MailingPending); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	// a second processor still holding the pending copy loses the race
	stale := *m
	if err := repo.UpdateStatus(ctx, m, models.MailingProcessing); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	err := repo.UpdateStatus(ctx, &stale, models.MailingProcessing)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("UpdateStatus() on stale copy error = %v, want ErrConflict", err)
	}

	pending, err := repo.List(ctx, models.MailingFilter{Status: models.MailingProcessing})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 1 || !pending[0].HoursOfDay.Contains(9) {
		t.Errorf("List() = %+v, want the processing mailing with its schedule", pending)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts["processing"] != 1 || len(counts) != 1 {
		t.Errorf("CountByStatus() = %v, want processing: 1", counts)
	}
}

func TestUserRepositoryRecipients(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	lists := NewMailingListRepository(database)
	repo := NewUserRepository(database)

	a := createList(t, lists, "A")
	b := createList(t, lists, "B")

	both := createUser(t, repo, "both@example.com", models.UserConfirmed)
	unapproved := createUser(t, repo, "unapproved@example.com", models.UserConfirmed)
	bounced := createUser(t, repo, "bounced@example.com", models.UserHardBounce)
	restricted := createUser(t, repo, "restricted@example.com", models.UserConfirmed)
	restricted.Restricted = true
	if err := repo.Update(ctx, restricted); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	regs := []models.Registration{
		{MailingListID: a.ID, UserID: both.ID, Approved: true},
		{MailingListID: b.ID, UserID: both.ID, Approved: true},
		{MailingListID: a.ID, UserID: unapproved.ID, Approved: false},
		{MailingListID: a.ID, UserID: bounced.ID, Approved: true},
		{MailingListID: a.ID, UserID: restricted.ID, Approved: true},
	}
	for i := range regs {
		if err := repo.AddRegistration(ctx, &regs[i]); err != nil {
			t.Fatalf("AddRegistration() error = %v", err)
		}
	}

	users, err := repo.Recipients(ctx, []int64{a.ID, b.ID})
	if err != nil {
		t.Fatalf("Recipients() error = %v", err)
	}
	if len(users) != 1 || users[0].Email != "both@example.com" {
		t.Errorf("Recipients() = %+v, want only both@example.com", users)
	}

	// approving an existing registration updates it in place
	reg := models.Registration{MailingListID: a.ID, UserID: unapproved.ID, Approved: true}
	if err := repo.AddRegistration(ctx, &reg); err != nil {
		t.Fatalf("AddRegistration() error = %v", err)
	}
	if reg.ID != regs[2].ID {
		t.Errorf("AddRegistration() id = %d, want existing %d", reg.ID, regs[2].ID)
	}
	users, _ = repo.Recipients(ctx, []int64{a.ID})
	if len(users) != 2 {
		t.Errorf("Recipients() after approval = %d users, want 2", len(users))
	}
}

func TestUserRepositoryListAndCounts(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	lists := NewMailingListRepository(database)
	repo := NewUserRepository(database)

	a := createList(t, lists, "A")
	u1 := createUser(t, repo, " Alice@Example.com ", models.UserConfirmed)
	createUser(t, repo, "bob@example.com", models.UserPending)
	createUser(t, repo, "carol@example.com", models.UserConfirmed)
	if err := repo.AddRegistration(ctx, &models.Registration{MailingListID: a.ID, UserID: u1.ID, Approved: true}); err != nil {
		t.Fatalf("AddRegistration() error = %v", err)
	}

	if u1.Email != "alice@example.com" {
		t.Errorf("stored email = %q, want lowercased", u1.Email)
	}
	for _, email := range []string{"alice@example.com", "ALICE@example.COM "} {
		got, err := repo.GetByEmail(ctx, email)
		if err != nil || got == nil || got.ID != u1.ID {
			t.Fatalf("GetByEmail(%q) = %v, %v, want alice", email, got, err)
		}
	}

	users, total, err := repo.List(ctx, models.UserFilter{Status: models.UserConfirmed, Limit: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 || len(users) != 1 {
		t.Errorf("List() total = %d, len = %d, want 2, 1", total, len(users))
	}

	users, total, _ = repo.List(ctx, models.UserFilter{MailingListIDs: []int64{a.ID}})
	if total != 1 || users[0].ID != u1.ID {
		t.Errorf("List(list filter) = %+v, want alice", users)
	}

	counts, err := repo.StatusCounts(ctx, models.UserFilter{Status: models.UserConfirmed})
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	want := map[models.UserStatus]int{models.UserConfirmed: 2, models.UserPending: 1, models.UserRemoved: 0}
	for st, n := range want {
		if counts[st] != n {
			t.Errorf("StatusCounts()[%s] = %d, want %d", st, counts[st], n)
		}
	}

	n, err := repo.RemoveRegistrations(ctx, u1.ID, nil)
	if err != nil || n != 1 {
		t.Errorf("RemoveRegistrations() = %d, %v, want 1, nil", n, err)
	}
}

func TestStatHitRepositoryStats(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	broadcasts := NewBroadcastRepository(database)
	repo := NewStatHitRepository(database)

	b := &models.Broadcast{EmailSentCount: 0, HTML: "<p>hi</p>"}
	if err := broadcasts.Create(ctx, b); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b.EmailSentCount = 3
	if err := broadcasts.Finish(ctx, b); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	hits := []models.StatHit{
		{URL: models.ReadMarker, UserKey: "k1", OSName: "Linux", BrowserName: "Firefox"},
		{URL: models.ReadMarker, UserKey: "k1", OSName: "Linux", BrowserName: "Firefox"},
		{URL: models.ReadMarker, UserKey: "k2", OSName: "Windows", BrowserName: "Chrome"},
		{URL: "https://example.com/a", UserKey: "k1", OSName: "Linux", BrowserName: "Firefox"},
		{URL: "https://example.com/a", UserKey: "k2"},
	}
	for i := range hits {
		hits[i].BroadcastID = b.ID
		if err := repo.Create(ctx, &hits[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	stats, err := repo.Stats(ctx, []int64{b.ID})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.EmailsSent != 3 {
		t.Errorf("Stats().EmailsSent = %d, want 3", stats.EmailsSent)
	}
	if stats.Hits != 5 {
		t.Errorf("Stats().Hits = %d, want 5", stats.Hits)
	}
	if stats.Opens != 2 {
		t.Errorf("Stats().Opens = %d, want 2", stats.Opens)
	}
	if stats.Clicks["https://example.com/a"] != 2 || len(stats.Clicks) != 1 {
		t.Errorf("Stats().Clicks = %v, want one url with 2 clicks", stats.Clicks)
	}
	if stats.Browsers["Firefox"] != 3 {
		t.Errorf("Stats().Browsers = %v, want Firefox 3", stats.Browsers)
	}

	got, err := broadcasts.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Ended == nil || got.HTML != "<p>hi</p>" {
		t.Errorf("GetByID() = %+v, want finished broadcast with html", got)
	}

	empty, err := repo.Stats(ctx, nil)
	if err != nil || empty.Hits != 0 {
		t.Errorf("Stats(nil) = %+v, %v, want zero stats", empty, err)
	}
}

func TestConfirmationTokenRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewConfirmationTokenRepository(setupTestDB(t))

	token := &models.ConfirmationToken{Payload: map[string]any{"action": "unsubscribe", "user_id": float64(4)}}
	if err := repo.Create(ctx, token); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(token.ID) != 36 {
		t.Errorf("Create() id = %q, want uuid", token.ID)
	}

	got, err := repo.Get(ctx, token.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Payload["action"] != "unsubscribe" || got.Payload["user_id"] != float64(4) {
		t.Errorf("Get().Payload = %v, want %v", got.Payload, token.Payload)
	}

	n, err := repo.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("DeleteOlderThan() = %d, %v, want 1, nil", n, err)
	}
	if got, _ := repo.Get(ctx, token.ID); got != nil {
		t.Errorf("Get() after delete = %v, want nil", got)
	}
}
