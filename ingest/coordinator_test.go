package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailsift/mailsift/db"
	"google.golang.org/api/googleapi"
)

type fakeFetcher struct {
	mu       sync.Mutex
	ids      []string
	bodies   map[string]string
	listErr  error
	msgErr   map[string]error
	archErr  map[string]error
	archived []string
	cursor   string
}

func (f *fakeFetcher) ListNewMessages(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ids, nil
}

func (f *fakeFetcher) Message(ctx context.Context, id string) (*RawMessage, error) {
	if err := f.msgErr[id]; err != nil {
		return nil, err
	}
	return &RawMessage{
		ProviderMessageId: id,
		Snippet:           "snippet of " + id,
		Payload: &MessagePart{
			Headers: []Header{
				{Name: "Subject", Value: "subject of " + id},
				{Name: "From", Value: id + "@example.com"},
			},
			Body: []byte(f.bodies[id]),
		},
	}, nil
}

func (f *fakeFetcher) Archive(ctx context.Context, id string) error {
	if err := f.archErr[id]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, id)
	return nil
}

func (f *fakeFetcher) Cursor(ctx context.Context) (string, error) {
	if f.cursor == "" {
		return "", errors.New("no cursor")
	}
	return f.cursor, nil
}

// fakeClassifier maps body text to a classification and falls back to the
// safe default like the real implementation.
type fakeClassifier struct {
	results map[string]Classification
}

func (c *fakeClassifier) Classify(ctx context.Context, content ExtractedContent, categories []db.Category) Classification {
	if result, ok := c.results[content.BodyText]; ok {
		return result
	}
	return safeDefault()
}

type fakeStore struct {
	mu            sync.Mutex
	accounts      []db.Account
	categories    []db.Category
	emails        map[string]db.Email
	cursorUpdates map[string]string
}

func newFakeStore(accounts []db.Account, categories []db.Category) *fakeStore {
	return &fakeStore{
		accounts:      accounts,
		categories:    categories,
		emails:        make(map[string]db.Email),
		cursorUpdates: make(map[string]string),
	}
}

func emailKey(userId, gmailMessageId string) string {
	return userId + "/" + gmailMessageId
}

func (s *fakeStore) GetAccounts(ctx context.Context, userId string) ([]db.Account, error) {
	return s.accounts, nil
}

func (s *fakeStore) GetCategories(ctx context.Context, userId string) ([]db.Category, error) {
	return s.categories, nil
}

func (s *fakeStore) EmailExists(ctx context.Context, userId string, gmailMessageId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.emails[emailKey(userId, gmailMessageId)]
	return ok, nil
}

func (s *fakeStore) InsertEmailIfAbsent(ctx context.Context, email db.Email) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := emailKey(email.UserId, email.GmailMessageId)
	if _, ok := s.emails[key]; ok {
		return false, nil
	}
	s.emails[key] = email
	return true, nil
}

func (s *fakeStore) UpdateAccountCursor(ctx context.Context, accountId string, historyId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursorUpdates[accountId] = historyId
	return nil
}

func (s *fakeStore) email(userId, gmailMessageId string) (db.Email, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.emails[emailKey(userId, gmailMessageId)]
	return email, ok
}

var (
	promo    = db.Category{Id: "cat-promo", UserId: "u1", Name: "promo"}
	receipts = db.Category{Id: "cat-receipts", UserId: "u1", Name: "receipts"}
)

func testAccount(id string) db.Account {
	return db.Account{Id: id, UserId: "u1", EmailAddress: id + "@example.com"}
}

func staticFactory(fetchers map[string]Fetcher) FetcherFactory {
	return func(ctx context.Context, account db.Account) (Fetcher, error) {
		fetcher, ok := fetchers[account.Id]
		if !ok {
			return nil, fmt.Errorf("no fetcher for account %s", account.Id)
		}
		return fetcher, nil
	}
}

func TestRunClassifiesInsertsAndArchives(t *testing.T) {
	fetcher := &fakeFetcher{
		ids:    []string{"m1", "m2", "m3"},
		bodies: map[string]string{"m1": "sale", "m2": "order", "m3": "mystery"},
		cursor: "hist-42",
	}
	classifier := &fakeClassifier{results: map[string]Classification{
		"sale":  {CategoryId: promo.Id, Summary: "a sale"},
		"order": {CategoryId: receipts.Id, Summary: "an order", UnsubscribeUrl: "https://example.com/u"},
		// m3 intentionally absent: classifier reports no confident match
	}}
	store := newFakeStore([]db.Account{testAccount("a1")}, []db.Category{promo, receipts})

	c := NewCoordinator(store, classifier, staticFactory(map[string]Fetcher{"a1": fetcher}), nil, Options{MaxMessagesPerRun: 10})
	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Seen != 3 || report.Processed != 3 || report.Inserted != 3 {
		t.Errorf("report = seen %d processed %d inserted %d, want 3/3/3",
			report.Seen, report.Processed, report.Inserted)
	}
	if len(report.Errors) != 0 {
		t.Errorf("report.Errors = %v, want none", report.Errors)
	}
	if len(fetcher.archived) != 3 {
		t.Errorf("archived %d messages, want 3", len(fetcher.archived))
	}

	m2, _ := store.email("u1", "m2")
	if m2.CategoryId != receipts.Id {
		t.Errorf("m2.CategoryId = %q, want %q", m2.CategoryId, receipts.Id)
	}
	if !m2.UnsubscribeUrl.Valid || m2.UnsubscribeUrl.String != "https://example.com/u" {
		t.Errorf("m2.UnsubscribeUrl = %+v", m2.UnsubscribeUrl)
	}

	// No confident match falls back to the first category, never dropped.
	m3, ok := store.email("u1", "m3")
	if !ok {
		t.Fatal("m3 was not inserted")
	}
	if m3.CategoryId != promo.Id {
		t.Errorf("m3.CategoryId = %q, want fallback %q", m3.CategoryId, promo.Id)
	}
	if m3.Summary != UnableToAnalyzeSummary {
		t.Errorf("m3.Summary = %q, want %q", m3.Summary, UnableToAnalyzeSummary)
	}
	if m3.UnsubscribeUrl.Valid {
		t.Errorf("m3.UnsubscribeUrl = %+v, want null", m3.UnsubscribeUrl)
	}

	if store.cursorUpdates["a1"] != "hist-42" {
		t.Errorf("cursor = %q, want hist-42", store.cursorUpdates["a1"])
	}
}

func TestRunIsIdempotent(t *testing.T) {
	// The provider keeps listing the same messages (archive lag); the
	// second run must not insert or archive anything.
	fetcher := &fakeFetcher{
		ids:    []string{"m1", "m2", "m3"},
		bodies: map[string]string{"m1": "a", "m2": "b", "m3": "c"},
	}
	store := newFakeStore([]db.Account{testAccount("a1")}, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(map[string]Fetcher{"a1": fetcher}), nil, Options{MaxMessagesPerRun: 10})

	first, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Inserted != 3 {
		t.Fatalf("first run inserted %d, want 3", first.Inserted)
	}

	second, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Seen != 3 || second.Inserted != 0 {
		t.Errorf("second run = seen %d inserted %d, want seen 3 inserted 0",
			second.Seen, second.Inserted)
	}
	if len(fetcher.archived) != 3 {
		t.Errorf("archived %d times total, want 3 (no re-archive of known messages)", len(fetcher.archived))
	}
}

func TestRunNoAccounts(t *testing.T) {
	store := newFakeStore(nil, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(nil), nil, Options{})

	_, err := c.Run(context.Background(), "u1")
	if !errors.Is(err, ErrNoAccounts) {
		t.Errorf("err = %v, want ErrNoAccounts", err)
	}
}

func TestRunNoCategoriesFailsAccountsWithoutFetching(t *testing.T) {
	var factoryCalls atomic.Int32
	factory := func(ctx context.Context, account db.Account) (Fetcher, error) {
		factoryCalls.Add(1)
		return &fakeFetcher{}, nil
	}
	store := newFakeStore([]db.Account{testAccount("a1"), testAccount("a2")}, nil)
	c := NewCoordinator(store, &fakeClassifier{}, factory, nil, Options{})

	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Errors) != 2 {
		t.Errorf("report.Errors = %v, want one per account", report.Errors)
	}
	if factoryCalls.Load() != 0 {
		t.Errorf("fetcher factory called %d times, want 0", factoryCalls.Load())
	}
}

func TestRunIsolatesAuthFailure(t *testing.T) {
	good := &fakeFetcher{ids: []string{"m1"}, bodies: map[string]string{"m1": "a"}}
	bad := &fakeFetcher{listErr: &googleapi.Error{Code: http.StatusUnauthorized, Message: "invalid_grant"}}
	store := newFakeStore([]db.Account{testAccount("a-good"), testAccount("a-bad")}, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(map[string]Fetcher{
		"a-good": good,
		"a-bad":  bad,
	}), nil, Options{MaxMessagesPerRun: 10})

	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Inserted != 1 {
		t.Errorf("inserted = %d, want 1 (good account still ingested)", report.Inserted)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("report.Errors = %v, want exactly one", report.Errors)
	}
	for _, accountReport := range report.Accounts {
		if accountReport.AccountId == "a-bad" && accountReport.Error == "" {
			t.Error("bad account has no error recorded")
		}
		if accountReport.AccountId == "a-good" && accountReport.Error != "" {
			t.Errorf("good account has error %q", accountReport.Error)
		}
	}
}

func TestRunHonorsPerRunCap(t *testing.T) {
	fetcher := &fakeFetcher{
		ids:    []string{"m1", "m2", "m3", "m4", "m5"},
		bodies: map[string]string{},
	}
	store := newFakeStore([]db.Account{testAccount("a1")}, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(map[string]Fetcher{"a1": fetcher}), nil, Options{MaxMessagesPerRun: 2})

	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Seen != 5 {
		t.Errorf("seen = %d, want 5", report.Seen)
	}
	if report.Processed != 2 || report.Inserted != 2 {
		t.Errorf("processed %d inserted %d, want 2/2", report.Processed, report.Inserted)
	}
	// Overflow stays unarchived so the next run lists it again.
	if len(fetcher.archived) != 2 {
		t.Errorf("archived %d, want 2", len(fetcher.archived))
	}
}

func TestArchiveFailureDoesNotRollBackInsert(t *testing.T) {
	fetcher := &fakeFetcher{
		ids:     []string{"m1"},
		bodies:  map[string]string{"m1": "a"},
		archErr: map[string]error{"m1": errors.New("label mutation failed")},
	}
	store := newFakeStore([]db.Account{testAccount("a1")}, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(map[string]Fetcher{"a1": fetcher}), nil, Options{MaxMessagesPerRun: 10})

	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", report.Inserted)
	}
	if len(report.Errors) != 0 {
		t.Errorf("report.Errors = %v, want none (archive failure is non-fatal)", report.Errors)
	}
	if _, ok := store.email("u1", "m1"); !ok {
		t.Error("m1 row missing after archive failure")
	}
}

func TestMessageFetchFailureSkipsMessage(t *testing.T) {
	fetcher := &fakeFetcher{
		ids:    []string{"m1", "m2"},
		bodies: map[string]string{"m2": "b"},
		msgErr: map[string]error{"m1": errors.New("transient fetch failure")},
	}
	store := newFakeStore([]db.Account{testAccount("a1")}, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(map[string]Fetcher{"a1": fetcher}), nil, Options{MaxMessagesPerRun: 10})

	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Seen != 2 || report.Processed != 1 || report.Inserted != 1 {
		t.Errorf("report = seen %d processed %d inserted %d, want 2/1/1",
			report.Seen, report.Processed, report.Inserted)
	}
}

func TestSingleFlightPerAccount(t *testing.T) {
	fetcher := &fakeFetcher{ids: []string{"m1"}, bodies: map[string]string{"m1": "a"}}
	store := newFakeStore([]db.Account{testAccount("a1")}, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(map[string]Fetcher{"a1": fetcher}), nil, Options{MaxMessagesPerRun: 10})

	if !c.acquire("a1") {
		t.Fatal("could not acquire account")
	}
	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Inserted != 0 {
		t.Errorf("inserted = %d, want 0 while another run holds the account", report.Inserted)
	}
	if len(report.Errors) != 1 {
		t.Errorf("report.Errors = %v, want in-progress error", report.Errors)
	}
	c.release("a1")

	report, err = c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run after release: %v", err)
	}
	if report.Inserted != 1 {
		t.Errorf("inserted = %d after release, want 1", report.Inserted)
	}
}

func TestRunDeadlineKeepsAccountAndErrorCountsAligned(t *testing.T) {
	// With one worker slot and two blocking mailboxes, one account holds the
	// slot past the deadline and the other may never start. Both must show up
	// in the report, each with an error recorded.
	store := newFakeStore([]db.Account{testAccount("a1"), testAccount("a2")}, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(map[string]Fetcher{
		"a1": &blockingFetcher{},
		"a2": &blockingFetcher{},
	}), nil, Options{AccountConcurrency: 1, RunTimeout: 30 * time.Millisecond})

	report, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Accounts) != 2 {
		t.Errorf("len(Accounts) = %d, want 2 (unstarted accounts still reported)", len(report.Accounts))
	}
	if len(report.Errors) != 2 {
		t.Errorf("report.Errors = %v, want one per account", report.Errors)
	}
	for _, accountReport := range report.Accounts {
		if accountReport.Error == "" {
			t.Errorf("account %s has no error recorded", accountReport.AccountId)
		}
	}
}

// blockingFetcher stalls listing until the run deadline, then lingers so the
// worker slot stays occupied while other accounts observe the expired context.
type blockingFetcher struct{}

func (f *blockingFetcher) ListNewMessages(ctx context.Context) ([]string, error) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return nil, ctx.Err()
}

func (f *blockingFetcher) Message(ctx context.Context, id string) (*RawMessage, error) {
	return nil, errors.New("unexpected call")
}

func (f *blockingFetcher) Archive(ctx context.Context, id string) error { return nil }

func (f *blockingFetcher) Cursor(ctx context.Context) (string, error) {
	return "", errors.New("no cursor")
}

func TestAccountConcurrencyCeiling(t *testing.T) {
	var running, peak atomic.Int32
	accounts := []db.Account{}
	fetchers := map[string]Fetcher{}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("a%d", i)
		accounts = append(accounts, testAccount(id))
		fetchers[id] = &slowFetcher{running: &running, peak: &peak}
	}
	store := newFakeStore(accounts, []db.Category{promo})
	c := NewCoordinator(store, &fakeClassifier{}, staticFactory(fetchers), nil, Options{
		MaxMessagesPerRun:  10,
		AccountConcurrency: 2,
	})

	if _, err := c.Run(context.Background(), "u1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent accounts = %d, want <= 2", got)
	}
}

type slowFetcher struct {
	running *atomic.Int32
	peak    *atomic.Int32
}

func (f *slowFetcher) ListNewMessages(ctx context.Context) ([]string, error) {
	current := f.running.Add(1)
	for {
		observed := f.peak.Load()
		if current <= observed || f.peak.CompareAndSwap(observed, current) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	f.running.Add(-1)
	return nil, nil
}

func (f *slowFetcher) Message(ctx context.Context, id string) (*RawMessage, error) {
	return nil, errors.New("unexpected call")
}

func (f *slowFetcher) Archive(ctx context.Context, id string) error { return nil }

func (f *slowFetcher) Cursor(ctx context.Context) (string, error) {
	return "", errors.New("no cursor")
}
