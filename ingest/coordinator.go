package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailsift/mailsift/db"
	"github.com/mailsift/mailsift/notification"
)

// Account run phases, in order. An account that cannot start or aborts
// mid-run lands in PhaseFailed; every other account ends in PhaseDone.
const (
	PhasePending    = "pending"
	PhaseFetching   = "fetching"
	PhaseProcessing = "processing"
	PhaseArchiving  = "archiving"
	PhaseDone       = "done"
	PhaseFailed     = "failed"
)

// RunReport aggregates one ingestion run. Seen counts every message id the
// provider listed; Processed counts the ones that went through the pipeline
// (the per-run cap can leave Seen > Processed); Inserted counts new rows.
type RunReport struct {
	UserId    string          `json:"user_id"`
	Seen      int             `json:"seen"`
	Processed int             `json:"processed"`
	Inserted  int             `json:"inserted"`
	Accounts  []AccountReport `json:"accounts"`
	Errors    []string        `json:"errors"`
	StartedAt time.Time       `json:"started_at"`
	Duration  string          `json:"duration"`
}

type AccountReport struct {
	AccountId    string `json:"account_id"`
	EmailAddress string `json:"email_address"`
	Seen         int    `json:"seen"`
	Processed    int    `json:"processed"`
	Inserted     int    `json:"inserted"`
	Error        string `json:"error,omitempty"`
}

// Options bound the work of a single run.
type Options struct {
	MaxMessagesPerRun  int
	AccountConcurrency int
	RunTimeout         time.Duration
}

// Coordinator owns run-level bookkeeping: it fans accounts out over a
// bounded pool, sequences the per-message pipeline, and aggregates results.
// Within one account processing is strictly sequential.
type Coordinator struct {
	store      Store
	classifier Classifier
	newFetcher FetcherFactory
	hub        *notification.Hub
	opts       Options

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewCoordinator(store Store, classifier Classifier, newFetcher FetcherFactory, hub *notification.Hub, opts Options) *Coordinator {
	if opts.MaxMessagesPerRun <= 0 {
		opts.MaxMessagesPerRun = 25
	}
	if opts.AccountConcurrency <= 0 {
		opts.AccountConcurrency = 1
	}
	return &Coordinator{
		store:      store,
		classifier: classifier,
		newFetcher: newFetcher,
		hub:        hub,
		opts:       opts,
		inFlight:   make(map[string]bool),
	}
}

// Run ingests every connected mailbox of the user. Account failures are
// isolated: they end up in the report, never abort the other accounts.
func (c *Coordinator) Run(ctx context.Context, userId string) (*RunReport, error) {
	if c.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RunTimeout)
		defer cancel()
	}

	accounts, err := c.store.GetAccounts(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts for user %s: %w", userId, err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	// Snapshot taken once; categories created mid-run are observed on the
	// next run.
	categories, err := c.store.GetCategories(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load categories for user %s: %w", userId, err)
	}

	report := &RunReport{UserId: userId, StartedAt: time.Now(), Errors: []string{}}
	var reportMu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.opts.AccountConcurrency)
	done := 0

	for _, account := range accounts {
		wg.Add(1)
		go func(account db.Account) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				// Deadline passed before this account started; it
				// stays unprocessed and is picked up next run.
				reportMu.Lock()
				report.Accounts = append(report.Accounts, AccountReport{
					AccountId:    account.Id,
					EmailAddress: account.EmailAddress,
					Error:        "run deadline expired before start",
				})
				report.Errors = append(report.Errors,
					fmt.Sprintf("account %s: run deadline expired before start", account.EmailAddress))
				reportMu.Unlock()
				return
			}

			accountReport := c.runAccount(ctx, account, categories)

			reportMu.Lock()
			report.Accounts = append(report.Accounts, accountReport)
			report.Seen += accountReport.Seen
			report.Processed += accountReport.Processed
			report.Inserted += accountReport.Inserted
			if accountReport.Error != "" {
				report.Errors = append(report.Errors,
					fmt.Sprintf("account %s: %s", account.EmailAddress, accountReport.Error))
			}
			done++
			accountsDone := done
			reportMu.Unlock()

			c.publish(notification.Progress{
				UserId:        userId,
				AccountId:     account.Id,
				EmailAddress:  account.EmailAddress,
				Phase:         phaseFor(accountReport),
				AccountsDone:  accountsDone,
				AccountsTotal: len(accounts),
				Seen:          accountReport.Seen,
				Processed:     accountReport.Processed,
				Inserted:      accountReport.Inserted,
				Error:         accountReport.Error,
			})
		}(account)
	}
	wg.Wait()

	report.Duration = time.Since(report.StartedAt).String()
	slog.Info("Finished ingestion run",
		"user_id", userId,
		"accounts", len(accounts),
		"seen", report.Seen,
		"processed", report.Processed,
		"inserted", report.Inserted,
		"errors", len(report.Errors))
	return report, nil
}

// runAccount drives one account through fetch, per-message processing and
// cursor persistence. Returned errors are account-scoped strings.
func (c *Coordinator) runAccount(ctx context.Context, account db.Account, categories []db.Category) AccountReport {
	accountReport := AccountReport{AccountId: account.Id, EmailAddress: account.EmailAddress}

	if !c.acquire(account.Id) {
		accountReport.Error = "ingestion already in progress"
		return accountReport
	}
	defer c.release(account.Id)

	if len(categories) == 0 {
		accountReport.Error = ErrNoCategories.Error()
		return accountReport
	}

	fetcher, err := c.newFetcher(ctx, account)
	if err != nil {
		accountReport.Error = fmt.Sprintf("failed to open mailbox: %v", err)
		return accountReport
	}

	c.publishPhase(account, PhaseFetching)
	ids, err := fetcher.ListNewMessages(ctx)
	if err != nil {
		if IsAuthError(err) {
			slog.Warn("Mailbox credential expired or revoked",
				"account_id", account.Id,
				"error", err)
			accountReport.Error = "mailbox authentication failed"
		} else {
			accountReport.Error = fmt.Sprintf("failed to list messages: %v", err)
		}
		return accountReport
	}
	accountReport.Seen = len(ids)

	toProcess := ids
	if len(toProcess) > c.opts.MaxMessagesPerRun {
		// Overflow stays in the inbox unarchived, so the next run lists
		// it again.
		slog.Info("Per-run cap reached, deferring remainder to next run",
			"account_id", account.Id,
			"seen", len(ids),
			"cap", c.opts.MaxMessagesPerRun)
		toProcess = toProcess[:c.opts.MaxMessagesPerRun]
	}

	c.publishPhase(account, PhaseProcessing)
	for _, id := range toProcess {
		// Deadline check per message: the in-flight message finishes,
		// no new one starts.
		if ctx.Err() != nil {
			slog.Info("Run deadline expired, stopping account early",
				"account_id", account.Id,
				"processed", accountReport.Processed)
			break
		}
		inserted, err := c.processMessage(ctx, fetcher, account, categories, id)
		if err != nil {
			if IsAuthError(err) {
				accountReport.Error = "mailbox authentication failed"
				return accountReport
			}
			slog.Warn("Failed to process message, skipping",
				"account_id", account.Id,
				"message_id", id,
				"error", err)
			continue
		}
		accountReport.Processed++
		if inserted {
			accountReport.Inserted++
		}
	}

	c.publishPhase(account, PhaseArchiving)
	c.persistCursor(ctx, fetcher, account)
	return accountReport
}

// processMessage runs the per-message sub-sequence: extract, classify,
// resolve category, dedup-check, insert, archive. Extraction and
// classification never fail; an insert conflict is a silent skip.
func (c *Coordinator) processMessage(ctx context.Context, fetcher Fetcher, account db.Account, categories []db.Category, id string) (bool, error) {
	raw, err := fetcher.Message(ctx, id)
	if err != nil {
		return false, err
	}

	content := Extract(raw)
	result := c.classifier.Classify(ctx, content, categories)

	// Every message gets a category: the classifier's pick when valid,
	// otherwise the user's oldest category as fallback.
	categoryId := result.CategoryId
	if categoryId == "" || !validCategory(categoryId, categories) {
		categoryId = categories[0].Id
	}

	exists, err := c.store.EmailExists(ctx, account.UserId, id)
	if err != nil {
		return false, err
	}
	if exists {
		// Already recorded by a prior run; it was archived then, so no
		// archive call here.
		return false, nil
	}

	email := db.Email{
		UserId:         account.UserId,
		AccountId:      account.Id,
		CategoryId:     categoryId,
		GmailMessageId: id,
		Subject:        content.Subject,
		Sender:         content.Sender,
		Snippet:        content.Snippet,
		Summary:        result.Summary,
		FullContent:    content.BodyText,
	}
	if result.UnsubscribeUrl != "" {
		email.UnsubscribeUrl = sql.NullString{String: result.UnsubscribeUrl, Valid: true}
	}

	inserted, err := c.store.InsertEmailIfAbsent(ctx, email)
	if err != nil {
		return false, err
	}
	if !inserted {
		// A concurrent run won the race; it owns the archive call.
		return false, nil
	}

	if err := fetcher.Archive(ctx, id); err != nil {
		// The insert stands. The message lingers in the inbox and the
		// dedup check skips it next run.
		slog.Warn("Failed to archive message after insert",
			"account_id", account.Id,
			"message_id", id,
			"error", err)
	}
	return true, nil
}

func (c *Coordinator) persistCursor(ctx context.Context, fetcher Fetcher, account db.Account) {
	cursor, err := fetcher.Cursor(ctx)
	if err != nil {
		slog.Warn("Failed to read mailbox cursor",
			"account_id", account.Id,
			"error", err)
		return
	}
	if cursor == "" || cursor == account.HistoryId {
		return
	}
	if err := c.store.UpdateAccountCursor(ctx, account.Id, cursor); err != nil {
		slog.Warn("Failed to persist mailbox cursor",
			"account_id", account.Id,
			"error", err)
	}
}

// acquire marks an account as having a run in flight. The storage unique
// constraint is the cross-process backstop; this guard only prevents two
// runs in this process from double-fetching the same mailbox.
func (c *Coordinator) acquire(accountId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[accountId] {
		return false
	}
	c.inFlight[accountId] = true
	return true
}

func (c *Coordinator) release(accountId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, accountId)
}

func (c *Coordinator) publish(progress notification.Progress) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(progress)
}

func (c *Coordinator) publishPhase(account db.Account, phase string) {
	c.publish(notification.Progress{
		UserId:       account.UserId,
		AccountId:    account.Id,
		EmailAddress: account.EmailAddress,
		Phase:        phase,
	})
}

func phaseFor(accountReport AccountReport) string {
	if accountReport.Error != "" {
		return PhaseFailed
	}
	return PhaseDone
}
