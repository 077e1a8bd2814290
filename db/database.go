package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps the database handle. All pipeline persistence goes through it.
type Store struct {
	db *sqlx.DB
}

// Setup opens the database connection and runs migrations.
func Setup(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to database")

	s := &Store{db: db}
	if err := s.migrateDB(); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) GetAccounts(ctx context.Context, userId string) ([]Account, error) {
	read_row := `select id, user_id, email_address, access_token, refresh_token,
			COALESCE(history_id, '') as history_id, created_on
		from accounts
		where user_id = $1
		order by created_on`
	accounts := []Account{}
	err := s.db.SelectContext(ctx, &accounts, read_row, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts for user %s: %w", userId, err)
	}
	return accounts, nil
}

// SaveAccount inserts a connected mailbox, or refreshes its tokens when the
// same address is linked again.
func (s *Store) SaveAccount(ctx context.Context, userId string, emailAddress string, accessToken string, refreshToken string) (string, error) {
	insert_row := `insert into accounts
			(id, user_id, email_address, access_token, refresh_token, created_on)
		values
			($1, $2, $3, $4, $5, current_timestamp)
		on conflict (user_id, email_address)
		do update set access_token = $4, refresh_token = $5
		returning id`
	id := uuid.NewString()
	err := s.db.QueryRowContext(ctx, insert_row, id, userId, emailAddress, accessToken, refreshToken).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to save account %s for user %s: %w", emailAddress, userId, err)
	}
	return id, nil
}

// UpdateAccountCursor persists the provider cursor after a successful run.
func (s *Store) UpdateAccountCursor(ctx context.Context, accountId string, historyId string) error {
	update_row := `update accounts set history_id = $2 where id = $1`
	res, err := s.db.ExecContext(ctx, update_row, accountId, historyId)
	if err != nil {
		return fmt.Errorf("failed to update cursor for account %s: %w", accountId, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for account %s: %w", accountId, err)
	}
	if count != 1 {
		slog.Warn("Unexpected rows affected when updating account cursor",
			"account_id", accountId,
			"expected", 1,
			"actual", count)
	}
	return nil
}

// GetCategories returns the user's catalog ordered by creation time. The
// first entry is the fallback category for unmatched messages.
func (s *Store) GetCategories(ctx context.Context, userId string) ([]Category, error) {
	read_row := `select id, user_id, name, description, created_on
		from categories
		where user_id = $1
		order by created_on, id`
	categories := []Category{}
	err := s.db.SelectContext(ctx, &categories, read_row, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to get categories for user %s: %w", userId, err)
	}
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, userId string, name string, description string) (Category, error) {
	insert_row := `insert into categories
			(id, user_id, name, description, created_on)
		values
			($1, $2, $3, $4, current_timestamp)
		returning created_on`
	category := Category{
		Id:          uuid.NewString(),
		UserId:      userId,
		Name:        substr(name, 200),
		Description: substr(description, 2000),
	}
	err := s.db.QueryRowContext(ctx, insert_row, category.Id, category.UserId,
		category.Name, category.Description).Scan(&category.CreatedOn)
	if err != nil {
		return Category{}, fmt.Errorf("failed to create category %s for user %s: %w", name, userId, err)
	}
	return category, nil
}

// EmailExists reports whether a message has already been ingested for the
// user. Used as the cheap first line of dedup before the insert.
func (s *Store) EmailExists(ctx context.Context, userId string, gmailMessageId string) (bool, error) {
	count_row := `select count(*) from emails where user_id = $1 and gmail_message_id = $2`
	var count int
	err := s.db.GetContext(ctx, &count, count_row, userId, gmailMessageId)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate message %s: %w", gmailMessageId, err)
	}
	return count > 0, nil
}

// InsertEmailIfAbsent persists a classified message. The unique constraint
// on (user_id, gmail_message_id) makes the insert a no-op when another run
// already recorded the message; the caller learns which via the return.
func (s *Store) InsertEmailIfAbsent(ctx context.Context, email Email) (bool, error) {
	insert_row := `insert into emails
			(id, user_id, account_id, category_id, gmail_message_id, subject, sender,
			 snippet, summary, unsubscribe_url, full_content, created_on)
		values
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, current_timestamp)
		on conflict (user_id, gmail_message_id) do nothing`
	if email.Id == "" {
		email.Id = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, insert_row, email.Id, email.UserId, email.AccountId,
		email.CategoryId, email.GmailMessageId, substr(email.Subject, 2000),
		substr(email.Sender, 500), substr(email.Snippet, 1000), email.Summary,
		email.UnsubscribeUrl, email.FullContent)
	if err != nil {
		return false, fmt.Errorf("failed to insert email %s for user %s: %w",
			email.GmailMessageId, email.UserId, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for email %s: %w", email.GmailMessageId, err)
	}
	return count == 1, nil
}

func (s *Store) GetEmailsByCategory(ctx context.Context, userId string, categoryId string, pageNo int) ([]Email, int, error) {
	limit := 10
	offset := limit * (pageNo - 1)
	count_rows := `select count(*) from emails where user_id = $1 and category_id = $2`
	read_row := `select id, user_id, account_id, category_id, gmail_message_id, subject,
			sender, snippet, summary, unsubscribe_url, full_content, created_on
		from emails
		where user_id = $1 and category_id = $2
		order by created_on desc, id limit $3 offset $4`
	emails := []Email{}
	var count int
	err := s.db.GetContext(ctx, &count, count_rows, userId, categoryId)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get email count for category %s: %w", categoryId, err)
	}
	err = s.db.SelectContext(ctx, &emails, read_row, userId, categoryId, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get emails for category %s, page %d: %w", categoryId, pageNo, err)
	}
	return emails, count, nil
}

func (s *Store) DeleteEmail(ctx context.Context, userId string, emailId string) error {
	delete_row := `delete from emails where user_id = $1 and id = $2`
	res, err := s.db.ExecContext(ctx, delete_row, userId, emailId)
	if err != nil {
		return fmt.Errorf("failed to delete email %s: %w", emailId, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for email %s: %w", emailId, err)
	}
	if count == 0 {
		return fmt.Errorf("email %s not found for user %s", emailId, userId)
	}
	return nil
}

func (s *Store) migrateDB() error {
	var count int
	has_table_query := `select count(*)
		from information_schema.tables
		where table_name = $1`
	err := s.db.Get(&count, has_table_query, "version")
	if err != nil {
		return fmt.Errorf("failed to check for version table: %w", err)
	}
	if count > 0 {
		return nil
	}
	return s.migrateDBv0()
}

func (s *Store) migrateDBv0() error {
	insert_version_table := `delete from version;
		INSERT INTO version (id) VALUES (1)`

	statements := []struct {
		name string
		sql  string
	}{
		{"accounts", create_accounts_table},
		{"categories", create_categories_table},
		{"emails", create_emails_table},
		{"version", create_version_table},
	}

	for _, stmt := range statements {
		_, err := s.db.Exec(stmt.sql)
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", stmt.name, err)
		}
		slog.Info("Created table", "table", stmt.name)
	}

	_, err := s.db.Exec(insert_version_table)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

const create_accounts_table string = `CREATE TABLE IF NOT EXISTS accounts (
	  id VARCHAR(60) PRIMARY KEY,
	  user_id VARCHAR(60) NOT NULL,
	  email_address VARCHAR(320) NOT NULL,
	  access_token VARCHAR(800),
	  refresh_token VARCHAR(800),
	  history_id VARCHAR(60),
	  created_on TIMESTAMP NOT NULL,
	  UNIQUE (user_id, email_address)
	)`

const create_categories_table string = `CREATE TABLE IF NOT EXISTS categories (
	  id VARCHAR(60) PRIMARY KEY,
	  user_id VARCHAR(60) NOT NULL,
	  name VARCHAR(200) NOT NULL,
	  description VARCHAR(2000),
	  created_on TIMESTAMP NOT NULL
	)`

// The unique constraint on (user_id, gmail_message_id) is the dedup
// backstop: two runs racing on the same mailbox cannot both insert.
const create_emails_table string = `CREATE TABLE IF NOT EXISTS emails (
	  id VARCHAR(60) PRIMARY KEY,
	  user_id VARCHAR(60) NOT NULL,
	  account_id VARCHAR(60) NOT NULL,
	  category_id VARCHAR(60) NOT NULL,
	  gmail_message_id VARCHAR(200) NOT NULL,
	  subject VARCHAR(2000),
	  sender VARCHAR(500),
	  snippet VARCHAR(1000),
	  summary TEXT,
	  unsubscribe_url TEXT,
	  full_content TEXT,
	  created_on TIMESTAMP NOT NULL,
	  UNIQUE (user_id, gmail_message_id),
	  FOREIGN KEY (category_id)
		  REFERENCES categories (id)
	)`

const create_version_table string = `CREATE TABLE IF NOT EXISTS version (
	  id INT PRIMARY KEY
	)`

func substr(s string, end int) string {
	if len(s) < end {
		return s
	}
	counter := 0
	for i := range s {
		if counter == end {
			return s[0:i]
		}
		counter++
	}
	return s
}
