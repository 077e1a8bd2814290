package db

import (
	"database/sql"
	"time"
)

// Account is a connected mailbox. HistoryId is the provider-side cursor
// captured after the last fully successful ingestion run.
type Account struct {
	Id           string    `db:"id" json:"id"`
	UserId       string    `db:"user_id" json:"user_id"`
	EmailAddress string    `db:"email_address" json:"email_address"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	HistoryId    string    `db:"history_id" json:"history_id"`
	CreatedOn    time.Time `db:"created_on" json:"created_on"`
}

type Category struct {
	Id          string    `db:"id" json:"id"`
	UserId      string    `db:"user_id" json:"user_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedOn   time.Time `db:"created_on" json:"created_on"`
}

// Email is a classified message. Rows are created exactly once per
// (user_id, gmail_message_id) and never mutated by the pipeline.
type Email struct {
	Id             string         `db:"id" json:"id"`
	UserId         string         `db:"user_id" json:"user_id"`
	AccountId      string         `db:"account_id" json:"account_id"`
	CategoryId     string         `db:"category_id" json:"category_id"`
	GmailMessageId string         `db:"gmail_message_id" json:"gmail_message_id"`
	Subject        string         `db:"subject" json:"subject"`
	Sender         string         `db:"sender" json:"sender"`
	Snippet        string         `db:"snippet" json:"snippet"`
	Summary        string         `db:"summary" json:"summary"`
	UnsubscribeUrl sql.NullString `db:"unsubscribe_url" json:"unsubscribe_url"`
	FullContent    string         `db:"full_content" json:"full_content"`
	CreatedOn      time.Time      `db:"created_on" json:"created_on"`
}
