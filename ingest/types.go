package ingest

import (
	"context"

	"github.com/mailsift/mailsift/db"
)

// Header is a raw provider message header.
type Header struct {
	Name  string
	Value string
}

// MessagePart mirrors the provider's message payload tree with body data
// already base64-decoded. Non-text parts keep their mime type but their
// bodies are never interpreted.
type MessagePart struct {
	MimeType string
	Headers  []Header
	Body     []byte
	Parts    []*MessagePart
}

// RawMessage is a provider message as fetched. It is ephemeral: fetched,
// processed and discarded within a single run.
type RawMessage struct {
	ProviderMessageId string
	Snippet           string
	Payload           *MessagePart
}

// ExtractedContent is the flat view of a message the classifier works on.
type ExtractedContent struct {
	Subject  string
	Sender   string
	Snippet  string
	BodyText string
}

// Classification is the classifier verdict for one message. An empty
// CategoryId means no confident match; the coordinator maps that to the
// user's fallback category.
type Classification struct {
	CategoryId     string
	Summary        string
	UnsubscribeUrl string
}

// Fetcher pages through one mailbox and mutates its labels. A Fetcher is
// constructed per account and per run so credentials never cross accounts.
type Fetcher interface {
	// ListNewMessages returns inbox message ids in pagination order,
	// bounded by the configured page ceiling.
	ListNewMessages(ctx context.Context) ([]string, error)
	// Message fetches the full message by provider id.
	Message(ctx context.Context, id string) (*RawMessage, error)
	// Archive removes the message from the inbox. Archiving an
	// already-archived message is not an error.
	Archive(ctx context.Context, id string) error
	// Cursor returns the provider-side position marker for the mailbox.
	Cursor(ctx context.Context) (string, error)
}

// FetcherFactory builds a Fetcher for one account.
type FetcherFactory func(ctx context.Context, account db.Account) (Fetcher, error)

// Classifier assigns content to a category from the supplied snapshot.
// Implementations never fail: any backend error yields the safe default.
type Classifier interface {
	Classify(ctx context.Context, content ExtractedContent, categories []db.Category) Classification
}

// Store is the persistence surface the coordinator needs.
type Store interface {
	GetAccounts(ctx context.Context, userId string) ([]db.Account, error)
	GetCategories(ctx context.Context, userId string) ([]db.Category, error)
	EmailExists(ctx context.Context, userId string, gmailMessageId string) (bool, error)
	InsertEmailIfAbsent(ctx context.Context, email db.Email) (bool, error)
	UpdateAccountCursor(ctx context.Context, accountId string, historyId string) error
}
