package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mailsift/mailsift/db"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	inboxQuery   = "in:inbox"
	inboxLabelId = "INBOX"
)

// NewOauthConfig builds the oauth2 config used for Gmail access. The modify
// scope is needed for the archive mutation.
func NewOauthConfig(clientId string, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientId,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}
}

// GmailFetcher pages one mailbox's inbox. One fetcher per account per run:
// the token source lives here and nowhere else, so a revoked credential on
// one account cannot bleed into another.
type GmailFetcher struct {
	svc       *gmail.Service
	throttler *rate.Limiter
	pageSize  int64
	maxPages  int
}

// NewGmailFetcherFactory returns a FetcherFactory bound to the oauth client
// and run limits. The rate limiter is shared across all accounts of a run to
// respect provider quotas.
func NewGmailFetcherFactory(oauthConfig *oauth2.Config, pageSize int64, maxPages int, throttler *rate.Limiter) FetcherFactory {
	return func(ctx context.Context, account db.Account) (Fetcher, error) {
		svc, err := gmail.NewService(ctx, option.WithTokenSource(oauthConfig.TokenSource(ctx, seedToken(account))))
		if err != nil {
			return nil, fmt.Errorf("failed to create gmail service for account %s: %w", account.Id, err)
		}
		return &GmailFetcher{
			svc:       svc,
			throttler: throttler,
			pageSize:  pageSize,
			maxPages:  maxPages,
		}, nil
	}
}

// seedToken carries only the refresh token. Seeding the stored access token
// would mark it as never expiring, pinning the account to a credential the
// provider invalidates within the hour.
func seedToken(account db.Account) *oauth2.Token {
	return &oauth2.Token{RefreshToken: account.RefreshToken}
}

// ListNewMessages pages through the inbox while a continuation token is
// present, capped at maxPages so an unbounded inbox cannot stall a run.
func (f *GmailFetcher) ListNewMessages(ctx context.Context) ([]string, error) {
	ids := []string{}
	pageToken := ""
	for page := 0; page < f.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := f.throttler.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		var messageList *gmail.ListMessagesResponse
		err := withRetry(ctx, "gmail.list", func() error {
			call := f.svc.Users.Messages.List("me").Q(inboxQuery).MaxResults(f.pageSize).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			messageList, callErr = call.Do()
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list messages for query %q after %d retries: %w",
				inboxQuery, MaxRetryCount, err)
		}

		for _, message := range messageList.Messages {
			ids = append(ids, message.Id)
		}
		if messageList.NextPageToken == "" {
			break
		}
		pageToken = messageList.NextPageToken
	}
	return ids, nil
}

func (f *GmailFetcher) Message(ctx context.Context, id string) (*RawMessage, error) {
	if err := f.throttler.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	var message *gmail.Message
	err := withRetry(ctx, "gmail.get", func() error {
		var callErr error
		message, callErr = f.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	return &RawMessage{
		ProviderMessageId: message.Id,
		Snippet:           message.Snippet,
		Payload:           convertPart(message.Payload),
	}, nil
}

// Archive removes the INBOX label. Removing a label the message no longer
// carries is a no-op on the provider side, and a message deleted since
// listing counts as archived.
func (f *GmailFetcher) Archive(ctx context.Context, id string) error {
	if err := f.throttler.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	request := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{inboxLabelId},
	}
	err := withRetry(ctx, "gmail.archive", func() error {
		_, callErr := f.svc.Users.Messages.Modify("me", id, request).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		var googleErr *googleapi.Error
		if errors.As(err, &googleErr) && googleErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to archive message %s: %w", id, err)
	}
	return nil
}

// Cursor returns the mailbox history id from the Gmail profile.
func (f *GmailFetcher) Cursor(ctx context.Context) (string, error) {
	if err := f.throttler.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	var profile *gmail.Profile
	err := withRetry(ctx, "gmail.profile", func() error {
		var callErr error
		profile, callErr = f.svc.Users.GetProfile("me").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to get mailbox profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Identity resolves the mailbox address for a credential. Used when linking
// a new account.
func Identity(ctx context.Context, oauthConfig *oauth2.Config, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("refresh token is empty")
	}
	tokenSrc := oauth2.Token{RefreshToken: refreshToken}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauthConfig.TokenSource(ctx, &tokenSrc)))
	if err != nil {
		return "", fmt.Errorf("failed to create gmail service: %w", err)
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get user profile from Gmail API: %w", err)
	}
	return profile.EmailAddress, nil
}

func convertPart(part *gmail.MessagePart) *MessagePart {
	if part == nil {
		return nil
	}
	converted := &MessagePart{
		MimeType: part.MimeType,
	}
	for _, header := range part.Headers {
		converted.Headers = append(converted.Headers, Header{Name: header.Name, Value: header.Value})
	}
	if part.Body != nil {
		converted.Body = decodeBody(part.Body.Data)
	}
	for _, nested := range part.Parts {
		converted.Parts = append(converted.Parts, convertPart(nested))
	}
	return converted
}

// decodeBody decodes the provider's web-safe base64, tolerating both padded
// and unpadded forms. Undecodable data is treated as absent.
func decodeBody(data string) []byte {
	if data == "" {
		return nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil
	}
	return decoded
}
