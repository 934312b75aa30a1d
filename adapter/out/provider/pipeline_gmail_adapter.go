// Package provider implements the mail provider port against the Gmail API.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// TokenProvider resolves the OAuth token source for a mailbox. Token storage
// and refresh live outside this adapter.
type TokenProvider interface {
	TokenSource(ctx context.Context, mailboxID string) (oauth2.TokenSource, error)
}

// GmailAdapter implements out.MailProviderPort for Gmail.
type GmailAdapter struct {
	tokens TokenProvider
	cb     *gobreaker.CircuitBreaker
}

// NewGmailAdapter creates a Gmail adapter.
func NewGmailAdapter(tokens TokenProvider) *GmailAdapter {
	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[GmailAdapter] circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		tokens: tokens,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// FetchMessage retrieves one message with headers and body parts.
func (a *GmailAdapter) FetchMessage(ctx context.Context, mailboxID, messageID string) (*out.ProviderMessage, error) {
	svc, err := a.getService(ctx, mailboxID)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	cbErr := a.executeWithCircuitBreaker("FetchMessage", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to fetch message")
	}

	return a.convertMessage(msg), nil
}

// ListMessages lists message metadata matching query, one page at a time.
func (a *GmailAdapter) ListMessages(ctx context.Context, mailboxID, query, pageToken string) (*out.ProviderMessagePage, error) {
	svc, err := a.getService(ctx, mailboxID)
	if err != nil {
		return nil, err
	}

	req := svc.Users.Messages.List("me").MaxResults(50)
	if query != "" {
		req = req.Q(query)
	}
	if pageToken != "" {
		req = req.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	cbErr := a.executeWithCircuitBreaker("ListMessages", func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to list messages")
	}

	page := &out.ProviderMessagePage{NextPageToken: resp.NextPageToken}
	for _, ref := range resp.Messages {
		page.Messages = append(page.Messages, out.ProviderMessage{
			MessageID: ref.Id,
			ThreadID:  ref.ThreadId,
		})
	}

	return page, nil
}

func (a *GmailAdapter) getService(ctx context.Context, mailboxID string) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	src, err := a.tokens.TokenSource(ctx, mailboxID)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrAuth, "no token for mailbox", err, false)
	}

	return gmail.NewService(ctx, option.WithTokenSource(src))
}

func (a *GmailAdapter) convertMessage(msg *gmail.Message) *out.ProviderMessage {
	result := &out.ProviderMessage{
		MessageID: msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
		Labels:    msg.LabelIds,
		Date:      time.UnixMilli(msg.InternalDate),
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "From":
				result.From = header.Value
			case "To":
				result.To = header.Value
			case "Subject":
				result.Subject = header.Value
			}
		}
		a.extractBody(msg.Payload, result)
	}

	return result
}

func (a *GmailAdapter) extractBody(part *gmail.MessagePart, result *out.ProviderMessage) {
	if part == nil {
		return
	}

	if part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			switch part.MimeType {
			case "text/plain":
				if result.BodyText == "" {
					result.BodyText = string(data)
				}
			case "text/html":
				if result.BodyHTML == "" {
					result.BodyHTML = string(data)
				}
			}
		}
	}

	for _, p := range part.Parts {
		a.extractBody(p, result)
	}
}

// executeWithCircuitBreaker wraps an API call with circuit breaker
// protection. Client errors (4xx) must not trip the circuit.
func (a *GmailAdapter) executeWithCircuitBreaker(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}

	if err != nil {
		logger.WithError(err).Warn("[GmailAdapter] %s failed, breaker state=%s", operation, a.cb.State().String())
	}

	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// IsCircuitOpen reports whether API calls currently fail fast.
func (a *GmailAdapter) IsCircuitOpen() bool {
	return a.cb.State() == gobreaker.StateOpen
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrAuth, "token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError("gmail", out.ProviderErrServer, "server error", err, true)
		}
	}

	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

// =============================================================================
// Token Sources
// =============================================================================

// StaticTokenProvider serves one refresh token for every mailbox. Suitable
// for single-account deployments and tests.
type StaticTokenProvider struct {
	config *oauth2.Config
	token  *oauth2.Token
}

// NewStaticTokenProvider creates a provider around one OAuth client and
// refresh token.
func NewStaticTokenProvider(clientID, clientSecret, refreshToken string) *StaticTokenProvider {
	return &StaticTokenProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{gmail.GmailReadonlyScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
		token: &oauth2.Token{RefreshToken: refreshToken},
	}
}

// TokenSource returns a refreshing token source.
func (p *StaticTokenProvider) TokenSource(ctx context.Context, mailboxID string) (oauth2.TokenSource, error) {
	if p.token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token configured for mailbox %s", mailboxID)
	}
	return p.config.TokenSource(ctx, p.token), nil
}

var _ out.MailProviderPort = (*GmailAdapter)(nil)
