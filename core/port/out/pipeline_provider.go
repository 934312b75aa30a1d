package out

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Mail Provider Port
// =============================================================================

// ProviderMessage is a mail message as fetched from the upstream provider.
type ProviderMessage struct {
	MessageID string
	ThreadID  string
	From      string
	To        string
	Subject   string
	Snippet   string
	BodyText  string
	BodyHTML  string
	Labels    []string
	Date      time.Time
}

// ProviderMessagePage is one page of a message listing.
type ProviderMessagePage struct {
	Messages      []ProviderMessage
	NextPageToken string
}

// MailProviderPort is the outbound port for the upstream mail provider.
// Implementations must return a ProviderError with code not_found for
// missing messages so callers can skip-and-continue, and mark transient
// failures retryable.
type MailProviderPort interface {
	FetchMessage(ctx context.Context, mailboxID, messageID string) (*ProviderMessage, error)
	ListMessages(ctx context.Context, mailboxID, query, pageToken string) (*ProviderMessagePage, error)
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode classifies provider failures.
type ProviderErrorCode string

const (
	ProviderErrAuth      ProviderErrorCode = "auth_error"
	ProviderErrRateLimit ProviderErrorCode = "rate_limit"
	ProviderErrNotFound  ProviderErrorCode = "not_found"
	ProviderErrNetwork   ProviderErrorCode = "network_error"
	ProviderErrServer    ProviderErrorCode = "server_error"
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsNotFound reports whether err is a provider not_found error.
func IsNotFound(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == ProviderErrNotFound
	}
	return false
}
