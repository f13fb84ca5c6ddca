// Package transport implements the client for the remote conversation
// service: message search, message deletion, and thread archive state.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsweep/internal/model"
)

// Outcome sentinels for remote responses.
var (
	// ErrAuth means the credential is invalid or expired. Run-fatal.
	ErrAuth = errors.New("authentication failed")
	// ErrForbidden means the caller lacks permission for the resource.
	ErrForbidden = errors.New("permission denied")
	// ErrNotFound means the resource no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrIndexing means the container's search index is not ready yet.
	ErrIndexing = errors.New("search index not ready")
)

// RateLimitedError carries the server-provided retry interval of a 429.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
}

// TransientError wraps network failures and 5xx responses that are worth
// retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap exposes the underlying cause.
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transient failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SearchQuery holds the server-filterable predicates of one search page.
type SearchQuery struct {
	GuildID     string // empty for direct-message search
	ChannelID   string
	AuthorID    string
	MinID       string
	MaxID       string
	Content     string
	Has         string // "link", "file", or empty
	IncludeNSFW bool
	Offset      int
}

// SearchPage is one page of matching records plus the server-reported
// outstanding total.
type SearchPage struct {
	Records []model.MessageRecord
	Total   int
}

// Service is the remote conversation API consumed by the engine.
type Service interface {
	Search(ctx context.Context, q SearchQuery) (SearchPage, error)
	Delete(ctx context.Context, channelID, messageID string) error
	SetArchived(ctx context.Context, threadID string, archived bool) error
}
