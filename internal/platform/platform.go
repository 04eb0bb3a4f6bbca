// Package platform defines the adapter between the collection pipeline and
// the messaging platform. The pipeline only sees the Client interface and the
// typed values below; concrete clients translate platform payloads into them.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgard/tgcollector/internal/model"
)

// Client is an already-authorized handle to one account on the platform.
type Client interface {
	// Dialogs returns one page of the account's conversations. An empty
	// NextCursor marks the last page.
	Dialogs(ctx context.Context, cursor string) (DialogPage, error)

	// History returns up to limit messages of a chat, newest first, strictly
	// older than offsetID. offsetID 0 starts from the latest message.
	History(ctx context.Context, chatID, offsetID int64, limit int) ([]Message, error)

	// Participants returns up to limit members of a chat starting at offset.
	Participants(ctx context.Context, chatID int64, offset, limit int) ([]User, error)
}

// Dialog is a conversation as listed by the platform.
type Dialog struct {
	ID          int64                  `json:"id"`
	Title       string                 `json:"title"`
	Username    string                 `json:"username"`
	Kind        model.ConversationKind `json:"kind"`
	IsBot       bool                   `json:"is_bot"`
	MemberCount int                    `json:"member_count"`
}

// DialogPage is one page of Dialogs.
type DialogPage struct {
	Dialogs    []Dialog `json:"dialogs"`
	NextCursor string   `json:"next_cursor"`
}

// User is a platform account.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsBot     bool   `json:"is_bot"`
}

// Media describes a message attachment. Kind is the platform attachment
// class ("photo", "document", "poll", ...).
type Media struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type"`
}

// Message is a platform message.
type Message struct {
	ID       int64      `json:"id"`
	Date     time.Time  `json:"date"`
	EditDate *time.Time `json:"edit_date"`
	Text     string     `json:"text"`
	Sender   *User      `json:"sender"`
	Media    *Media     `json:"media"`
	Views    int        `json:"views"`
	Forwards int        `json:"forwards"`
	Replies  int        `json:"replies"`
}

// MediaKind returns the attachment class, or "" without attachment.
func (m Message) MediaKind() string {
	if m.Media == nil {
		return ""
	}
	return m.Media.Kind
}

// MimeType returns the attachment MIME type, or "".
func (m Message) MimeType() string {
	if m.Media == nil {
		return ""
	}
	return m.Media.MimeType
}

// IsService reports whether the message has neither text nor attachment.
func (m Message) IsService() bool {
	return m.Text == "" && m.Media == nil
}

// RateLimitedError is returned when the platform asks the caller to wait
// before repeating the request.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited extracts a RateLimitedError from err.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// ErrTransient marks failures that may succeed when repeated later.
var ErrTransient = errors.New("transient platform error")
