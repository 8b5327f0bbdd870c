// Package sender defines the backend sender contract used by the dispatcher
// and resolves channels to senders bound to their bot credentials.
package sender

import (
	"context"

	"postrelay/internal/domain"
)

// Parse modes understood by senders. Backends without markup support ignore them.
const (
	ParseModeMarkdownV2 = "markdownv2"
	ParseModeHTML       = "html"
	ParseModeNone       = "none"
	// ParseModeMarkdown is Discord's markdown.
	ParseModeMarkdown = "markdown"
)

// RemoteRef addresses one message on a backend.
type RemoteRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type SendOptions struct {
	Silent    bool
	ParseMode string
}

// Capabilities advertises what a sender can do so callers can refuse an
// operation before any remote call.
type Capabilities struct {
	Kinds       map[domain.ContentKind]bool
	EditText    bool
	EditCaption bool
	Silent      bool
	GalleryMax  int
}

func (c Capabilities) CanSend(k domain.ContentKind) bool { return c.Kinds[k] }

// CanEdit reports whether posts of kind k can be edited server-side.
func (c Capabilities) CanEdit(k domain.ContentKind) bool {
	if !c.Kinds[k] {
		return false
	}
	if k == domain.KindText {
		return c.EditText
	}
	return c.EditCaption
}

// Sender performs one operation against one backend for one channel.
type Sender interface {
	Backend() domain.Backend
	Capabilities() Capabilities
	// Send returns one ref per remote message, in send order.
	Send(ctx context.Context, ch domain.Channel, post domain.Post, opt SendOptions) ([]RemoteRef, error)
	Edit(ctx context.Context, ch domain.Channel, ref RemoteRef, post domain.Post, opt SendOptions) (RemoteRef, error)
	// Delete reports false when the message was already gone.
	Delete(ctx context.Context, ch domain.Channel, ref RemoteRef) (bool, error)
}

type ChannelInfo struct {
	ExternalID  string
	Title       string
	Username    string
	Description string
	InviteLink  string
}

type BotInfo struct {
	ExternalID string
	Username   string
}

// InfoProvider is implemented by senders that can describe remote channels
// and their own bot account.
type InfoProvider interface {
	ChannelInfo(ctx context.Context, ch domain.Channel) (ChannelInfo, error)
	BotInfo(ctx context.Context) (BotInfo, error)
}
