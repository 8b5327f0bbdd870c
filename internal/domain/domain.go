// Package domain holds the entities shared by storage, senders and the
// dispatcher.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ContentKind string

const (
	KindAudio            ContentKind = "audio"
	KindDocument         ContentKind = "document"
	KindGalleryDocuments ContentKind = "gallery_documents"
	KindGalleryPhotos    ContentKind = "gallery_photos"
	KindText             ContentKind = "text"
	KindPhoto            ContentKind = "photo"
	KindVideo            ContentKind = "video"
	KindVoice            ContentKind = "voice"
)

var allKinds = []ContentKind{KindAudio, KindDocument, KindGalleryDocuments, KindGalleryPhotos, KindText, KindPhoto, KindVideo, KindVoice}

// Kinds returns every content kind.
func Kinds() []ContentKind { return append([]ContentKind(nil), allKinds...) }

func ParseContentKind(s string) (ContentKind, error) {
	k := ContentKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown content kind %q", s)
}

// IsGallery reports whether the kind carries an ordered item list.
func (k ContentKind) IsGallery() bool {
	return k == KindGalleryDocuments || k == KindGalleryPhotos
}

// IsMedia reports whether the kind carries a single file.
func (k ContentKind) IsMedia() bool {
	switch k {
	case KindAudio, KindDocument, KindPhoto, KindVideo, KindVoice:
		return true
	}
	return false
}

type Backend string

const (
	BackendTelegram Backend = "telegram"
	BackendDiscord  Backend = "discord"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendTelegram, BackendDiscord:
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

type GalleryItem struct {
	File    string `json:"file" bson:"file"`
	Caption string `json:"caption,omitempty" bson:"caption,omitempty"`
}

// Post is the logical content broadcast to channels. Exactly one payload
// matching Kind is populated; Kind never changes after creation.
type Post struct {
	ID        int64         `json:"id" bson:"_id"`
	Kind      ContentKind   `json:"kind" bson:"kind"`
	Text      string        `json:"text,omitempty" bson:"text,omitempty"`
	File      string        `json:"file,omitempty" bson:"file,omitempty"`
	Caption   string        `json:"caption,omitempty" bson:"caption,omitempty"`
	Gallery   []GalleryItem `json:"gallery,omitempty" bson:"gallery,omitempty"`
	Published bool          `json:"published" bson:"published"`
	Silent    bool          `json:"silent" bson:"silent"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

var (
	ErrInvalidPost   = errors.New("invalid post")
	ErrKindImmutable = errors.New("post kind cannot change")
)

// Validate checks that exactly the payload for Kind is populated.
func (p Post) Validate() error {
	hasText := strings.TrimSpace(p.Text) != ""
	hasFile := strings.TrimSpace(p.File) != ""
	hasGallery := len(p.Gallery) > 0

	switch {
	case p.Kind == KindText:
		if !hasText || hasFile || hasGallery {
			return fmt.Errorf("%w: text post needs text only", ErrInvalidPost)
		}
	case p.Kind.IsGallery():
		if !hasGallery || hasText || hasFile {
			return fmt.Errorf("%w: gallery post needs gallery items only", ErrInvalidPost)
		}
		for i, it := range p.Gallery {
			if strings.TrimSpace(it.File) == "" {
				return fmt.Errorf("%w: gallery item %d has no file", ErrInvalidPost, i)
			}
		}
	case p.Kind.IsMedia():
		if !hasFile || hasText || hasGallery {
			return fmt.Errorf("%w: %s post needs a file only", ErrInvalidPost, p.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPost, p.Kind)
	}
	return nil
}

// Body returns the editable text of the post: the text for text posts,
// the caption otherwise.
func (p Post) Body() string {
	if p.Kind == KindText {
		return p.Text
	}
	return p.Caption
}

// Channel is a destination on one backend. BotID 0 means no bot is
// attached and nothing can be sent.
type Channel struct {
	ID          int64     `json:"id" bson:"_id"`
	Backend     Backend   `json:"backend" bson:"backend"`
	ExternalID  string    `json:"external_id" bson:"external_id"`
	BotID       int64     `json:"bot_id,omitempty" bson:"bot_id,omitempty"`
	Title       string    `json:"title,omitempty" bson:"title,omitempty"`
	Username    string    `json:"username,omitempty" bson:"username,omitempty"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	InviteLink  string    `json:"invite_link,omitempty" bson:"invite_link,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// Bot holds the credential for one backend account. Token is a secret and
// must never be logged.
type Bot struct {
	ID         int64     `json:"id" bson:"_id"`
	Backend    Backend   `json:"backend" bson:"backend"`
	Token      string    `json:"token" bson:"token"`
	Username   string    `json:"username,omitempty" bson:"username,omitempty"`
	ExternalID string    `json:"external_id,omitempty" bson:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// MessageRecord is one remote message produced for a (post, channel) pair.
// A pair's message sequence is its records ordered by Position.
type MessageRecord struct {
	ID           string    `json:"id" bson:"_id"`
	PostID       int64     `json:"post_id" bson:"post_id"`
	ChannelID    int64     `json:"channel_id" bson:"channel_id"`
	RemoteChatID string    `json:"remote_chat_id" bson:"remote_chat_id"`
	RemoteID     string    `json:"remote_id" bson:"remote_id"`
	Position     int       `json:"position" bson:"position"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// AuditEntry records the outcome of one remote operation attempt.
// ChannelID is nil when the channel no longer exists.
type AuditEntry struct {
	ID        string    `json:"id" bson:"_id"`
	TaskID    string    `json:"task_id" bson:"task_id"`
	Operation Operation `json:"operation" bson:"operation"`
	PostID    int64     `json:"post_id" bson:"post_id"`
	ChannelID *int64    `json:"channel_id,omitempty" bson:"channel_id,omitempty"`
	OK        bool      `json:"ok" bson:"ok"`
	Response  string    `json:"response,omitempty" bson:"response,omitempty"`
	Error     string    `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	PostID    int64
	ChannelID int64
	Operation Operation
	Limit     int
}

func (f AuditFilter) Match(e AuditEntry) bool {
	if f.PostID != 0 && e.PostID != f.PostID {
		return false
	}
	if f.ChannelID != 0 && (e.ChannelID == nil || *e.ChannelID != f.ChannelID) {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	return true
}
