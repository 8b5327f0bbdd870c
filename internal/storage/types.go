// Package storage persists posts, channels, bots, message identities and the
// audit log behind one Store interface with several drivers.
package storage

import (
	"context"
	"errors"
	"time"

	"postrelay/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Identity maps posts to the remote messages they produced. It holds no
// business rules: the dispatcher decides when to append or remove.
type Identity interface {
	AppendMessages(ctx context.Context, recs []domain.MessageRecord) error
	ListMessagesForPost(ctx context.Context, postID int64) ([]domain.MessageRecord, error)
	ListMessagesForChannel(ctx context.Context, channelID int64) ([]domain.MessageRecord, error)
	ListMessagesForPair(ctx context.Context, postID, channelID int64) ([]domain.MessageRecord, error)
	GetMessage(ctx context.Context, id string) (domain.MessageRecord, error)
	// RemoveMessage is idempotent: removing a missing record is not an error.
	RemoveMessage(ctx context.Context, id string) error
	RemoveMessagesForPost(ctx context.Context, postID int64) error
}

// Audit is the append-only operation log. PurgeAudit exists for explicit
// retention policies only.
type Audit interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// Catalog stores the entities managed outside the dispatch core.
type Catalog interface {
	PutBot(ctx context.Context, b domain.Bot) error
	GetBot(ctx context.Context, id int64) (domain.Bot, error)
	ListBots(ctx context.Context) ([]domain.Bot, error)

	PutChannel(ctx context.Context, ch domain.Channel) error
	GetChannel(ctx context.Context, id int64) (domain.Channel, error)
	DeleteChannel(ctx context.Context, id int64) error

	// PutPost rejects a kind change of an existing post with
	// domain.ErrKindImmutable.
	PutPost(ctx context.Context, p domain.Post) error
	GetPost(ctx context.Context, id int64) (domain.Post, error)
	DeletePost(ctx context.Context, id int64) error

	AttachChannel(ctx context.Context, postID, channelID int64) error
	DetachChannel(ctx context.Context, postID, channelID int64) error
	// PostChannels returns the channel ids associated with a post, ascending.
	PostChannels(ctx context.Context, postID int64) ([]int64, error)
}

type Store interface {
	Identity
	Audit
	Catalog
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, for tests and dry runs
//   - "file": journal + snapshot files under Path
//   - "sqlite": SQLite database file at Path
//   - "mysql", "postgres": DSN
//   - "mongo": DSN (URI) + Database
//   - "bolt": bbolt database file at Path
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Database    string
	BusyTimeout time.Duration
}
