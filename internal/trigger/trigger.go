// Package trigger carries catalog changes to the dispatcher. Events travel
// in an Envelope either in-process (Direct) or through a broker (AMQP, Kafka)
// and are delivered to a Handler by a Router.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postrelay/internal/domain"
	"postrelay/internal/storage"
	logx "postrelay/pkg/logx"
)

// Event types. They double as AMQP routing keys.
const (
	PostPublishRequested   = "post.publish_requested"
	PostUnpublishRequested = "post.unpublish_requested"
	PostEditRequested      = "post.edit_requested"
	PostChannelAdded       = "post.channel_added"
	PostChannelRemoved     = "post.channel_removed"
	PostDeleted            = "post.deleted"
	ChannelDeleted         = "channel.deleted"
	ChannelCreated         = "channel.created"
	BotCreated             = "bot.created"
	MessageDeleteRequested = "message.delete_requested"
)

// ErrUnknownEvent is returned by Route for an event type nothing handles.
var ErrUnknownEvent = errors.New("trigger: unknown event type")

// Handler reacts to post and channel changes. Implementations return only
// lookup errors.
type Handler interface {
	OnPublishRequested(ctx context.Context, postID int64, silent bool) error
	OnUnpublishRequested(ctx context.Context, postID int64) error
	OnEditRequested(ctx context.Context, postID int64) error
	OnChannelAdded(ctx context.Context, postID, channelID int64) error
	OnChannelRemoved(ctx context.Context, postID, channelID int64) error
	OnPostDeleted(ctx context.Context, postID int64) error
	OnChannelDeleted(ctx context.Context, channelID int64, last *domain.Channel) error
	DeleteMessage(ctx context.Context, recordID string) error
}

// Completer fills remote metadata of newly created channels and bots.
type Completer interface {
	CompleteChannel(ctx context.Context, channelID int64) error
	CompleteBot(ctx context.Context, botID int64) error
}

// Data is the payload of every event; fields not used by a type are zero.
type Data struct {
	PostID    int64  `json:"post_id,omitempty"`
	ChannelID int64  `json:"channel_id,omitempty"`
	BotID     int64  `json:"bot_id,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Silent    bool   `json:"silent,omitempty"`

	// Channel is the last stored state of a deleted channel, so its
	// messages can still be retracted once the row is gone.
	Channel *domain.Channel `json:"channel,omitempty"`
}

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data Data `json:"data"`
}

func NewEnvelope(typ string, data Data) Envelope {
	return Envelope{
		Meta: Meta{ID: uuid.NewString(), Time: time.Now().UTC(), Type: typ},
		Data: data,
	}
}

// Key returns the partition key: events of one post stay ordered.
func (e Envelope) Key() string {
	switch {
	case e.Data.PostID != 0:
		return fmt.Sprintf("post:%d", e.Data.PostID)
	case e.Data.ChannelID != 0:
		return fmt.Sprintf("channel:%d", e.Data.ChannelID)
	case e.Data.BotID != 0:
		return fmt.Sprintf("bot:%d", e.Data.BotID)
	}
	return e.Data.RecordID
}

// Emitter sends trigger events.
type Emitter interface {
	Emit(ctx context.Context, typ string, data Data) error
}

// Router delivers envelopes to a Handler and an optional Completer.
type Router struct {
	h   Handler
	c   Completer
	log logx.Logger
}

func NewRouter(h Handler, c Completer, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{h: h, c: c, log: log.With(logx.String("comp", "trigger"))}
}

func (r *Router) Route(ctx context.Context, env Envelope) error {
	d := env.Data
	var err error
	switch env.Meta.Type {
	case PostPublishRequested:
		err = r.h.OnPublishRequested(ctx, d.PostID, d.Silent)
	case PostUnpublishRequested:
		err = r.h.OnUnpublishRequested(ctx, d.PostID)
	case PostEditRequested:
		err = r.h.OnEditRequested(ctx, d.PostID)
	case PostChannelAdded:
		err = r.h.OnChannelAdded(ctx, d.PostID, d.ChannelID)
	case PostChannelRemoved:
		err = r.h.OnChannelRemoved(ctx, d.PostID, d.ChannelID)
	case PostDeleted:
		err = r.h.OnPostDeleted(ctx, d.PostID)
	case ChannelDeleted:
		err = r.h.OnChannelDeleted(ctx, d.ChannelID, d.Channel)
	case MessageDeleteRequested:
		err = r.h.DeleteMessage(ctx, d.RecordID)
	case ChannelCreated:
		if r.c != nil {
			err = r.c.CompleteChannel(ctx, d.ChannelID)
		}
	case BotCreated:
		if r.c != nil {
			err = r.c.CompleteBot(ctx, d.BotID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Meta.Type)
	}
	if err != nil {
		r.log.Warn("trigger failed", logx.String("type", env.Meta.Type), logx.String("event_id", env.Meta.ID), logx.Err(err))
		return err
	}
	r.log.Debug("trigger routed", logx.String("type", env.Meta.Type), logx.String("event_id", env.Meta.ID))
	return nil
}

// Poison reports whether redelivering an event that failed with err is
// pointless.
func Poison(err error) bool {
	return errors.Is(err, ErrUnknownEvent) || errors.Is(err, storage.ErrNotFound) || errors.Is(err, errDecode)
}

var errDecode = errors.New("trigger: malformed envelope")

// Direct routes events in-process.
type Direct struct {
	r *Router
}

func NewDirect(r *Router) *Direct { return &Direct{r: r} }

func (d *Direct) Emit(ctx context.Context, typ string, data Data) error {
	return d.r.Route(ctx, NewEnvelope(typ, data))
}
