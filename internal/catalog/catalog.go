// Package catalog mutates posts, channels and bots and emits the trigger
// events that keep remote channels in sync with them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postrelay/internal/domain"
	"postrelay/internal/storage"
	"postrelay/internal/trigger"
	logx "postrelay/pkg/logx"
)

// Service persists a change first and emits its event second. An emit
// failure is returned to the caller; the change itself stays.
type Service struct {
	store storage.Catalog
	emit  trigger.Emitter
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Catalog, emit trigger.Emitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, emit: emit, log: log.With(logx.String("comp", "catalog")), now: time.Now}
}

func (s *Service) event(ctx context.Context, typ string, data trigger.Data) error {
	if err := s.emit.Emit(ctx, typ, data); err != nil {
		s.log.Error("emit failed", logx.String("type", typ), logx.Err(err))
		return fmt.Errorf("emit %s: %w", typ, err)
	}
	return nil
}

// SaveBot creates or updates a bot. Creation triggers bot completion.
func (s *Service) SaveBot(ctx context.Context, b domain.Bot) error {
	if _, err := domain.ParseBackend(string(b.Backend)); err != nil {
		return err
	}
	_, err := s.store.GetBot(ctx, b.ID)
	created := errors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		return err
	}
	if created && b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	if err := s.store.PutBot(ctx, b); err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.event(ctx, trigger.BotCreated, trigger.Data{BotID: b.ID})
}

// SaveChannel creates or updates a channel. Creation triggers channel
// completion.
func (s *Service) SaveChannel(ctx context.Context, ch domain.Channel) error {
	if _, err := domain.ParseBackend(string(ch.Backend)); err != nil {
		return err
	}
	_, err := s.store.GetChannel(ctx, ch.ID)
	created := errors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		return err
	}
	if created && ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now().UTC()
	}
	if err := s.store.PutChannel(ctx, ch); err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.event(ctx, trigger.ChannelCreated, trigger.Data{ChannelID: ch.ID})
}

// DeleteChannel removes a channel and retracts every post from it. The
// event carries the removed channel so senders can still be resolved.
func (s *Service) DeleteChannel(ctx context.Context, id int64) error {
	data := trigger.Data{ChannelID: id}
	ch, err := s.store.GetChannel(ctx, id)
	switch {
	case err == nil:
		data.Channel = &ch
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	if err := s.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	return s.event(ctx, trigger.ChannelDeleted, data)
}

// SavePost creates or updates a post. The Published and Silent flags are
// kept from the stored post; use Publish and Unpublish to change them. A
// content change of a published post triggers an edit.
func (s *Service) SavePost(ctx context.Context, p domain.Post) error {
	prev, err := s.store.GetPost(ctx, p.ID)
	created := errors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		return err
	}
	now := s.now().UTC()
	if created {
		p.Published, p.Silent = false, false
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
	} else {
		p.Published, p.Silent, p.CreatedAt = prev.Published, prev.Silent, prev.CreatedAt
	}
	p.UpdatedAt = now
	if err := s.store.PutPost(ctx, p); err != nil {
		return err
	}
	if created || !prev.Published || sameContent(prev, p) {
		return nil
	}
	return s.event(ctx, trigger.PostEditRequested, trigger.Data{PostID: p.ID})
}

func sameContent(a, b domain.Post) bool {
	if a.Text != b.Text || a.File != b.File || a.Caption != b.Caption || len(a.Gallery) != len(b.Gallery) {
		return false
	}
	for i := range a.Gallery {
		if a.Gallery[i] != b.Gallery[i] {
			return false
		}
	}
	return true
}

// Publish marks the post published and sends it to its channels.
func (s *Service) Publish(ctx context.Context, postID int64, silent bool) error {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	p.Published, p.Silent, p.UpdatedAt = true, silent, s.now().UTC()
	if err := s.store.PutPost(ctx, p); err != nil {
		return err
	}
	return s.event(ctx, trigger.PostPublishRequested, trigger.Data{PostID: postID, Silent: silent})
}

// Unpublish clears the published flag and retracts the post everywhere.
func (s *Service) Unpublish(ctx context.Context, postID int64) error {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	p.Published, p.UpdatedAt = false, s.now().UTC()
	if err := s.store.PutPost(ctx, p); err != nil {
		return err
	}
	return s.event(ctx, trigger.PostUnpublishRequested, trigger.Data{PostID: postID})
}

func (s *Service) DeletePost(ctx context.Context, postID int64) error {
	if err := s.store.DeletePost(ctx, postID); err != nil {
		return err
	}
	return s.event(ctx, trigger.PostDeleted, trigger.Data{PostID: postID})
}

func (s *Service) AttachChannel(ctx context.Context, postID, channelID int64) error {
	if _, err := s.store.GetPost(ctx, postID); err != nil {
		return err
	}
	if _, err := s.store.GetChannel(ctx, channelID); err != nil {
		return err
	}
	if err := s.store.AttachChannel(ctx, postID, channelID); err != nil {
		return err
	}
	return s.event(ctx, trigger.PostChannelAdded, trigger.Data{PostID: postID, ChannelID: channelID})
}

func (s *Service) DetachChannel(ctx context.Context, postID, channelID int64) error {
	if err := s.store.DetachChannel(ctx, postID, channelID); err != nil {
		return err
	}
	return s.event(ctx, trigger.PostChannelRemoved, trigger.Data{PostID: postID, ChannelID: channelID})
}

// DeleteMessage asks for one remote message to be removed.
func (s *Service) DeleteMessage(ctx context.Context, recordID string) error {
	return s.event(ctx, trigger.MessageDeleteRequested, trigger.Data{RecordID: recordID})
}

// Seed stores the given entities. Only entities that do not exist yet emit
// creation events; existing posts keep their published state.
func (s *Service) Seed(ctx context.Context, bots []domain.Bot, channels []domain.Channel, posts []PostSeed) error {
	for _, b := range bots {
		if err := s.SaveBot(ctx, b); err != nil {
			return fmt.Errorf("seed bot %d: %w", b.ID, err)
		}
	}
	for _, ch := range channels {
		if err := s.SaveChannel(ctx, ch); err != nil {
			return fmt.Errorf("seed channel %d: %w", ch.ID, err)
		}
	}
	for _, ps := range posts {
		if err := s.SavePost(ctx, ps.Post); err != nil {
			return fmt.Errorf("seed post %d: %w", ps.Post.ID, err)
		}
		linked, err := s.store.PostChannels(ctx, ps.Post.ID)
		if err != nil {
			return err
		}
		have := make(map[int64]bool, len(linked))
		for _, id := range linked {
			have[id] = true
		}
		for _, chID := range ps.Channels {
			if have[chID] {
				continue
			}
			if err := s.AttachChannel(ctx, ps.Post.ID, chID); err != nil {
				return fmt.Errorf("seed post %d channel %d: %w", ps.Post.ID, chID, err)
			}
		}
	}
	s.log.Info("catalog seeded", logx.Int("bots", len(bots)), logx.Int("channels", len(channels)), logx.Int("posts", len(posts)))
	return nil
}

type PostSeed struct {
	Post     domain.Post
	Channels []int64
}
