package dispatch

import (
	"context"
	"fmt"
	"sort"

	"postrelay/internal/domain"
	logx "postrelay/pkg/logx"
)

// The methods below are the trigger entry points. They only return lookup
// errors; per-channel outcomes land in the audit log.

// OnPublishRequested publishes the post to every associated channel.
func (d *Dispatcher) OnPublishRequested(ctx context.Context, postID int64, silent bool) error {
	if _, err := d.store.GetPost(ctx, postID); err != nil {
		return fmt.Errorf("publish post %d: %w", postID, err)
	}
	channels, err := d.store.PostChannels(ctx, postID)
	if err != nil {
		return fmt.Errorf("publish post %d: channels: %w", postID, err)
	}
	for _, chID := range channels {
		d.submit(job{op: OpPublish, key: pairKey{post: postID, channel: chID}, silent: silent})
	}
	d.log.Info("publish requested", logx.Int64("post_id", postID), logx.Int("channels", len(channels)), logx.Bool("silent", silent))
	return nil
}

// OnUnpublishRequested retracts the post from every channel that holds a
// message or still has work queued.
func (d *Dispatcher) OnUnpublishRequested(ctx context.Context, postID int64) error {
	channels, err := d.activeChannels(ctx, postID)
	if err != nil {
		return fmt.Errorf("unpublish post %d: %w", postID, err)
	}
	for _, chID := range channels {
		d.submit(job{op: OpUnpublish, key: pairKey{post: postID, channel: chID}})
	}
	d.log.Info("unpublish requested", logx.Int64("post_id", postID), logx.Int("channels", len(channels)))
	return nil
}

// OnEditRequested propagates the current post content to every channel that
// holds a message or still has work queued.
func (d *Dispatcher) OnEditRequested(ctx context.Context, postID int64) error {
	if _, err := d.store.GetPost(ctx, postID); err != nil {
		return fmt.Errorf("edit post %d: %w", postID, err)
	}
	channels, err := d.activeChannels(ctx, postID)
	if err != nil {
		return fmt.Errorf("edit post %d: %w", postID, err)
	}
	for _, chID := range channels {
		d.submit(job{op: OpEdit, key: pairKey{post: postID, channel: chID}})
	}
	d.log.Info("edit requested", logx.Int64("post_id", postID), logx.Int("channels", len(channels)))
	return nil
}

// OnChannelAdded publishes to a newly associated channel when the post is
// already published.
func (d *Dispatcher) OnChannelAdded(ctx context.Context, postID, channelID int64) error {
	post, err := d.store.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("channel added to post %d: %w", postID, err)
	}
	if !post.Published {
		return nil
	}
	d.submit(job{op: OpPublish, key: pairKey{post: postID, channel: channelID}, silent: post.Silent})
	return nil
}

// OnChannelRemoved retracts the post from one channel.
func (d *Dispatcher) OnChannelRemoved(_ context.Context, postID, channelID int64) error {
	d.submit(job{op: OpUnpublish, key: pairKey{post: postID, channel: channelID}})
	return nil
}

// OnPostDeleted retracts a post that may already be gone from the catalog.
func (d *Dispatcher) OnPostDeleted(ctx context.Context, postID int64) error {
	channels, err := d.activeChannels(ctx, postID)
	if err != nil {
		return fmt.Errorf("post %d deleted: %w", postID, err)
	}
	for _, chID := range channels {
		d.submit(job{op: OpUnpublish, key: pairKey{post: postID, channel: chID}})
	}
	return nil
}

// OnChannelDeleted retracts every post from a channel. last, when set, is
// used to reach the backend after the channel row is gone.
func (d *Dispatcher) OnChannelDeleted(ctx context.Context, channelID int64, last *domain.Channel) error {
	if last != nil && last.ID != channelID {
		last = nil
	}
	recs, err := d.store.ListMessagesForChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("channel %d deleted: %w", channelID, err)
	}
	posts := make(map[int64]struct{})
	for _, r := range recs {
		posts[r.PostID] = struct{}{}
	}
	for _, p := range d.pendingPosts(channelID) {
		posts[p] = struct{}{}
	}
	for _, p := range sortedKeys(posts) {
		d.submit(job{op: OpUnpublish, key: pairKey{post: p, channel: channelID}, last: last})
	}
	d.log.Info("channel deleted", logx.Int64("channel_id", channelID), logx.Int("posts", len(posts)))
	return nil
}

// DeleteMessage deletes one remote message and forgets its record.
func (d *Dispatcher) DeleteMessage(ctx context.Context, recordID string) error {
	rec, err := d.store.GetMessage(ctx, recordID)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", recordID, err)
	}
	d.submit(job{op: OpDeleteMessage, key: pairKey{post: rec.PostID, channel: rec.ChannelID}, recordID: rec.ID})
	return nil
}

// activeChannels returns, ascending, the channels that hold a record of the
// post or have a lane for it.
func (d *Dispatcher) activeChannels(ctx context.Context, postID int64) ([]int64, error) {
	recs, err := d.store.ListMessagesForPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(recs))
	for _, r := range recs {
		set[r.ChannelID] = struct{}{}
	}
	for _, ch := range d.pendingChannels(postID) {
		set[ch] = struct{}{}
	}
	return sortedKeys(set), nil
}

func (d *Dispatcher) pendingPosts(channelID int64) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for k := range d.lanes {
		if k.channel == channelID {
			out = append(out, k.post)
		}
	}
	return out
}

func sortedKeys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
