// Package discord sends posts to Discord text channels over the REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"postrelay/internal/domain"
	"postrelay/internal/media"
	"postrelay/internal/sender"
	logx "postrelay/pkg/logx"
)

const (
	contentLimit    = 2000
	attachmentLimit = 10
)

// session is the part of *discordgo.Session the sender uses.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

type Config struct {
	HTTPTimeout time.Duration
	// ParseMode is "markdown" (default), which escapes Discord markdown in
	// post text, or "none".
	ParseMode string
}

type Sender struct {
	s     session
	media media.Source
	mode  string
	log   logx.Logger
}

func New(token string, cfg Config, src media.Source, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("discord token is empty")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dg.Client = &http.Client{Timeout: timeout}
	return newSender(dg, cfg, src, log), nil
}

func newSender(s session, cfg Config, src media.Source, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.ParseMode))
	if mode == "" {
		mode = sender.ParseModeMarkdown
	}
	return &Sender{s: s, media: src, mode: mode, log: log.With(logx.String("comp", "sender.discord"))}
}

// Factory returns a resolver factory building Discord senders.
func Factory(cfg Config, src media.Source, log logx.Logger) sender.Factory {
	return func(bot domain.Bot) (sender.Sender, error) {
		return New(bot.Token, cfg, src, log.With(logx.Int64("bot_id", bot.ID)))
	}
}

func (d *Sender) Backend() domain.Backend { return domain.BackendDiscord }

func (d *Sender) Capabilities() sender.Capabilities {
	return sender.Capabilities{
		Kinds: map[domain.ContentKind]bool{
			domain.KindText:          true,
			domain.KindPhoto:         true,
			domain.KindAudio:         true,
			domain.KindDocument:      true,
			domain.KindVideo:         true,
			domain.KindGalleryPhotos: true,
		},
		EditText:    true,
		EditCaption: true,
		Silent:      true,
		GalleryMax:  attachmentLimit,
	}
}

func (d *Sender) format(text string, opt sender.SendOptions) string {
	mode := d.mode
	if m := strings.TrimSpace(opt.ParseMode); m != "" {
		mode = m
	}
	return sender.FormatText(text, mode)
}

// head is the part of text that fits in one message.
func head(text string) string { return sender.SplitText(text, contentLimit)[0] }

func flags(opt sender.SendOptions) discordgo.MessageFlags {
	if opt.Silent {
		return discordgo.MessageFlagsSuppressNotifications
	}
	return 0
}

func (d *Sender) Send(ctx context.Context, ch domain.Channel, post domain.Post, opt sender.SendOptions) ([]sender.RemoteRef, error) {
	chID := strings.TrimSpace(ch.ExternalID)
	if chID == "" {
		return nil, sender.Permanent(fmt.Errorf("channel %d has no discord channel id", ch.ID))
	}
	if !d.Capabilities().CanSend(post.Kind) {
		return nil, fmt.Errorf("%w: %s", sender.ErrUnsupportedContentKind, post.Kind)
	}

	switch {
	case post.Kind == domain.KindText:
		var refs []sender.RemoteRef
		for _, chunk := range sender.SplitText(d.format(post.Text, opt), contentLimit) {
			ref, err := d.send(ctx, chID, &discordgo.MessageSend{Content: chunk, Flags: flags(opt)})
			if err != nil {
				d.rollback(ctx, refs)
				return nil, err
			}
			refs = append(refs, ref)
		}
		return refs, nil
	case post.Kind == domain.KindGalleryPhotos:
		return d.sendGallery(ctx, chID, post, opt)
	default:
		f, err := d.media.Open(ctx, post.File)
		if err != nil {
			return nil, sender.Permanent(err)
		}
		defer f.Close()
		ref, err := d.send(ctx, chID, &discordgo.MessageSend{
			Content: head(d.format(post.Caption, opt)),
			Files:   []*discordgo.File{{Name: f.Name, Reader: f}},
			Flags:   flags(opt),
		})
		if err != nil {
			return nil, err
		}
		return []sender.RemoteRef{ref}, nil
	}
}

// sendGallery posts up to attachmentLimit photos per message. The first
// message carries the gallery caption.
func (d *Sender) sendGallery(ctx context.Context, chID string, post domain.Post, opt sender.SendOptions) ([]sender.RemoteRef, error) {
	if len(post.Gallery) == 0 {
		return nil, fmt.Errorf("%w: empty gallery", domain.ErrInvalidPost)
	}
	var refs []sender.RemoteRef
	for start := 0; start < len(post.Gallery); start += attachmentLimit {
		end := min(start+attachmentLimit, len(post.Gallery))
		content := ""
		if start == 0 {
			content = d.format(galleryCaption(post), opt)
		}
		ref, err := d.sendAttachments(ctx, chID, post.Gallery[start:end], content, opt)
		if err != nil {
			d.rollback(ctx, refs)
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (d *Sender) sendAttachments(ctx context.Context, chID string, items []domain.GalleryItem, content string, opt sender.SendOptions) (sender.RemoteRef, error) {
	files := make([]*discordgo.File, 0, len(items))
	opened := make([]*media.File, 0, len(items))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, it := range items {
		f, err := d.media.Open(ctx, it.File)
		if err != nil {
			return sender.RemoteRef{}, sender.Permanent(err)
		}
		opened = append(opened, f)
		files = append(files, &discordgo.File{Name: f.Name, Reader: f})
	}
	return d.send(ctx, chID, &discordgo.MessageSend{Content: head(content), Files: files, Flags: flags(opt)})
}

func galleryCaption(post domain.Post) string {
	if post.Caption != "" {
		return post.Caption
	}
	return post.Gallery[0].Caption
}

func (d *Sender) send(ctx context.Context, chID string, data *discordgo.MessageSend) (sender.RemoteRef, error) {
	if err := sender.Pace(ctx); err != nil {
		return sender.RemoteRef{}, err
	}
	m, err := d.s.ChannelMessageSendComplex(chID, data, discordgo.WithContext(ctx))
	if err != nil {
		return sender.RemoteRef{}, classify(err)
	}
	return sender.RemoteRef{ChatID: m.ChannelID, MessageID: m.ID}, nil
}

func (d *Sender) Edit(ctx context.Context, _ domain.Channel, ref sender.RemoteRef, post domain.Post, opt sender.SendOptions) (sender.RemoteRef, error) {
	if !d.Capabilities().CanEdit(post.Kind) {
		return sender.RemoteRef{}, fmt.Errorf("%w: %s", sender.ErrNotEditable, post.Kind)
	}
	var content string
	switch {
	case post.Kind == domain.KindText:
		content = post.Text
	case post.Kind == domain.KindGalleryPhotos:
		if len(post.Gallery) == 0 {
			return sender.RemoteRef{}, fmt.Errorf("%w: empty gallery", domain.ErrInvalidPost)
		}
		content = galleryCaption(post)
	default:
		content = post.Caption
	}
	if err := sender.Pace(ctx); err != nil {
		return sender.RemoteRef{}, err
	}
	edit := discordgo.NewMessageEdit(ref.ChatID, ref.MessageID).SetContent(head(d.format(content, opt)))
	if _, err := d.s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return sender.RemoteRef{}, classify(err)
	}
	return ref, nil
}

func (d *Sender) Delete(ctx context.Context, _ domain.Channel, ref sender.RemoteRef) (bool, error) {
	if err := sender.Pace(ctx); err != nil {
		return false, err
	}
	if err := d.s.ChannelMessageDelete(ref.ChatID, ref.MessageID, discordgo.WithContext(ctx)); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err)
	}
	return true, nil
}

// rollback deletes messages of a partially failed send. It runs even when
// ctx is done.
func (d *Sender) rollback(ctx context.Context, refs []sender.RemoteRef) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		_ = sender.Pace(ctx)
		if err := d.s.ChannelMessageDelete(ref.ChatID, ref.MessageID, discordgo.WithContext(ctx)); err != nil && !isNotFound(err) {
			d.log.Warn("rollback delete failed", logx.String("channel_id", ref.ChatID), logx.String("message_id", ref.MessageID), logx.Err(err))
		}
	}
}

// ChannelInfo reads the channel name and topic.
func (d *Sender) ChannelInfo(ctx context.Context, ch domain.Channel) (sender.ChannelInfo, error) {
	if err := sender.Pace(ctx); err != nil {
		return sender.ChannelInfo{}, err
	}
	c, err := d.s.Channel(strings.TrimSpace(ch.ExternalID), discordgo.WithContext(ctx))
	if err != nil {
		return sender.ChannelInfo{}, classify(err)
	}
	return sender.ChannelInfo{ExternalID: c.ID, Title: c.Name, Description: c.Topic}, nil
}

// BotInfo reads the bot's own user.
func (d *Sender) BotInfo(ctx context.Context) (sender.BotInfo, error) {
	if err := sender.Pace(ctx); err != nil {
		return sender.BotInfo{}, err
	}
	u, err := d.s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return sender.BotInfo{}, classify(err)
	}
	return sender.BotInfo{ExternalID: u.ID, Username: u.Username}, nil
}

func isNotFound(err error) bool {
	var re *discordgo.RESTError
	if !errors.As(err, &re) {
		return false
	}
	if re.Message != nil && re.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return re.Response != nil && re.Response.StatusCode == http.StatusNotFound
}

func classify(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return sender.RateLimited(err, rl.RetryAfter)
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return sender.Permanent(err)
		}
	}
	return err
}
