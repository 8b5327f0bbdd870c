// Package telegram sends posts through the Telegram Bot API using telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postrelay/internal/domain"
	"postrelay/internal/media"
	"postrelay/internal/sender"
	logx "postrelay/pkg/logx"
)

// Telegram counts both limits in UTF-16 code units.
const (
	textLimit    = 4096
	captionLimit = 1024
	albumLimit   = 10
)

// botAPI is the part of *tele.Bot the sender uses.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	EditCaption(msg tele.Editable, caption string, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
	Raw(method string, payload interface{}) ([]byte, error)
}

type Config struct {
	APIURL      string
	ParseMode   string
	HTTPTimeout time.Duration
}

// chatRecipient is a chat id ("-100...") or a public "@username".
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

type Sender struct {
	bot   botAPI
	media media.Source
	cfg   Config
	log   logx.Logger
}

// New builds a sender for one bot token. No request is made until the first
// operation.
func New(token string, cfg Config, src media.Source, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newSender(b, cfg, src, log), nil
}

func newSender(b botAPI, cfg Config, src media.Source, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.ParseMode) == "" {
		cfg.ParseMode = sender.ParseModeMarkdownV2
	}
	return &Sender{bot: b, media: src, cfg: cfg, log: log.With(logx.String("comp", "sender.telegram"))}
}

// Factory returns a resolver factory building Telegram senders.
func Factory(cfg Config, src media.Source, log logx.Logger) sender.Factory {
	return func(bot domain.Bot) (sender.Sender, error) {
		return New(bot.Token, cfg, src, log.With(logx.Int64("bot_id", bot.ID)))
	}
}

func (s *Sender) Backend() domain.Backend { return domain.BackendTelegram }

func (s *Sender) Capabilities() sender.Capabilities {
	kinds := make(map[domain.ContentKind]bool)
	for _, k := range domain.Kinds() {
		kinds[k] = true
	}
	return sender.Capabilities{Kinds: kinds, EditText: true, EditCaption: true, Silent: true, GalleryMax: albumLimit}
}

func (s *Sender) parseMode(opt sender.SendOptions) string {
	if m := strings.TrimSpace(opt.ParseMode); m != "" {
		return m
	}
	return s.cfg.ParseMode
}

func teleMode(mode string) tele.ParseMode {
	switch strings.ToLower(mode) {
	case sender.ParseModeMarkdownV2:
		return tele.ModeMarkdownV2
	case sender.ParseModeHTML:
		return tele.ModeHTML
	default:
		return tele.ModeDefault
	}
}

func (s *Sender) sendOptions(opt sender.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:           teleMode(s.parseMode(opt)),
		DisableNotification: opt.Silent,
	}
}

func (s *Sender) Send(ctx context.Context, ch domain.Channel, post domain.Post, opt sender.SendOptions) ([]sender.RemoteRef, error) {
	to := chatRecipient(strings.TrimSpace(ch.ExternalID))
	if to == "" {
		return nil, sender.Permanent(fmt.Errorf("channel %d has no telegram chat id", ch.ID))
	}
	mode := s.parseMode(opt)
	sendOpt := s.sendOptions(opt)

	switch {
	case post.Kind == domain.KindText:
		return s.sendText(ctx, to, sender.FormatText(post.Text, mode), sendOpt)
	case post.Kind.IsGallery():
		return s.sendGallery(ctx, to, post, mode, sendOpt)
	case post.Kind.IsMedia():
		caption, err := formatCaption(post.Caption, mode)
		if err != nil {
			return nil, err
		}
		f, err := s.media.Open(ctx, post.File)
		if err != nil {
			return nil, sender.Permanent(err)
		}
		defer f.Close()
		what, err := mediaFor(post.Kind, f, caption)
		if err != nil {
			return nil, err
		}
		if err := sender.Pace(ctx); err != nil {
			return nil, err
		}
		msg, err := s.bot.Send(to, what, sendOpt)
		if err != nil {
			return nil, classify(err)
		}
		return []sender.RemoteRef{refOf(msg)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", sender.ErrUnsupportedContentKind, post.Kind)
	}
}

// formatCaption escapes a caption and rejects one Telegram would refuse.
func formatCaption(caption, mode string) (string, error) {
	c := sender.FormatText(caption, mode)
	if n := sender.UTF16Len(c); n > captionLimit {
		return "", sender.Permanent(fmt.Errorf("caption is %d UTF-16 units, limit %d", n, captionLimit))
	}
	return c, nil
}

func (s *Sender) sendText(ctx context.Context, to chatRecipient, text string, opt *tele.SendOptions) ([]sender.RemoteRef, error) {
	chunks := sender.SplitTextUTF16(text, textLimit)
	refs := make([]sender.RemoteRef, 0, len(chunks))
	for _, chunk := range chunks {
		if err := sender.Pace(ctx); err != nil {
			s.rollback(ctx, refs)
			return nil, err
		}
		msg, err := s.bot.Send(to, chunk, opt)
		if err != nil {
			s.rollback(ctx, refs)
			return nil, classify(err)
		}
		refs = append(refs, refOf(msg))
	}
	return refs, nil
}

// galleryCaption is the caption of item i; the first item falls back to the
// post caption.
func galleryCaption(post domain.Post, i int) string {
	c := post.Gallery[i].Caption
	if c == "" && i == 0 {
		c = post.Caption
	}
	return c
}

func (s *Sender) sendGallery(ctx context.Context, to chatRecipient, post domain.Post, mode string, opt *tele.SendOptions) ([]sender.RemoteRef, error) {
	if len(post.Gallery) == 0 {
		return nil, fmt.Errorf("%w: empty gallery", domain.ErrInvalidPost)
	}
	itemKind := domain.KindPhoto
	if post.Kind == domain.KindGalleryDocuments {
		itemKind = domain.KindDocument
	}

	var refs []sender.RemoteRef
	for start := 0; start < len(post.Gallery); start += albumLimit {
		end := min(start+albumLimit, len(post.Gallery))
		if err := ctx.Err(); err != nil {
			s.rollback(ctx, refs)
			return nil, err
		}
		got, err := s.sendAlbumChunk(ctx, to, post, itemKind, start, end, mode, opt)
		if err != nil {
			s.rollback(ctx, refs)
			return nil, err
		}
		refs = append(refs, got...)
	}
	return refs, nil
}

func (s *Sender) sendAlbumChunk(ctx context.Context, to chatRecipient, post domain.Post, kind domain.ContentKind, start, end int, mode string, opt *tele.SendOptions) ([]sender.RemoteRef, error) {
	files := make([]*media.File, 0, end-start)
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	album := make(tele.Album, 0, end-start)
	for i := start; i < end; i++ {
		caption, err := formatCaption(galleryCaption(post, i), mode)
		if err != nil {
			return nil, err
		}
		f, err := s.media.Open(ctx, post.Gallery[i].File)
		if err != nil {
			return nil, sender.Permanent(err)
		}
		files = append(files, f)
		item, err := mediaFor(kind, f, caption)
		if err != nil {
			return nil, err
		}
		in, ok := item.(tele.Inputtable)
		if !ok {
			return nil, fmt.Errorf("%w: %s in album", sender.ErrUnsupportedContentKind, kind)
		}
		album = append(album, in)
	}

	if err := sender.Pace(ctx); err != nil {
		return nil, err
	}
	// Telegram rejects media groups of one item.
	if len(album) == 1 {
		msg, err := s.bot.Send(to, album[0], opt)
		if err != nil {
			return nil, classify(err)
		}
		return []sender.RemoteRef{refOf(msg)}, nil
	}

	msgs, err := s.bot.SendAlbum(to, album, opt)
	if err != nil {
		return nil, classify(err)
	}
	refs := make([]sender.RemoteRef, 0, len(msgs))
	for i := range msgs {
		refs = append(refs, refOf(&msgs[i]))
	}
	return refs, nil
}

func mediaFor(kind domain.ContentKind, f *media.File, caption string) (interface{}, error) {
	file := tele.FromReader(f)
	switch kind {
	case domain.KindPhoto:
		return &tele.Photo{File: file, Caption: caption}, nil
	case domain.KindAudio:
		return &tele.Audio{File: file, Caption: caption, FileName: f.Name}, nil
	case domain.KindDocument:
		return &tele.Document{File: file, Caption: caption, FileName: f.Name}, nil
	case domain.KindVideo:
		return &tele.Video{File: file, Caption: caption, FileName: f.Name}, nil
	case domain.KindVoice:
		return &tele.Voice{File: file, Caption: caption}, nil
	default:
		return nil, fmt.Errorf("%w: %s", sender.ErrUnsupportedContentKind, kind)
	}
}

func (s *Sender) Edit(ctx context.Context, ch domain.Channel, ref sender.RemoteRef, post domain.Post, opt sender.SendOptions) (sender.RemoteRef, error) {
	msg, err := storedOf(ref)
	if err != nil {
		return sender.RemoteRef{}, sender.Permanent(err)
	}
	mode := s.parseMode(opt)
	sendOpt := &tele.SendOptions{ParseMode: teleMode(mode)}

	var (
		text      string
		isCaption bool
	)
	switch {
	case post.Kind == domain.KindText:
		// Only the primary message is edited; text past the first chunk is dropped.
		text = sender.SplitTextUTF16(sender.FormatText(post.Text, mode), textLimit)[0]
	case post.Kind.IsGallery():
		if len(post.Gallery) == 0 {
			return sender.RemoteRef{}, fmt.Errorf("%w: empty gallery", domain.ErrInvalidPost)
		}
		text, err = formatCaption(galleryCaption(post, 0), mode)
		isCaption = true
	case post.Kind.IsMedia():
		text, err = formatCaption(post.Caption, mode)
		isCaption = true
	default:
		return sender.RemoteRef{}, fmt.Errorf("%w: %s", sender.ErrNotEditable, post.Kind)
	}
	if err != nil {
		return sender.RemoteRef{}, err
	}
	if err := sender.Pace(ctx); err != nil {
		return sender.RemoteRef{}, err
	}
	if isCaption {
		_, err = s.bot.EditCaption(msg, text, sendOpt)
	} else {
		_, err = s.bot.Edit(msg, text, sendOpt)
	}
	if err != nil && !isNotModified(err) {
		return sender.RemoteRef{}, classify(err)
	}
	return ref, nil
}

func (s *Sender) Delete(ctx context.Context, _ domain.Channel, ref sender.RemoteRef) (bool, error) {
	msg, err := storedOf(ref)
	if err != nil {
		return false, sender.Permanent(err)
	}
	if err := sender.Pace(ctx); err != nil {
		return false, err
	}
	if err := s.bot.Delete(msg); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err)
	}
	return true, nil
}

// rollback deletes messages of a partially failed send so no untracked
// messages remain. It runs even when ctx is done. Failures are only logged.
func (s *Sender) rollback(ctx context.Context, refs []sender.RemoteRef) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		msg, err := storedOf(ref)
		if err != nil {
			continue
		}
		_ = sender.Pace(ctx)
		if err := s.bot.Delete(msg); err != nil && !isNotFound(err) {
			s.log.Warn("rollback delete failed", logx.String("chat_id", ref.ChatID), logx.String("message_id", ref.MessageID), logx.Err(err))
		}
	}
}

func refOf(m *tele.Message) sender.RemoteRef {
	ref := sender.RemoteRef{MessageID: strconv.Itoa(m.ID)}
	if m.Chat != nil {
		ref.ChatID = strconv.FormatInt(m.Chat.ID, 10)
	}
	return ref
}

func storedOf(ref sender.RemoteRef) (tele.StoredMessage, error) {
	chatID, err := strconv.ParseInt(ref.ChatID, 10, 64)
	if err != nil {
		return tele.StoredMessage{}, fmt.Errorf("bad telegram chat id %q: %w", ref.ChatID, err)
	}
	if strings.TrimSpace(ref.MessageID) == "" {
		return tele.StoredMessage{}, errors.New("empty telegram message id")
	}
	return tele.StoredMessage{MessageID: ref.MessageID, ChatID: chatID}, nil
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

func lowerErr(err error) string { return strings.ToLower(err.Error()) }

func isNotModified(err error) bool {
	return strings.Contains(lowerErr(err), "message is not modified")
}

func isNotFound(err error) bool {
	s := lowerErr(err)
	return strings.Contains(s, "message to delete not found") || strings.Contains(s, "message_id_invalid")
}

// classify tags flood waits with their delay and client errors that can
// never succeed as permanent.
func classify(err error) error {
	s := lowerErr(err)
	if m := retryAfterRe.FindStringSubmatch(s); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return sender.RateLimited(err, time.Duration(secs)*time.Second)
	}
	for _, p := range []string{"chat not found", "bot was kicked", "not enough rights", "bot is not a member", "unauthorized", "can't parse entities"} {
		if strings.Contains(s, p) {
			return sender.Permanent(err)
		}
	}
	return err
}
