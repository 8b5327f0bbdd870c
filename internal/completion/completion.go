// Package completion fills remote metadata of channels (title, username,
// description, invite link) and bots (username, external id) after they are
// created.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postrelay/internal/domain"
	"postrelay/internal/sender"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	logx "postrelay/pkg/logx"
)

type Resolver interface {
	Resolve(ctx context.Context, ch domain.Channel) (sender.Sender, error)
	ForBot(bot domain.Bot) (sender.Sender, error)
}

type Runner interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Service runs each completion as an engine task. A completion already
// queued or running for the same entity makes a new request a no-op. When
// the engine queue is full a request waits for room until ctx ends.
type Service struct {
	store    storage.Catalog
	resolver Resolver
	runner   Runner
	timeout  time.Duration
	log      logx.Logger
}

func New(store storage.Catalog, resolver Resolver, runner Runner, timeout time.Duration, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{store: store, resolver: resolver, runner: runner, timeout: timeout, log: log.With(logx.String("comp", "completion"))}
}

func (s *Service) CompleteChannel(ctx context.Context, channelID int64) error {
	return s.submit(ctx, "complete.channel", fmt.Sprintf("channel:%d", channelID), func(ctx context.Context) error {
		return s.completeChannel(ctx, channelID)
	})
}

func (s *Service) CompleteBot(ctx context.Context, botID int64) error {
	return s.submit(ctx, "complete.bot", fmt.Sprintf("bot:%d", botID), func(ctx context.Context) error {
		return s.completeBot(ctx, botID)
	})
}

func (s *Service) submit(ctx context.Context, name, key string, run func(ctx context.Context) error) error {
	err := s.runner.Submit(ctx, engine.Task{
		Name:           name,
		ConcurrencyKey: name + ":" + key,
		Timeout:        s.timeout,
		Run:            run,
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: 2, RetryBase: time.Second},
	})
	if errors.Is(err, engine.ErrOverlapSkip) {
		return nil
	}
	return err
}

func (s *Service) completeChannel(ctx context.Context, channelID int64) error {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return engine.NoRetry(err)
	}
	snd, err := s.resolver.Resolve(ctx, ch)
	if err != nil {
		return permanentIf(err)
	}
	ip, ok := snd.(sender.InfoProvider)
	if !ok {
		return engine.NoRetry(sender.ErrInfoUnsupported)
	}
	info, err := ip.ChannelInfo(ctx, ch)
	if err != nil {
		return permanentIf(err)
	}

	// Re-read so a concurrent edit of other fields is not overwritten.
	ch, err = s.store.GetChannel(ctx, channelID)
	if err != nil {
		return engine.NoRetry(err)
	}
	ch.Title = firstNonEmpty(info.Title, ch.Title)
	ch.Username = firstNonEmpty(info.Username, ch.Username)
	ch.Description = firstNonEmpty(info.Description, ch.Description)
	ch.InviteLink = firstNonEmpty(info.InviteLink, ch.InviteLink)
	if err := s.store.PutChannel(ctx, ch); err != nil {
		return err
	}
	s.log.Info("channel completed", logx.Int64("channel_id", ch.ID), logx.String("title", ch.Title), logx.String("username", ch.Username))
	return nil
}

func (s *Service) completeBot(ctx context.Context, botID int64) error {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return engine.NoRetry(err)
	}
	snd, err := s.resolver.ForBot(bot)
	if err != nil {
		return permanentIf(err)
	}
	ip, ok := snd.(sender.InfoProvider)
	if !ok {
		return engine.NoRetry(sender.ErrInfoUnsupported)
	}
	info, err := ip.BotInfo(ctx)
	if err != nil {
		return permanentIf(err)
	}

	bot, err = s.store.GetBot(ctx, botID)
	if err != nil {
		return engine.NoRetry(err)
	}
	bot.Username = firstNonEmpty(info.Username, bot.Username)
	bot.ExternalID = firstNonEmpty(info.ExternalID, bot.ExternalID)
	if err := s.store.PutBot(ctx, bot); err != nil {
		return err
	}
	s.log.Info("bot completed", logx.Int64("bot_id", bot.ID), logx.String("username", bot.Username))
	return nil
}

func permanentIf(err error) error {
	if sender.IsPermanent(err) || errors.Is(err, sender.ErrInfoUnsupported) {
		return engine.NoRetry(err)
	}
	return err
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
