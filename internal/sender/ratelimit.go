package sender

import (
	"context"

	"go.uber.org/ratelimit"

	"postrelay/internal/domain"
)

type pacerKey struct{}

// Pace blocks until the bot's limiter admits one more remote call. Senders
// call it before every API request, so a split text or a gallery takes one
// token per request. Without a limiter in ctx it only checks ctx.
func Pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rl, ok := ctx.Value(pacerKey{}).(ratelimit.Limiter); ok {
		rl.Take()
	}
	return ctx.Err()
}

// limited hands the bot's shared limiter to the wrapped sender through the
// context of every operation.
type limited struct {
	inner Sender
	rl    ratelimit.Limiter
}

// WithLimiter wraps s so its remote calls are paced by rl.
func WithLimiter(s Sender, rl ratelimit.Limiter) Sender {
	if rl == nil {
		return s
	}
	return &limited{inner: s, rl: rl}
}

func newLimiter(perSec int) ratelimit.Limiter {
	if perSec <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(perSec)
}

func (l *limited) paced(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, pacerKey{}, l.rl), nil
}

func (l *limited) Backend() domain.Backend    { return l.inner.Backend() }
func (l *limited) Capabilities() Capabilities { return l.inner.Capabilities() }

func (l *limited) Send(ctx context.Context, ch domain.Channel, post domain.Post, opt SendOptions) ([]RemoteRef, error) {
	ctx, err := l.paced(ctx)
	if err != nil {
		return nil, err
	}
	return l.inner.Send(ctx, ch, post, opt)
}

func (l *limited) Edit(ctx context.Context, ch domain.Channel, ref RemoteRef, post domain.Post, opt SendOptions) (RemoteRef, error) {
	ctx, err := l.paced(ctx)
	if err != nil {
		return RemoteRef{}, err
	}
	return l.inner.Edit(ctx, ch, ref, post, opt)
}

func (l *limited) Delete(ctx context.Context, ch domain.Channel, ref RemoteRef) (bool, error) {
	ctx, err := l.paced(ctx)
	if err != nil {
		return false, err
	}
	return l.inner.Delete(ctx, ch, ref)
}

func (l *limited) ChannelInfo(ctx context.Context, ch domain.Channel) (ChannelInfo, error) {
	ip, ok := l.inner.(InfoProvider)
	if !ok {
		return ChannelInfo{}, ErrInfoUnsupported
	}
	ctx, err := l.paced(ctx)
	if err != nil {
		return ChannelInfo{}, err
	}
	return ip.ChannelInfo(ctx, ch)
}

func (l *limited) BotInfo(ctx context.Context) (BotInfo, error) {
	ip, ok := l.inner.(InfoProvider)
	if !ok {
		return BotInfo{}, ErrInfoUnsupported
	}
	ctx, err := l.paced(ctx)
	if err != nil {
		return BotInfo{}, err
	}
	return ip.BotInfo(ctx)
}
