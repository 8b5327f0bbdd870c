package sender

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"go.uber.org/ratelimit"

	"postrelay/internal/domain"
	"postrelay/internal/storage"
	logx "postrelay/pkg/logx"
)

// Factory builds a sender bound to one bot credential. It must not perform
// network I/O.
type Factory func(bot domain.Bot) (Sender, error)

// BotLookup is the slice of the catalog the resolver needs.
type BotLookup interface {
	GetBot(ctx context.Context, id int64) (domain.Bot, error)
}

type registration struct {
	factory    Factory
	ratePerSec int
}

type cacheKey struct {
	botID int64
	token uint64
}

// Resolver returns the sender for a channel, built from its bot's
// credential. Senders are cached per bot and token; a token change builds a
// fresh one.
type Resolver struct {
	bots BotLookup
	log  logx.Logger

	mu       sync.Mutex
	backends map[domain.Backend]registration
	cache    map[cacheKey]Sender
	limiters map[int64]ratelimit.Limiter
}

func NewResolver(bots BotLookup, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		bots:     bots,
		log:      log.With(logx.String("comp", "sender.resolver")),
		backends: make(map[domain.Backend]registration),
		cache:    make(map[cacheKey]Sender),
		limiters: make(map[int64]ratelimit.Limiter),
	}
}

// Register adds or replaces the factory for a backend. ratePerSec caps remote
// operations per bot; 0 means unlimited. Cached senders of that backend are
// dropped.
func (r *Resolver) Register(backend domain.Backend, f Factory, ratePerSec int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend] = registration{factory: f, ratePerSec: ratePerSec}
	for k, s := range r.cache {
		if s.Backend() == backend {
			delete(r.cache, k)
		}
	}
	for id := range r.limiters {
		delete(r.limiters, id)
	}
}

// Resolve returns the sender for ch. Every failure is permanent and happens
// before any network I/O.
func (r *Resolver) Resolve(ctx context.Context, ch domain.Channel) (Sender, error) {
	if ch.BotID == 0 {
		return nil, fmt.Errorf("%w: channel %d has no bot", ErrCredentialMissing, ch.ID)
	}
	bot, err := r.bots.GetBot(ctx, ch.BotID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: bot %d not found", ErrCredentialMissing, ch.BotID)
		}
		return nil, fmt.Errorf("load bot %d: %w", ch.BotID, err)
	}
	if bot.Backend != ch.Backend {
		return nil, fmt.Errorf("%w: bot %d is %s, channel %d is %s", ErrBackendMismatch, bot.ID, bot.Backend, ch.ID, ch.Backend)
	}
	return r.ForBot(bot)
}

// ForBot returns the sender bound to bot.
func (r *Resolver) ForBot(bot domain.Bot) (Sender, error) {
	if strings.TrimSpace(bot.Token) == "" {
		return nil, fmt.Errorf("%w: bot %d has no token", ErrCredentialMissing, bot.ID)
	}
	key := cacheKey{botID: bot.ID, token: tokenHash(bot.Token)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cache[key]; ok {
		return s, nil
	}
	reg, ok := r.backends[bot.Backend]
	if !ok || reg.factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrSenderNotFound, bot.Backend)
	}
	s, err := reg.factory(bot)
	if err != nil {
		return nil, fmt.Errorf("build %s sender for bot %d: %w", bot.Backend, bot.ID, err)
	}

	// Drop senders built from an older token of the same bot.
	for k := range r.cache {
		if k.botID == bot.ID {
			delete(r.cache, k)
		}
	}
	rl := r.limiters[bot.ID]
	if rl == nil {
		rl = newLimiter(reg.ratePerSec)
		r.limiters[bot.ID] = rl
	}
	s = WithLimiter(s, rl)
	r.cache[key] = s
	r.log.Debug("sender built", logx.Int64("bot_id", bot.ID), logx.String("backend", string(bot.Backend)))
	return s, nil
}

// Forget drops cached senders of a bot.
func (r *Resolver) Forget(botID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.botID == botID {
			delete(r.cache, k)
		}
	}
	delete(r.limiters, botID)
}

func tokenHash(token string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return h.Sum64()
}
