package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postrelay/internal/domain"
	"postrelay/internal/storage"
	logx "postrelay/pkg/logx"
)

type stubSender struct {
	backend domain.Backend
	token   string
}

func (s *stubSender) Backend() domain.Backend { return s.backend }
func (s *stubSender) Capabilities() Capabilities {
	return Capabilities{Kinds: map[domain.ContentKind]bool{domain.KindText: true, domain.KindPhoto: true}, EditText: true}
}
func (s *stubSender) Send(context.Context, domain.Channel, domain.Post, SendOptions) ([]RemoteRef, error) {
	return []RemoteRef{{ChatID: "c", MessageID: "1"}}, nil
}
func (s *stubSender) Edit(_ context.Context, _ domain.Channel, ref RemoteRef, _ domain.Post, _ SendOptions) (RemoteRef, error) {
	return ref, nil
}
func (s *stubSender) Delete(context.Context, domain.Channel, RemoteRef) (bool, error) {
	return true, nil
}
func (s *stubSender) ChannelInfo(context.Context, domain.Channel) (ChannelInfo, error) {
	return ChannelInfo{Title: "news"}, nil
}
func (s *stubSender) BotInfo(context.Context) (BotInfo, error) {
	return BotInfo{Username: "relay_bot"}, nil
}

type botMap map[int64]domain.Bot

func (m botMap) GetBot(_ context.Context, id int64) (domain.Bot, error) {
	b, ok := m[id]
	if !ok {
		return domain.Bot{}, storage.ErrNotFound
	}
	return b, nil
}

func newTestResolver(bots botMap) (*Resolver, *int) {
	builds := 0
	r := NewResolver(bots, logx.Nop())
	r.Register(domain.BackendTelegram, func(bot domain.Bot) (Sender, error) {
		builds++
		return &stubSender{backend: bot.Backend, token: bot.Token}, nil
	}, 0)
	return r, &builds
}

func TestResolveFailures(t *testing.T) {
	bots := botMap{
		1: {ID: 1, Backend: domain.BackendTelegram, Token: "t1"},
		2: {ID: 2, Backend: domain.BackendTelegram},
		3: {ID: 3, Backend: domain.BackendDiscord, Token: "d"},
	}
	r, builds := newTestResolver(bots)
	ctx := context.Background()

	cases := []struct {
		name string
		ch   domain.Channel
		want error
	}{
		{"no bot", domain.Channel{ID: 10, Backend: domain.BackendTelegram}, ErrCredentialMissing},
		{"bot missing", domain.Channel{ID: 10, Backend: domain.BackendTelegram, BotID: 99}, ErrCredentialMissing},
		{"empty token", domain.Channel{ID: 10, Backend: domain.BackendTelegram, BotID: 2}, ErrCredentialMissing},
		{"mismatch", domain.Channel{ID: 10, Backend: domain.BackendTelegram, BotID: 3}, ErrBackendMismatch},
		{"no factory", domain.Channel{ID: 10, Backend: domain.BackendDiscord, BotID: 3}, ErrSenderNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tc.ch)
			require.ErrorIs(t, err, tc.want)
			assert.True(t, IsPermanent(err))
		})
	}
	assert.Equal(t, 0, *builds)
}

func TestResolveCachesPerToken(t *testing.T) {
	bots := botMap{1: {ID: 1, Backend: domain.BackendTelegram, Token: "t1"}}
	r, builds := newTestResolver(bots)
	ctx := context.Background()
	ch := domain.Channel{ID: 10, Backend: domain.BackendTelegram, BotID: 1}

	s1, err := r.Resolve(ctx, ch)
	require.NoError(t, err)
	s2, err := r.Resolve(ctx, ch)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, *builds)

	bots[1] = domain.Bot{ID: 1, Backend: domain.BackendTelegram, Token: "t2"}
	s3, err := r.Resolve(ctx, ch)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, *builds)

	r.Forget(1)
	_, err = r.Resolve(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 3, *builds)
}

func TestLimitedForwardsInfo(t *testing.T) {
	s := WithLimiter(&stubSender{backend: domain.BackendTelegram}, newLimiter(1000))
	ip, ok := s.(InfoProvider)
	require.True(t, ok)
	info, err := ip.ChannelInfo(context.Background(), domain.Channel{})
	require.NoError(t, err)
	assert.Equal(t, "news", info.Title)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Send(ctx, domain.Channel{}, domain.Post{}, SendOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

type countingLimiter struct{ n int }

func (c *countingLimiter) Take() time.Time {
	c.n++
	return time.Now()
}

// chunkedSender makes one remote call per chunk.
type chunkedSender struct {
	stubSender
	chunks int
}

func (s *chunkedSender) Send(ctx context.Context, _ domain.Channel, _ domain.Post, _ SendOptions) ([]RemoteRef, error) {
	refs := make([]RemoteRef, 0, s.chunks)
	for i := 0; i < s.chunks; i++ {
		if err := Pace(ctx); err != nil {
			return nil, err
		}
		refs = append(refs, RemoteRef{ChatID: "c", MessageID: fmt.Sprint(i)})
	}
	return refs, nil
}

func TestLimiterPacesEveryRemoteCall(t *testing.T) {
	rl := &countingLimiter{}
	s := WithLimiter(&chunkedSender{chunks: 3}, rl)

	refs, err := s.Send(context.Background(), domain.Channel{}, domain.Post{}, SendOptions{})
	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Equal(t, 3, rl.n)

	// Outside a limited sender Pace only checks the context.
	require.NoError(t, Pace(context.Background()))
	assert.Equal(t, 3, rl.n)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Pace(ctx), context.Canceled)
}

func TestCapabilities(t *testing.T) {
	c := (&stubSender{}).Capabilities()
	assert.True(t, c.CanSend(domain.KindText))
	assert.False(t, c.CanSend(domain.KindVoice))
	assert.True(t, c.CanEdit(domain.KindText))
	assert.False(t, c.CanEdit(domain.KindPhoto), "caption edit not advertised")
	assert.False(t, c.CanEdit(domain.KindVoice))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(fmt.Errorf("wrap: %w", ErrUnsupportedContentKind)))
	assert.True(t, IsPermanent(Permanent(errors.New("chat not found"))))
	assert.False(t, IsPermanent(errors.New("connection reset")))
	assert.False(t, IsPermanent(nil))

	err := RateLimited(errors.New("flood"), 3*time.Second)
	var ra interface{ RetryAfter() time.Duration }
	require.True(t, errors.As(err, &ra))
	assert.Equal(t, 3*time.Second, ra.RetryAfter())
	assert.False(t, IsPermanent(err))
}

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, "plain text", EscapeMarkdownV2("plain text"))
	assert.Equal(t, `a\_b \*c\* \[x\]\(y\) 1\.5\! \\`, EscapeMarkdownV2(`a_b *c* [x](y) 1.5! \`))
	assert.Equal(t, "&lt;b&gt;", FormatText("<b>", "HTML"))
	assert.Equal(t, "a.b", FormatText("a.b", "none"))
}

func TestEscapeDiscordMarkdown(t *testing.T) {
	in := "**bold** _x_ ~~s~~ `c` > q # h - l [t](u) 1.5! \\"
	want := `\*\*bold\*\* \_x\_ \~\~s\~\~ \` + "`" + `c\` + "`" + ` \> q \# h \- l \[t\]\(u\) 1.5! \\`
	assert.Equal(t, want, EscapeDiscordMarkdown(in))
	assert.Equal(t, want, FormatText(in, "markdown"))
	assert.Equal(t, "plain", EscapeDiscordMarkdown("plain"))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, SplitText(long, 10))

	chunks := SplitText(strings.Repeat("x", 25), 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 25), strings.Join(chunks, ""))

	// An escape pair is never split.
	esc := strings.Repeat("a", 9) + `\.` + "tail"
	chunks = SplitText(esc, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 9), chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], `\.`))

	for _, c := range SplitText(strings.Repeat("é", 5000), 4096) {
		assert.LessOrEqual(t, len([]rune(c)), 4096)
	}
}

func TestSplitTextUTF16(t *testing.T) {
	assert.Equal(t, 3, UTF16Len("a😀"))
	assert.Equal(t, 2, UTF16Len("é!"))

	// 3000 emoji are 3000 runes but 6000 UTF-16 units.
	emoji := strings.Repeat("😀", 3000)
	assert.Len(t, SplitText(emoji, 4096), 1)
	chunks := SplitTextUTF16(emoji, 4096)
	require.Len(t, chunks, 2)
	assert.Equal(t, 4096, UTF16Len(chunks[0]))
	assert.Equal(t, emoji, strings.Join(chunks, ""))

	mixed := strings.Repeat("a😀", 2000)
	for _, c := range SplitTextUTF16(mixed, 4096) {
		assert.LessOrEqual(t, UTF16Len(c), 4096)
	}
	assert.Equal(t, []string{"short"}, SplitTextUTF16("short", 10))
}
