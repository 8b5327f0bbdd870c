package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postrelay/internal/domain"
	"postrelay/internal/storage"
	"postrelay/internal/trigger"
	logx "postrelay/pkg/logx"
)

type emitted struct {
	typ  string
	data trigger.Data
}

type recorder struct {
	events []emitted
	err    error
}

func (r *recorder) Emit(_ context.Context, typ string, data trigger.Data) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, emitted{typ, data})
	return nil
}

func (r *recorder) types() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.typ)
	}
	return out
}

func newService(t *testing.T) (*Service, storage.Store, *recorder) {
	t.Helper()
	st := storage.NewMemory()
	rec := &recorder{}
	return New(st, rec, logx.Nop()), st, rec
}

func TestSaveBotAndChannelEmitCreationOnce(t *testing.T) {
	s, st, rec := newService(t)
	ctx := context.Background()

	bot := domain.Bot{ID: 1, Backend: domain.BackendTelegram, Token: "123:abc"}
	require.NoError(t, s.SaveBot(ctx, bot))
	require.NoError(t, s.SaveBot(ctx, bot))
	ch := domain.Channel{ID: 10, Backend: domain.BackendTelegram, ExternalID: "-10010", BotID: 1}
	require.NoError(t, s.SaveChannel(ctx, ch))
	require.NoError(t, s.SaveChannel(ctx, ch))

	assert.Equal(t, []string{trigger.BotCreated, trigger.ChannelCreated}, rec.types())
	got, err := st.GetChannel(ctx, 10)
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())

	assert.Error(t, s.SaveBot(ctx, domain.Bot{ID: 2, Backend: "irc"}))
}

func TestPublishLifecycle(t *testing.T) {
	s, st, rec := newService(t)
	ctx := context.Background()
	require.NoError(t, s.SaveChannel(ctx, domain.Channel{ID: 10, Backend: domain.BackendTelegram, ExternalID: "-10010"}))
	rec.events = nil

	p := domain.Post{ID: 1, Kind: domain.KindText, Text: "v1", Published: true}
	require.NoError(t, s.SavePost(ctx, p))
	got, err := st.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.False(t, got.Published, "creation never publishes")

	require.NoError(t, s.AttachChannel(ctx, 1, 10))
	require.NoError(t, s.Publish(ctx, 1, true))
	got, err = st.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Published)
	assert.True(t, got.Silent)

	p.Text = "v2"
	require.NoError(t, s.SavePost(ctx, p))
	require.NoError(t, s.SavePost(ctx, p))

	require.NoError(t, s.Unpublish(ctx, 1))
	require.NoError(t, s.DetachChannel(ctx, 1, 10))
	require.NoError(t, s.DeletePost(ctx, 1))

	assert.Equal(t, []string{
		trigger.PostChannelAdded,
		trigger.PostPublishRequested,
		trigger.PostEditRequested,
		trigger.PostUnpublishRequested,
		trigger.PostChannelRemoved,
		trigger.PostDeleted,
	}, rec.types())
	assert.Equal(t, trigger.Data{PostID: 1, Silent: true}, rec.events[1].data)
}

func TestDeleteChannelCarriesLastState(t *testing.T) {
	s, st, rec := newService(t)
	ctx := context.Background()
	ch := domain.Channel{ID: 10, Backend: domain.BackendTelegram, ExternalID: "-10010", BotID: 1}
	require.NoError(t, s.SaveChannel(ctx, ch))
	rec.events = nil

	require.NoError(t, s.DeleteChannel(ctx, 10))
	_, err := st.GetChannel(ctx, 10)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Len(t, rec.events, 1)
	got := rec.events[0]
	assert.Equal(t, trigger.ChannelDeleted, got.typ)
	assert.Equal(t, int64(10), got.data.ChannelID)
	require.NotNil(t, got.data.Channel)
	assert.Equal(t, "-10010", got.data.Channel.ExternalID)
	assert.Equal(t, int64(1), got.data.Channel.BotID)

	// Unknown channels still emit so leftover records get cleaned up.
	require.NoError(t, s.DeleteChannel(ctx, 99))
	require.Len(t, rec.events, 2)
	assert.Nil(t, rec.events[1].data.Channel)
}

func TestSavePostKeepsKind(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, s.SavePost(ctx, domain.Post{ID: 1, Kind: domain.KindText, Text: "x"}))
	err := s.SavePost(ctx, domain.Post{ID: 1, Kind: domain.KindPhoto, File: "a.jpg"})
	assert.ErrorIs(t, err, domain.ErrKindImmutable)
}

func TestAttachUnknownEntities(t *testing.T) {
	s, _, rec := newService(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.AttachChannel(ctx, 1, 10), storage.ErrNotFound)
	assert.Empty(t, rec.events)
}

func TestEmitFailureIsReturned(t *testing.T) {
	s, st, rec := newService(t)
	rec.err = errors.New("broker down")
	ctx := context.Background()

	err := s.SaveChannel(ctx, domain.Channel{ID: 10, Backend: domain.BackendDiscord, ExternalID: "42"})
	assert.ErrorContains(t, err, "broker down")
	_, err = st.GetChannel(ctx, 10)
	assert.NoError(t, err)
}

func TestSeedIsIdempotent(t *testing.T) {
	s, st, rec := newService(t)
	ctx := context.Background()
	bots := []domain.Bot{{ID: 1, Backend: domain.BackendTelegram, Token: "t"}}
	channels := []domain.Channel{{ID: 10, Backend: domain.BackendTelegram, ExternalID: "-10010", BotID: 1}}
	posts := []PostSeed{{Post: domain.Post{ID: 1, Kind: domain.KindText, Text: "hi"}, Channels: []int64{10}}}

	require.NoError(t, s.Seed(ctx, bots, channels, posts))
	require.NoError(t, s.Seed(ctx, bots, channels, posts))

	assert.Equal(t, []string{trigger.BotCreated, trigger.ChannelCreated, trigger.PostChannelAdded}, rec.types())
	linked, err := st.PostChannels(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, linked)
}
