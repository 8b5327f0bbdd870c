package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postrelay/internal/catalog"
	"postrelay/internal/domain"
	"postrelay/internal/eventbus"
	"postrelay/internal/sender"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	"postrelay/internal/trigger"
	logx "postrelay/pkg/logx"
)

// fakeSender simulates a backend. Remote messages live in a set keyed by
// chat and message id, so out-of-band deletes can be modelled.
type fakeSender struct {
	mu      sync.Mutex
	caps    sender.Capabilities
	next    int
	live    map[string]bool
	sendErr map[string]error // by channel external id
	editErr error
	delay   time.Duration
	calls   []string
	active  map[string]int // in-flight calls per channel
	overlap bool
}

func newFakeSender() *fakeSender {
	kinds := map[domain.ContentKind]bool{}
	for _, k := range domain.Kinds() {
		kinds[k] = true
	}
	return &fakeSender{
		caps:    sender.Capabilities{Kinds: kinds, EditText: true, EditCaption: true, Silent: true, GalleryMax: 10},
		live:    map[string]bool{},
		sendErr: map[string]error{},
		active:  map[string]int{},
	}
}

func refKey(chat, msg string) string { return chat + "/" + msg }

func (f *fakeSender) enter(ch domain.Channel, call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call+":"+ch.ExternalID)
	f.active[ch.ExternalID]++
	if f.active[ch.ExternalID] > 1 {
		f.overlap = true
	}
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (f *fakeSender) leave(ch domain.Channel) {
	f.mu.Lock()
	f.active[ch.ExternalID]--
	f.mu.Unlock()
}

func (f *fakeSender) Backend() domain.Backend { return domain.BackendTelegram }

func (f *fakeSender) Capabilities() sender.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

func (f *fakeSender) Send(ctx context.Context, ch domain.Channel, post domain.Post, _ sender.SendOptions) ([]sender.RemoteRef, error) {
	f.enter(ch, "send")
	defer f.leave(ch)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[ch.ExternalID]; err != nil {
		return nil, err
	}
	n := 1
	if post.Kind.IsGallery() {
		n = len(post.Gallery)
	}
	refs := make([]sender.RemoteRef, 0, n)
	for i := 0; i < n; i++ {
		f.next++
		ref := sender.RemoteRef{ChatID: ch.ExternalID, MessageID: strconv.Itoa(f.next)}
		f.live[refKey(ref.ChatID, ref.MessageID)] = true
		refs = append(refs, ref)
	}
	return refs, nil
}

func (f *fakeSender) Edit(_ context.Context, ch domain.Channel, ref sender.RemoteRef, _ domain.Post, _ sender.SendOptions) (sender.RemoteRef, error) {
	f.enter(ch, "edit")
	defer f.leave(ch)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return sender.RemoteRef{}, f.editErr
	}
	return ref, nil
}

func (f *fakeSender) Delete(_ context.Context, ch domain.Channel, ref sender.RemoteRef) (bool, error) {
	f.enter(ch, "delete")
	defer f.leave(ch)
	f.mu.Lock()
	defer f.mu.Unlock()
	k := refKey(ref.ChatID, ref.MessageID)
	if !f.live[k] {
		return false, nil
	}
	delete(f.live, k)
	return true, nil
}

func (f *fakeSender) dropOutOfBand(chat, msg string) {
	f.mu.Lock()
	delete(f.live, refKey(chat, msg))
	f.mu.Unlock()
}

func (f *fakeSender) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSender) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type harness struct {
	store  storage.Store
	engine *engine.Service
	fake   *fakeSender
	d      *Dispatcher
}

func newHarness(t *testing.T, cfg Config, start bool) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), fake: newFakeSender()}
	h.engine = engine.New(engine.Config{Workers: 4, QueueSize: 64}, logx.Nop(), eventbus.New())
	if start {
		h.engine.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			h.engine.Stop(ctx)
		})
	}

	res := sender.NewResolver(h.store, logx.Nop())
	res.Register(domain.BackendTelegram, func(domain.Bot) (sender.Sender, error) { return h.fake, nil }, 0)
	h.d = New(h.store, res, h.engine, cfg)

	ctx := context.Background()
	require.NoError(t, h.store.PutBot(ctx, domain.Bot{ID: 1, Backend: domain.BackendTelegram, Token: "123:abc"}))
	for _, id := range []int64{10, 11, 12} {
		require.NoError(t, h.store.PutChannel(ctx, domain.Channel{ID: id, Backend: domain.BackendTelegram, BotID: 1, ExternalID: fmt.Sprintf("-100%d", id)}))
	}
	return h
}

func (h *harness) post(t *testing.T, p domain.Post, channels ...int64) domain.Post {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.PutPost(ctx, p))
	for _, ch := range channels {
		require.NoError(t, h.store.AttachChannel(ctx, p.ID, ch))
	}
	return p
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Wait(ctx))
}

func (h *harness) records(t *testing.T, postID int64) []domain.MessageRecord {
	t.Helper()
	recs, err := h.store.ListMessagesForPost(context.Background(), postID)
	require.NoError(t, err)
	return recs
}

func (h *harness) audit(t *testing.T, f domain.AuditFilter) []domain.AuditEntry {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), f)
	require.NoError(t, err)
	return entries
}

func textPost(id int64) domain.Post {
	return domain.Post{ID: id, Kind: domain.KindText, Text: "hello *world*"}
}

func countOK(entries []domain.AuditEntry) (ok, failed int) {
	for _, e := range entries {
		if e.OK {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

func TestPublishToHealthyChannels(t *testing.T) {
	h := newHarness(t, Config{OperationTimeout: time.Second}, true)
	h.post(t, textPost(1), 10, 11)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)

	recs := h.records(t, 1)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(10), recs[0].ChannelID)
	assert.Equal(t, int64(11), recs[1].ChannelID)
	assert.Equal(t, "-10010", recs[0].RemoteChatID)

	entries := h.audit(t, domain.AuditFilter{PostID: 1, Operation: domain.OpCreate})
	require.Len(t, entries, 2)
	ok, failed := countOK(entries)
	assert.Equal(t, 2, ok)
	assert.Zero(t, failed)
	for _, e := range entries {
		assert.NotEmpty(t, e.TaskID)
		assert.Contains(t, e.Response, "message_id")
	}
}

func TestPublishPartialFailure(t *testing.T) {
	h := newHarness(t, Config{OperationTimeout: time.Second}, true)
	h.fake.sendErr["-10011"] = errors.New("connection reset by peer")
	h.post(t, textPost(1), 10, 11)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)

	recs := h.records(t, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(10), recs[0].ChannelID)

	entries := h.audit(t, domain.AuditFilter{PostID: 1})
	require.Len(t, entries, 2)
	ok, failed := countOK(entries)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	bad := h.audit(t, domain.AuditFilter{PostID: 1, ChannelID: 11})
	require.Len(t, bad, 1)
	assert.Contains(t, bad[0].Error, "connection reset")
}

func TestDeleteAlreadyRemovedIsSuccess(t *testing.T) {
	h := newHarness(t, Config{OperationTimeout: time.Second}, true)
	p := textPost(1)
	p.Published = true
	h.post(t, p, 10)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)
	recs := h.records(t, 1)
	require.Len(t, recs, 1)

	h.fake.dropOutOfBand(recs[0].RemoteChatID, recs[0].RemoteID)

	require.NoError(t, h.d.OnUnpublishRequested(context.Background(), 1))
	h.wait(t)

	assert.Empty(t, h.records(t, 1))
	del := h.audit(t, domain.AuditFilter{PostID: 1, Operation: domain.OpDelete})
	require.Len(t, del, 1)
	assert.True(t, del[0].OK)
	assert.Contains(t, del[0].Response, "already gone")
}

func TestChannelAddedToPublishedPost(t *testing.T) {
	h := newHarness(t, Config{OperationTimeout: time.Second}, true)
	p := textPost(1)
	p.Published = true
	p.Silent = true
	h.post(t, p)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, true))
	h.wait(t)
	assert.Empty(t, h.fake.callLog())

	require.NoError(t, h.store.AttachChannel(context.Background(), 1, 12))
	require.NoError(t, h.d.OnChannelAdded(context.Background(), 1, 12))
	h.wait(t)

	assert.Equal(t, []string{"send:-10012"}, h.fake.callLog())
	recs := h.records(t, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(12), recs[0].ChannelID)
	assert.Len(t, h.audit(t, domain.AuditFilter{PostID: 1}), 1)
}

func TestChannelAddedToDraftDoesNothing(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.post(t, textPost(1), 10)

	require.NoError(t, h.d.OnChannelAdded(context.Background(), 1, 10))
	h.wait(t)
	assert.Empty(t, h.fake.callLog())
	assert.Empty(t, h.audit(t, domain.AuditFilter{}))
}

func TestUnpublishIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.post(t, textPost(1), 10, 11)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	h.wait(t)
	require.Len(t, h.records(t, 1), 2)

	require.NoError(t, h.d.OnUnpublishRequested(ctx, 1))
	h.wait(t)
	assert.Empty(t, h.records(t, 1))
	assert.Zero(t, h.fake.liveCount())

	require.NoError(t, h.d.OnUnpublishRequested(ctx, 1))
	h.wait(t)
	assert.Empty(t, h.records(t, 1))
	assert.Len(t, h.audit(t, domain.AuditFilter{PostID: 1, Operation: domain.OpDelete}), 2)
}

func TestGalleryOrderAndEditCardinality(t *testing.T) {
	h := newHarness(t, Config{}, true)
	p := domain.Post{ID: 7, Kind: domain.KindGalleryPhotos, Caption: "trip", Gallery: []domain.GalleryItem{
		{File: "a.jpg"}, {File: "b.jpg"}, {File: "c.jpg"},
	}}
	h.post(t, p, 10, 11)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 7, false))
	h.wait(t)

	for _, ch := range []int64{10, 11} {
		recs, err := h.store.ListMessagesForPair(ctx, 7, ch)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		prev := 0
		for i, r := range recs {
			assert.Equal(t, i, r.Position)
			id, err := strconv.Atoi(r.RemoteID)
			require.NoError(t, err)
			assert.Greater(t, id, prev)
			prev = id
		}
	}

	p.Caption = "trip (updated)"
	require.NoError(t, h.store.PutPost(ctx, p))
	require.NoError(t, h.d.OnEditRequested(ctx, 7))
	h.wait(t)

	assert.Len(t, h.records(t, 7), 6)
	upd := h.audit(t, domain.AuditFilter{PostID: 7, Operation: domain.OpUpdate})
	require.Len(t, upd, 2)
	ok, _ := countOK(upd)
	assert.Equal(t, 2, ok)

	edits := 0
	for _, c := range h.fake.callLog() {
		if c == "edit:-10010" || c == "edit:-10011" {
			edits++
		}
	}
	assert.Equal(t, 2, edits)
}

func TestPublishSkipsPairWithRecords(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.post(t, textPost(1), 10)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	h.wait(t)
	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	h.wait(t)

	assert.Len(t, h.records(t, 1), 1)
	entries := h.audit(t, domain.AuditFilter{PostID: 1})
	require.Len(t, entries, 2)
	assert.Equal(t, skippedAlreadyPublished, entries[1].Response)
	assert.True(t, entries[1].OK)
}

func TestPairOperationsRunInOrder(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.fake.delay = 20 * time.Millisecond
	h.post(t, textPost(1), 10)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	require.NoError(t, h.d.OnEditRequested(ctx, 1))
	require.NoError(t, h.d.OnUnpublishRequested(ctx, 1))
	h.wait(t)

	assert.Equal(t, []string{"send:-10010", "edit:-10010", "delete:-10010"}, h.fake.callLog())
	assert.False(t, h.fake.overlap)
	assert.Empty(t, h.records(t, 1))
}

func TestIdenticalPendingOperationsCoalesce(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.fake.delay = 30 * time.Millisecond
	h.post(t, textPost(1), 10)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	require.NoError(t, h.d.OnEditRequested(ctx, 1))
	require.NoError(t, h.d.OnEditRequested(ctx, 1))
	require.NoError(t, h.d.OnEditRequested(ctx, 1))

	snap := h.d.Snapshot()
	require.Len(t, snap.Lanes, 1)
	assert.Equal(t, "publish", snap.Lanes[0].Running)
	assert.Equal(t, []string{"edit"}, snap.Lanes[0].Pending)

	h.wait(t)
	assert.Equal(t, []string{"send:-10010", "edit:-10010"}, h.fake.callLog())
	assert.Zero(t, h.d.Snapshot().Outstanding)
}

func TestResolverFailuresAreAudited(t *testing.T) {
	h := newHarness(t, Config{RetryMax: 3, RetryBase: time.Millisecond}, true)
	ctx := context.Background()
	require.NoError(t, h.store.PutChannel(ctx, domain.Channel{ID: 20, Backend: domain.BackendTelegram, ExternalID: "-10020"}))
	require.NoError(t, h.store.PutChannel(ctx, domain.Channel{ID: 21, Backend: domain.BackendDiscord, BotID: 1, ExternalID: "99"}))
	h.post(t, textPost(1), 20, 21)

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	h.wait(t)

	assert.Empty(t, h.records(t, 1))
	noBot := h.audit(t, domain.AuditFilter{PostID: 1, ChannelID: 20})
	require.Len(t, noBot, 1, "permanent failures are not retried")
	assert.Contains(t, noBot[0].Error, sender.ErrCredentialMissing.Error())

	mismatch := h.audit(t, domain.AuditFilter{PostID: 1, ChannelID: 21})
	require.Len(t, mismatch, 1)
	assert.Contains(t, mismatch[0].Error, sender.ErrBackendMismatch.Error())
	assert.Empty(t, h.fake.callLog())
}

func TestUnsupportedKindIsAudited(t *testing.T) {
	h := newHarness(t, Config{}, true)
	delete(h.fake.caps.Kinds, domain.KindVoice)
	h.post(t, domain.Post{ID: 3, Kind: domain.KindVoice, File: "note.ogg"}, 10)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 3, false))
	h.wait(t)

	entries := h.audit(t, domain.AuditFilter{PostID: 3})
	require.Len(t, entries, 1)
	assert.False(t, entries[0].OK)
	assert.Contains(t, entries[0].Error, sender.ErrUnsupportedContentKind.Error())
	assert.Empty(t, h.fake.callLog())
}

func TestEditFailureKeepsRecords(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.post(t, textPost(1), 10)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	h.wait(t)
	h.fake.editErr = sender.Permanent(errors.New("Bad Request: message can't be edited"))
	require.NoError(t, h.d.OnEditRequested(ctx, 1))
	h.wait(t)

	upd := h.audit(t, domain.AuditFilter{PostID: 1, Operation: domain.OpUpdate})
	require.Len(t, upd, 1)
	assert.False(t, upd[0].OK)
	assert.Len(t, h.records(t, 1), 1)
}

func TestTransientFailureRetriesWithAuditPerAttempt(t *testing.T) {
	h := newHarness(t, Config{RetryMax: 2, RetryBase: time.Millisecond}, true)
	h.fake.sendErr["-10010"] = errors.New("i/o timeout")
	h.post(t, textPost(1), 10)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)

	entries := h.audit(t, domain.AuditFilter{PostID: 1})
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.False(t, e.OK)
		assert.Equal(t, entries[0].TaskID, e.TaskID)
	}
	assert.Empty(t, h.records(t, 1))
}

func TestTimeoutLeavesNoRecords(t *testing.T) {
	h := newHarness(t, Config{OperationTimeout: 10 * time.Millisecond}, true)
	h.fake.delay = 50 * time.Millisecond
	h.post(t, textPost(1), 10)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)

	assert.Empty(t, h.records(t, 1))
	entries := h.audit(t, domain.AuditFilter{PostID: 1})
	require.Len(t, entries, 1)
	assert.False(t, entries[0].OK)
	assert.Contains(t, entries[0].Error, context.DeadlineExceeded.Error())
}

func TestRefusedByEngineIsAudited(t *testing.T) {
	h := newHarness(t, Config{}, false)
	h.post(t, textPost(1), 10, 11)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)

	entries := h.audit(t, domain.AuditFilter{PostID: 1})
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.False(t, e.OK)
		assert.Contains(t, e.Error, "not executed")
	}
	assert.Empty(t, h.records(t, 1))
	assert.Zero(t, h.d.Snapshot().Outstanding)
}

func TestChannelDeletedRetractsRemoteMessages(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.post(t, textPost(1), 10, 11)
	h.post(t, textPost(2), 10)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	require.NoError(t, h.d.OnPublishRequested(ctx, 2, false))
	h.wait(t)
	require.Equal(t, 3, h.fake.liveCount())

	last, err := h.store.GetChannel(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, h.store.DeleteChannel(ctx, 10))
	require.NoError(t, h.d.OnChannelDeleted(ctx, 10, &last))
	h.wait(t)

	recs, err := h.store.ListMessagesForChannel(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, h.records(t, 1), 1)
	assert.Equal(t, 1, h.fake.liveCount())

	del := h.audit(t, domain.AuditFilter{Operation: domain.OpDelete})
	require.Len(t, del, 2)
	for _, e := range del {
		assert.True(t, e.OK, e.Error)
		assert.Contains(t, e.Response, `"status":"deleted"`)
	}
}

func TestCatalogChannelDeletionReachesBackend(t *testing.T) {
	h := newHarness(t, Config{}, true)
	cat := catalog.New(h.store, trigger.NewDirect(trigger.NewRouter(h.d, nil, logx.Nop())), logx.Nop())
	ctx := context.Background()

	require.NoError(t, cat.SavePost(ctx, textPost(1)))
	require.NoError(t, cat.AttachChannel(ctx, 1, 10))
	require.NoError(t, cat.Publish(ctx, 1, false))
	h.wait(t)
	require.Equal(t, 1, h.fake.liveCount())

	require.NoError(t, cat.DeleteChannel(ctx, 10))
	h.wait(t)

	assert.Empty(t, h.records(t, 1))
	assert.Zero(t, h.fake.liveCount())
	del := h.audit(t, domain.AuditFilter{Operation: domain.OpDelete})
	require.Len(t, del, 1)
	assert.True(t, del[0].OK, del[0].Error)
}

func TestChannelDeletedWithoutLastStateIsAudited(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.post(t, textPost(1), 10)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	h.wait(t)

	require.NoError(t, h.store.DeleteChannel(ctx, 10))
	require.NoError(t, h.d.OnChannelDeleted(ctx, 10, nil))
	h.wait(t)

	assert.Empty(t, h.records(t, 1))
	del := h.audit(t, domain.AuditFilter{Operation: domain.OpDelete})
	require.Len(t, del, 1)
	assert.False(t, del[0].OK)
	assert.Nil(t, del[0].ChannelID)
	assert.Contains(t, del[0].Error, "not found")
}

func TestChannelRemovedAndPostDeleted(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.post(t, textPost(1), 10, 11)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 1, false))
	h.wait(t)

	require.NoError(t, h.store.DetachChannel(ctx, 1, 10))
	require.NoError(t, h.d.OnChannelRemoved(ctx, 1, 10))
	h.wait(t)
	recs := h.records(t, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(11), recs[0].ChannelID)

	require.NoError(t, h.store.DeletePost(ctx, 1))
	require.NoError(t, h.d.OnPostDeleted(ctx, 1))
	h.wait(t)
	assert.Empty(t, h.records(t, 1))
	assert.Zero(t, h.fake.liveCount())
}

func TestDeleteSingleMessage(t *testing.T) {
	h := newHarness(t, Config{}, true)
	p := domain.Post{ID: 4, Kind: domain.KindGalleryDocuments, Gallery: []domain.GalleryItem{{File: "a.pdf"}, {File: "b.pdf"}}}
	h.post(t, p, 10)
	ctx := context.Background()

	require.NoError(t, h.d.OnPublishRequested(ctx, 4, false))
	h.wait(t)
	recs := h.records(t, 4)
	require.Len(t, recs, 2)

	require.NoError(t, h.d.DeleteMessage(ctx, recs[1].ID))
	h.wait(t)

	left := h.records(t, 4)
	require.Len(t, left, 1)
	assert.Equal(t, recs[0].ID, left[0].ID)
	del := h.audit(t, domain.AuditFilter{PostID: 4, Operation: domain.OpDelete})
	require.Len(t, del, 1)
	assert.True(t, del[0].OK)

	err := h.d.DeleteMessage(ctx, recs[1].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTriggersReportMissingPost(t *testing.T) {
	h := newHarness(t, Config{}, true)
	ctx := context.Background()

	assert.ErrorIs(t, h.d.OnPublishRequested(ctx, 404, false), storage.ErrNotFound)
	assert.ErrorIs(t, h.d.OnEditRequested(ctx, 404), storage.ErrNotFound)
	assert.ErrorIs(t, h.d.OnChannelAdded(ctx, 404, 10), storage.ErrNotFound)
	assert.NoError(t, h.d.OnUnpublishRequested(ctx, 404))
}

func TestDifferentPairsRunConcurrently(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.fake.delay = 100 * time.Millisecond
	h.post(t, textPost(1), 10, 11, 12)

	start := time.Now()
	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)

	assert.Less(t, time.Since(start), 280*time.Millisecond)
	assert.Len(t, h.records(t, 1), 3)
}

func TestDispatchEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "dispatch.")
	defer unsub()

	h := newHarness(t, Config{}, true)
	h.d = New(h.store, h.d.resolver, h.engine, Config{}, WithBus(bus))
	h.post(t, textPost(1), 10)

	require.NoError(t, h.d.OnPublishRequested(context.Background(), 1, false))
	h.wait(t)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("got events %v", types)
		}
	}
	assert.Equal(t, []string{"dispatch.submitted", "dispatch.completed"}, types)
}
