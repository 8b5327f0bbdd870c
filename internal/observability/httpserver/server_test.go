package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"postrelay/internal/dispatch"
	"postrelay/internal/domain"
	"postrelay/internal/eventbus"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	logx "postrelay/pkg/logx"
)

type mockAdmin struct{ mock.Mock }

func (m *mockAdmin) Publish(ctx context.Context, postID int64, silent bool) error {
	return m.Called(postID, silent).Error(0)
}

func (m *mockAdmin) Unpublish(ctx context.Context, postID int64) error {
	return m.Called(postID).Error(0)
}

func (m *mockAdmin) DeletePost(ctx context.Context, postID int64) error {
	return m.Called(postID).Error(0)
}

func (m *mockAdmin) DeleteMessage(ctx context.Context, recordID string) error {
	return m.Called(recordID).Error(0)
}

func newTestService(t *testing.T, cfg Config) (*Service, *mockAdmin, storage.Store, eventbus.Bus) {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	admin := &mockAdmin{}
	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "t"}))
	s := New(cfg, Deps{
		Gatherer: reg,
		Dispatch: func() dispatch.Snapshot {
			return dispatch.Snapshot{Outstanding: 1, Lanes: []dispatch.LaneSnapshot{{PostID: 1, ChannelID: 2, Running: "publish"}}}
		},
		Engine:  func() engine.Snapshot { return engine.Snapshot{Running: true, Workers: 4} },
		Bus:     bus,
		Records: store,
		Admin:   admin,
	}, logx.Nop())
	return s, admin, store, bus
}

func do(t *testing.T, h http.Handler, method, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _, _ := newTestService(t, Config{})
	h := s.handler(context.Background(), Config{})

	rec := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 0")
}

func TestHealthReportsFailure(t *testing.T) {
	s, _, _, _ := newTestService(t, Config{})
	s.deps.Health = func() error { return errors.New("engine stopped") }

	rec := do(t, s.handler(context.Background(), Config{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine stopped")
}

func TestTokenAuth(t *testing.T) {
	cfg := Config{Token: "s3cret"}
	s, _, _, _ := newTestService(t, cfg)
	h := s.handler(context.Background(), cfg)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/dispatch").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/dispatch?token=nope").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/metrics", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/debug/dispatch?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "Authorization", "Bearer s3cret").Code)
	// Liveness stays open for health checks.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)
}

func TestDebugDispatch(t *testing.T) {
	s, _, _, _ := newTestService(t, Config{})
	rec := do(t, s.handler(context.Background(), Config{}), http.MethodGet, "/debug/dispatch")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Dispatch dispatch.Snapshot `json:"dispatch"`
		Engine   engine.Snapshot   `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Dispatch.Outstanding)
	require.Len(t, out.Dispatch.Lanes, 1)
	assert.Equal(t, "publish", out.Dispatch.Lanes[0].Running)
	assert.Equal(t, 4, out.Engine.Workers)
}

func TestAuditAndMessages(t *testing.T) {
	s, _, store, _ := newTestService(t, Config{})
	ctx := context.Background()
	ch := int64(10)
	require.NoError(t, store.AppendAudit(ctx, domain.AuditEntry{ID: "a1", Operation: domain.OpCreate, PostID: 1, ChannelID: &ch, OK: true}))
	require.NoError(t, store.AppendAudit(ctx, domain.AuditEntry{ID: "a2", Operation: domain.OpDelete, PostID: 2, ChannelID: &ch, OK: true}))
	require.NoError(t, store.AppendMessages(ctx, []domain.MessageRecord{
		{ID: "m1", PostID: 1, ChannelID: 10, RemoteChatID: "-10010", RemoteID: "5"},
	}))
	h := s.handler(ctx, Config{})

	rec := do(t, h, http.MethodGet, "/api/audit?post_id=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []domain.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].ID)

	rec = do(t, h, http.MethodGet, "/api/audit?operation=delete")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a2", entries[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/audit?post_id=x").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/audit?limit=0").Code)

	rec = do(t, h, http.MethodGet, "/api/posts/1/messages")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []domain.MessageRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "5", recs[0].RemoteID)

	rec = do(t, h, http.MethodGet, "/api/posts/9/messages")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	s, admin, _, _ := newTestService(t, Config{})
	admin.On("Publish", int64(3), true).Return(nil).Once()
	admin.On("Unpublish", int64(3)).Return(nil).Once()
	admin.On("DeletePost", int64(4)).Return(storage.ErrNotFound).Once()
	admin.On("DeleteMessage", "rec-1").Return(nil).Once()
	h := s.handler(context.Background(), Config{})

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/posts/3/publish?silent=true").Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/posts/3/unpublish").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/posts/4").Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodDelete, "/api/messages/rec-1").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/posts/abc/publish").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/posts/3/publish").Code)
	admin.AssertExpectations(t)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s, _, _, _ := newTestService(t, Config{})
	assert.Equal(t, http.StatusNotFound, do(t, s.handler(context.Background(), Config{}), http.MethodGet, "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, do(t, s.handler(context.Background(), Config{Pprof: true}), http.MethodGet, "/debug/pprof/").Code)
}

func TestEventsStream(t *testing.T) {
	s, _, _, bus := newTestService(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(s.handler(ctx, Config{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?type=dispatch."
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription starts after the upgrade; publish until one lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(10 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				bus.Publish(eventbus.Event{Type: "task.started"})
				bus.Publish(eventbus.Event{Type: "dispatch.completed", Data: map[string]any{"op": "publish"}})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev eventbus.Event
	require.NoError(t, json.Unmarshal(b, &ev))
	assert.Equal(t, "dispatch.completed", ev.Type)
}

func TestStartServesAndStops(t *testing.T) {
	s, _, _, _ := newTestService(t, Config{})
	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Equal(t, "", s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
