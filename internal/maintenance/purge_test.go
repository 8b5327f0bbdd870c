package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postrelay/internal/domain"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	logx "postrelay/pkg/logx"
)

type inlineRunner struct {
	mu    sync.Mutex
	names []string
}

func (r *inlineRunner) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.names = append(r.names, t.Name)
	r.mu.Unlock()
	return t.Run(context.Background())
}

func (r *inlineRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func seedAudit(t *testing.T, st storage.Store, ages ...time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	for i, age := range ages {
		require.NoError(t, st.AppendAudit(context.Background(), domain.AuditEntry{
			ID:        string(rune('a' + i)),
			Operation: domain.OpCreate,
			PostID:    1,
			OK:        true,
			CreatedAt: now.Add(-age),
		}))
	}
}

func TestPurgeNowRemovesOldEntries(t *testing.T) {
	st := storage.NewMemory()
	seedAudit(t, st, 48*time.Hour, 30*time.Hour, time.Hour)
	p := New(st, &inlineRunner{}, Config{Retention: 24 * time.Hour}, logx.Nop())

	n, err := p.PurgeNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := st.ListAudit(context.Background(), domain.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestPurgeDisabledWithoutRetention(t *testing.T) {
	st := storage.NewMemory()
	seedAudit(t, st, 48*time.Hour)
	p := New(st, &inlineRunner{}, Config{}, logx.Nop())

	n, err := p.PurgeNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, p.Start(context.Background()))
	assert.Nil(t, p.c)
}

func TestScheduledPurgeRuns(t *testing.T) {
	st := storage.NewMemory()
	seedAudit(t, st, 48*time.Hour)
	r := &inlineRunner{}
	p := New(st, r, Config{Retention: time.Hour, Schedule: "@every 1s"}, logx.Nop())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })

	require.Eventually(t, func() bool { return r.count() > 0 }, 3*time.Second, 20*time.Millisecond)
	left, err := st.ListAudit(context.Background(), domain.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestValidate(t *testing.T) {
	p := New(storage.NewMemory(), &inlineRunner{}, Config{}, logx.Nop())
	assert.NoError(t, p.Validate(Config{Retention: time.Hour}))
	assert.NoError(t, p.Validate(Config{Retention: time.Hour, Schedule: "0 30 3 * * *"}))
	assert.Error(t, p.Validate(Config{Retention: time.Hour, Schedule: "every day"}))
	assert.Error(t, p.Validate(Config{Retention: -time.Hour}))
}

func TestApplyReschedules(t *testing.T) {
	p := New(storage.NewMemory(), &inlineRunner{}, Config{}, logx.Nop())
	require.NoError(t, p.Apply(context.Background(), Config{Retention: time.Hour, Schedule: "@hourly"}))
	assert.NotNil(t, p.c)
	require.NoError(t, p.Apply(context.Background(), Config{}))
	assert.Nil(t, p.c)
}
