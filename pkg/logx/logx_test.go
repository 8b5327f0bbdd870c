package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestFormatAlertSortsFields(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"dispatch failed","post":7,"comp":"dispatch"}`)
	got := formatAlert(line)
	assert.Equal(t, "[WARN] dispatch failed\n- comp=dispatch\n- post=7", got)
}

func TestFormatAlertNonJSON(t *testing.T) {
	assert.Equal(t, "plain line", formatAlert([]byte("  plain line \n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate(strings.Repeat("abcdefghij", 3)[:15], 10))
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50}}, sender)
	defer svc.Close()

	log.Info("routine")
	log.With(String("comp", "dispatch")).Warn("channel unreachable", Int64("channel", 3))

	require.Eventually(t, func() bool { return len(sender.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sender.all()[0]
	assert.True(t, strings.HasPrefix(msg, "[WARN] channel unreachable"), msg)
	assert.Contains(t, msg, "- channel=3")
	assert.Contains(t, msg, "- comp=dispatch")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("ignored", Err(nil))
	assert.False(t, Nop().IsZero())
}
