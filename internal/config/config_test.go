package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAMLExpandsSecrets(t *testing.T) {
	t.Setenv("PR_TEST_TG_TOKEN", "123:abc")
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
storage:
  driver: sqlite
  path: ./data/db.sqlite
dispatch:
  operation_timeout: 20s
catalog:
  bots:
    - id: 1
      backend: telegram
      token: ${PR_TEST_TG_TOKEN}
  channels:
    - id: 10
      backend: telegram
      external_id: "@news"
      bot_id: 1
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if got := cfg.Catalog.Bots[0].Token; got != "123:abc" {
		t.Fatalf("token = %q, want expanded value", got)
	}
	if cfg.Catalog.Channels[0].ExternalID != "@news" {
		t.Fatalf("external id = %q", cfg.Catalog.Channels[0].ExternalID)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"storage":{"driver":"memory"},"plugins":{}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"storage":{"driver":"memory"}} {}`)
	if _, err := NewConfigManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Storage:  StorageConfig{Driver: "oracle"},
		Dispatch: DispatchConfig{OperationTimeout: "soon", RetryMax: -1},
		Senders:  SendersConfig{Discord: DiscordSenderConfig{ParseMode: "bbcode"}},
		Trigger:  TriggerConfig{Kafka: &KafkaConfig{}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"storage.driver", "dispatch.operation_timeout", "dispatch.retry_max", "senders.discord.parse_mode", "trigger.kafka"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestSummarizeNeverLogsSecrets(t *testing.T) {
	oldCfg := &Config{HTTP: HTTPConfig{Enabled: true, Token: "old-secret"}}
	newCfg := &Config{HTTP: HTTPConfig{Enabled: true, Token: "new-secret"}, Storage: StorageConfig{Driver: "mysql", DSN: "user:pw@tcp(db)/x"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "http,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected negative duration error")
	}
}

func TestParseDurationFieldDays(t *testing.T) {
	d, err := ParseDurationField("maintenance.audit_retention", "30d")
	if err != nil || d != 30*24*time.Hour {
		t.Fatalf("got %v, %v", d, err)
	}
	for _, raw := range []string{"1.5d", "-2d", "d"} {
		_, err := ParseDurationField("maintenance.audit_retention", raw)
		if err == nil || !strings.Contains(err.Error(), "maintenance.audit_retention") {
			t.Fatalf("%q: want error naming the field, got %v", raw, err)
		}
	}
}

func TestParseYAMLReportsNonStringKey(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yml", `
senders:
  telegram:
    7: fast
`)
	_, err := NewConfigManager(p).Parse()
	if err == nil || !strings.Contains(err.Error(), "senders.telegram") {
		t.Fatalf("want error naming senders.telegram, got %v", err)
	}
}

func TestWatchPublishesChangedConfig(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"storage":{"driver":"memory"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"storage":{"driver":"file","path":"./x"}}`)

	select {
	case cfg := <-ch:
		if cfg.Storage.Driver != "file" {
			t.Fatalf("driver = %q", cfg.Storage.Driver)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reload")
	}
}
