// Package maintenance runs the explicit audit retention policy: on a cron
// schedule, audit entries older than the retention are purged.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	logx "postrelay/pkg/logx"
)

const taskName = "maintenance.audit_purge"

type Config struct {
	// Retention 0 disables the purge.
	Retention time.Duration
	// Schedule is a cron expression (seconds optional) or descriptor.
	// Default "@daily".
	Schedule string
}

type Runner interface {
	Enqueue(t engine.Task) error
}

type Purger struct {
	audit  storage.Audit
	runner Runner
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(audit storage.Audit, runner Runner, cfg Config, log logx.Logger) *Purger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Purger{
		audit:  audit,
		runner: runner,
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
		cfg:    cfg,
	}
}

// Validate reports whether cfg can be scheduled.
func (p *Purger) Validate(cfg Config) error {
	if cfg.Retention < 0 {
		return errors.New("audit retention must not be negative")
	}
	if _, err := p.parser.Parse(schedule(cfg)); err != nil {
		return fmt.Errorf("purge schedule %q: %w", cfg.Schedule, err)
	}
	return nil
}

func schedule(cfg Config) string {
	s := strings.TrimSpace(cfg.Schedule)
	if s == "" {
		return "@daily"
	}
	return s
}

// Start schedules the purge when a retention is configured.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Purger) startLocked() error {
	if p.c != nil || p.cfg.Retention <= 0 {
		return nil
	}
	c := cron.New(cron.WithParser(p.parser))
	if _, err := c.AddFunc(schedule(p.cfg), p.enqueue); err != nil {
		return fmt.Errorf("schedule audit purge: %w", err)
	}
	c.Start()
	p.c = c
	p.log.Info("audit purge scheduled", logx.String("schedule", schedule(p.cfg)), logx.Duration("retention", p.cfg.Retention))
	return nil
}

func (p *Purger) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the configuration and reschedules.
func (p *Purger) Apply(ctx context.Context, cfg Config) error {
	if err := p.Validate(cfg); err != nil {
		return err
	}
	p.Stop(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	return p.startLocked()
}

func (p *Purger) enqueue() {
	err := p.runner.Enqueue(engine.Task{
		Name:    taskName,
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := p.PurgeNow(ctx)
			return err
		},
		Opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
	})
	if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		p.log.Warn("audit purge not enqueued", logx.Err(err))
	}
}

// PurgeNow removes audit entries older than the retention.
func (p *Purger) PurgeNow(ctx context.Context) (int64, error) {
	p.mu.Lock()
	retention := p.cfg.Retention
	p.mu.Unlock()
	if retention <= 0 {
		return 0, nil
	}
	before := p.now().Add(-retention)
	n, err := p.audit.PurgeAudit(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	p.log.Info("audit purged", logx.Int64("removed", n), logx.Time("before", before))
	return n, nil
}
