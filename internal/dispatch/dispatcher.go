// Package dispatch fans posts out to channels and keeps the mapping from
// posts to the remote messages they produced.
//
// Work is serialized per (post, channel) pair: each pair owns a lane holding
// a FIFO of pending operations, at most one of which is running on the task
// engine. Different pairs run concurrently.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postrelay/internal/domain"
	"postrelay/internal/eventbus"
	"postrelay/internal/sender"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	logx "postrelay/pkg/logx"
)

type Op string

const (
	OpPublish       Op = "publish"
	OpUnpublish     Op = "unpublish"
	OpEdit          Op = "edit"
	OpDeleteMessage Op = "delete_message"
)

// operation maps a dispatch op to the audit operation it records.
func (o Op) operation() domain.Operation {
	switch o {
	case OpPublish:
		return domain.OpCreate
	case OpEdit:
		return domain.OpUpdate
	default:
		return domain.OpDelete
	}
}

type Config struct {
	// OperationTimeout bounds one attempt of one operation.
	OperationTimeout time.Duration
	// RetryMax is the number of retries after a transient failure. Each
	// attempt writes its own audit entry.
	RetryMax  int
	RetryBase time.Duration
	// PerBotConcurrency caps operations running at once per bot. 0 means no cap.
	PerBotConcurrency int
}

// Resolver returns the sender for a channel.
type Resolver interface {
	Resolve(ctx context.Context, ch domain.Channel) (sender.Sender, error)
}

// Runner executes tasks; *engine.Service implements it.
type Runner interface {
	Enqueue(t engine.Task) error
}

// Metrics receives dispatch counters. A nil Metrics is allowed.
type Metrics interface {
	Submitted(op string)
	Coalesced(op string)
	Completed(op, backend string, ok bool, dur time.Duration)
	Lanes(n int)
}

type pairKey struct {
	post    int64
	channel int64
}

type job struct {
	op       Op
	key      pairKey
	silent   bool
	recordID string
	// last is the final state of a channel deleted from the catalog.
	last     *domain.Channel
	queuedAt time.Time
}

func (j job) sameAs(o job) bool {
	return j.op == o.op && j.recordID == o.recordID
}

type lane struct {
	running *job
	pending []job
}

type Dispatcher struct {
	store    storage.Store
	resolver Resolver
	runner   Runner
	log      logx.Logger
	bus      eventbus.Bus
	metrics  Metrics

	cfgMu sync.RWMutex
	cfg   Config

	mu          sync.Mutex
	lanes       map[pairKey]*lane
	outstanding int
	idle        chan struct{}
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option   { return func(d *Dispatcher) { d.bus = b } }
func WithMetrics(m Metrics) Option    { return func(d *Dispatcher) { d.metrics = m } }
func WithLogger(l logx.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func New(store storage.Store, resolver Resolver, runner Runner, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		resolver: resolver,
		runner:   runner,
		cfg:      cfg,
		log:      logx.Nop(),
		lanes:    make(map[pairKey]*lane),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

// Apply swaps the configuration for operations submitted afterwards.
func (d *Dispatcher) Apply(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// submit appends j to its lane, coalescing with an identical tail, and starts
// the lane when idle.
func (d *Dispatcher) submit(j job) {
	j.queuedAt = time.Now()

	d.mu.Lock()
	ln := d.lanes[j.key]
	if ln == nil {
		ln = &lane{}
		d.lanes[j.key] = ln
	}
	if n := len(ln.pending); n > 0 && ln.pending[n-1].sameAs(j) {
		// Publish keeps the latest silence flag.
		ln.pending[n-1].silent = j.silent
		if j.last != nil {
			ln.pending[n-1].last = j.last
		}
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.Coalesced(string(j.op))
		}
		d.log.Debug("dispatch coalesced", logx.String("op", string(j.op)), logx.Int64("post_id", j.key.post), logx.Int64("channel_id", j.key.channel))
		return
	}
	ln.pending = append(ln.pending, j)
	d.outstanding++
	if d.idle == nil {
		d.idle = make(chan struct{})
	}
	next := takeNext(ln)
	lanes := len(d.lanes)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Submitted(string(j.op))
		d.metrics.Lanes(lanes)
	}
	d.publish("dispatch.submitted", j, "", nil)
	d.launch(next)
}

// takeNext marks the head of an idle lane as running and returns it. The
// caller holds d.mu.
func takeNext(ln *lane) *job {
	if ln.running != nil || len(ln.pending) == 0 {
		return nil
	}
	j := ln.pending[0]
	ln.pending = ln.pending[1:]
	ln.running = &j
	return &j
}

// done retires the running job of a lane and starts the next one.
func (d *Dispatcher) done(key pairKey) {
	d.launch(d.retire(key))
}

// launch starts j, then any job queued behind it that the engine refused.
func (d *Dispatcher) launch(j *job) {
	for j != nil {
		if d.start(*j) {
			return
		}
		j = d.retire(j.key)
	}
}

func (d *Dispatcher) retire(key pairKey) *job {
	d.mu.Lock()
	ln := d.lanes[key]
	var next *job
	if ln != nil {
		ln.running = nil
		next = takeNext(ln)
		if next == nil && len(ln.pending) == 0 {
			delete(d.lanes, key)
		}
	}
	d.outstanding--
	if d.outstanding <= 0 {
		d.outstanding = 0
		if d.idle != nil {
			close(d.idle)
			d.idle = nil
		}
	}
	lanes := len(d.lanes)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Lanes(lanes)
	}
	return next
}

// start hands a job to the engine. A refused job is audited as a failure and
// start reports false so the lane moves on.
func (d *Dispatcher) start(j job) bool {
	cfg := d.config()
	taskID := uuid.NewString()
	ex := &execution{d: d, job: j, taskID: taskID}

	retry := cfg.RetryMax
	if retry <= 0 {
		retry = -1
	}
	t := engine.Task{
		ID:             taskID,
		Name:           "dispatch." + string(j.op),
		Timeout:        cfg.OperationTimeout,
		Run:            ex.run,
		Done:           ex.done,
		ConcurrencyKey: d.concurrencyKey(j.key),
		Opt: engine.TaskOptions{
			RetryMax:         retry,
			RetryBase:        cfg.RetryBase,
			ConcurrencyLimit: cfg.PerBotConcurrency,
		},
	}
	if err := d.runner.Enqueue(t); err != nil {
		d.log.Warn("dispatch refused by task engine", logx.String("op", string(j.op)), logx.Int64("post_id", j.key.post), logx.Int64("channel_id", j.key.channel), logx.Err(err))
		ex.refused(err)
		return false
	}
	return true
}

func (d *Dispatcher) concurrencyKey(key pairKey) string {
	ctx, cancel := bookkeepingContext()
	defer cancel()
	if ch, err := d.store.GetChannel(ctx, key.channel); err == nil && ch.BotID != 0 {
		return fmt.Sprintf("bot:%d", ch.BotID)
	}
	return fmt.Sprintf("channel:%d", key.channel)
}

// Wait blocks until every lane has drained or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pendingChannels returns the channels that have a lane for the post.
func (d *Dispatcher) pendingChannels(postID int64) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for k := range d.lanes {
		if k.post == postID {
			out = append(out, k.channel)
		}
	}
	return out
}

type LaneSnapshot struct {
	PostID    int64    `json:"post_id"`
	ChannelID int64    `json:"channel_id"`
	Running   string   `json:"running,omitempty"`
	Pending   []string `json:"pending,omitempty"`
}

type Snapshot struct {
	Outstanding int            `json:"outstanding"`
	Lanes       []LaneSnapshot `json:"lanes"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	s := Snapshot{Outstanding: d.outstanding, Lanes: make([]LaneSnapshot, 0, len(d.lanes))}
	for k, ln := range d.lanes {
		ls := LaneSnapshot{PostID: k.post, ChannelID: k.channel}
		if ln.running != nil {
			ls.Running = string(ln.running.op)
		}
		for _, p := range ln.pending {
			ls.Pending = append(ls.Pending, string(p.op))
		}
		s.Lanes = append(s.Lanes, ls)
	}
	d.mu.Unlock()
	sort.Slice(s.Lanes, func(i, j int) bool {
		if s.Lanes[i].PostID != s.Lanes[j].PostID {
			return s.Lanes[i].PostID < s.Lanes[j].PostID
		}
		return s.Lanes[i].ChannelID < s.Lanes[j].ChannelID
	})
	return s
}

// Event is published on the bus for dispatch lifecycle changes.
type Event struct {
	Op        string `json:"op"`
	PostID    int64  `json:"post_id"`
	ChannelID int64  `json:"channel_id"`
	TaskID    string `json:"task_id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

func (d *Dispatcher) publish(typ string, j job, taskID string, err error) {
	if d.bus == nil {
		return
	}
	ev := Event{Op: string(j.op), PostID: j.key.post, ChannelID: j.key.channel, TaskID: taskID, OK: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// bookkeepingContext is used for store writes that must happen even when the
// operation context has expired.
func bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
