package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postrelay/internal/domain"
	"postrelay/internal/sender"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	logx "postrelay/pkg/logx"
)

const skippedAlreadyPublished = "skipped: already published"

// execution is one job handed to the engine. run may be called once per
// attempt; done exactly once.
type execution struct {
	d         *Dispatcher
	job       job
	taskID    string
	attempted atomic.Bool
	backend   atomic.Value // string
}

func (e *execution) log() logx.Logger {
	return e.d.log.With(
		logx.String("op", string(e.job.op)),
		logx.String("task_id", e.taskID),
		logx.Int64("post_id", e.job.key.post),
		logx.Int64("channel_id", e.job.key.channel),
	)
}

func (e *execution) run(ctx context.Context) error {
	e.attempted.Store(true)
	start := time.Now()

	var err error
	switch e.job.op {
	case OpPublish:
		err = e.publish(ctx)
	case OpUnpublish:
		err = e.unpublish(ctx)
	case OpEdit:
		err = e.edit(ctx)
	case OpDeleteMessage:
		err = e.deleteMessage(ctx)
	default:
		err = engine.NoRetry(fmt.Errorf("unknown dispatch op %q", e.job.op))
	}

	if e.d.metrics != nil {
		backend, _ := e.backend.Load().(string)
		e.d.metrics.Completed(string(e.job.op), backend, err == nil, time.Since(start))
	}
	return err
}

func (e *execution) done(err error) {
	if !e.attempted.Load() {
		// Dropped by the engine before running.
		e.refused(err)
	}
	e.d.publish("dispatch.completed", e.job, e.taskID, err)
	e.d.done(e.job.key)
}

// refused audits a job that never ran. Records are left untouched.
func (e *execution) refused(cause error) {
	if cause == nil {
		cause = errors.New("not executed")
	}
	ctx, cancel := bookkeepingContext()
	defer cancel()
	ch := e.job.key.channel
	e.audit(ctx, domain.AuditEntry{
		Operation: e.job.op.operation(),
		ChannelID: &ch,
		Error:     fmt.Sprintf("not executed: %v", cause),
	})
}

// audit appends an entry stamped with this task. Store failures are logged;
// they never change the operation outcome.
func (e *execution) audit(ctx context.Context, entry domain.AuditEntry) {
	entry.ID = uuid.NewString()
	entry.TaskID = e.taskID
	entry.PostID = e.job.key.post
	if entry.Operation == "" {
		entry.Operation = e.job.op.operation()
	}
	entry.CreatedAt = time.Now().UTC()
	if err := e.d.store.AppendAudit(ctx, entry); err != nil {
		e.log().Error("audit append failed", logx.Err(err), logx.Bool("entry_ok", entry.OK))
	}
}

func (e *execution) auditFailure(ctx context.Context, channelID *int64, err error) {
	e.audit(ctx, domain.AuditEntry{ChannelID: channelID, Error: err.Error()})
}

func (e *execution) auditOK(ctx context.Context, channelID *int64, response string) {
	e.audit(ctx, domain.AuditEntry{ChannelID: channelID, OK: true, Response: response})
}

// taskError classifies err for the engine: permanent failures are not retried.
func taskError(err error) error {
	if err == nil {
		return nil
	}
	if sender.IsPermanent(err) || errors.Is(err, storage.ErrNotFound) || errors.Is(err, domain.ErrInvalidPost) {
		return engine.NoRetry(err)
	}
	return err
}

// loadChannel returns the channel and the id to audit with: nil when the
// channel no longer exists. A deleted channel resolves to the state carried
// by the job, if any.
func (e *execution) loadChannel(ctx context.Context) (domain.Channel, *int64, error) {
	ch, err := e.d.store.GetChannel(ctx, e.job.key.channel)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if e.job.last != nil {
				return *e.job.last, nil, nil
			}
			return domain.Channel{}, nil, fmt.Errorf("channel %d: %w", e.job.key.channel, err)
		}
		id := e.job.key.channel
		return domain.Channel{}, &id, fmt.Errorf("load channel %d: %w", id, err)
	}
	id := ch.ID
	return ch, &id, nil
}

func (e *execution) resolve(ctx context.Context, ch domain.Channel) (sender.Sender, error) {
	s, err := e.d.resolver.Resolve(ctx, ch)
	if err != nil {
		return nil, err
	}
	e.backend.Store(string(s.Backend()))
	return s, nil
}

func (e *execution) publish(ctx context.Context) error {
	bk, cancel := bookkeepingContext()
	defer cancel()
	key := e.job.key

	ch, chID, err := e.loadChannel(ctx)
	if err != nil {
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}
	post, err := e.d.store.GetPost(ctx, key.post)
	if err != nil {
		err = fmt.Errorf("post %d: %w", key.post, err)
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}
	existing, err := e.d.store.ListMessagesForPair(ctx, key.post, key.channel)
	if err != nil {
		e.auditFailure(bk, chID, fmt.Errorf("list messages: %w", err))
		return err
	}
	if len(existing) > 0 {
		e.auditOK(bk, chID, skippedAlreadyPublished)
		return nil
	}

	s, err := e.resolve(ctx, ch)
	if err != nil {
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}
	if !s.Capabilities().CanSend(post.Kind) {
		err := fmt.Errorf("%w: %s on %s", sender.ErrUnsupportedContentKind, post.Kind, s.Backend())
		e.auditFailure(bk, chID, err)
		return engine.NoRetry(err)
	}

	refs, err := s.Send(ctx, ch, post, sender.SendOptions{Silent: e.job.silent})
	if err != nil {
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}

	now := time.Now().UTC()
	recs := make([]domain.MessageRecord, 0, len(refs))
	for i, ref := range refs {
		recs = append(recs, domain.MessageRecord{
			ID:           uuid.NewString(),
			PostID:       key.post,
			ChannelID:    key.channel,
			RemoteChatID: ref.ChatID,
			RemoteID:     ref.MessageID,
			Position:     i,
			CreatedAt:    now,
		})
	}
	resp, _ := json.Marshal(refs)
	if err := e.d.store.AppendMessages(bk, recs); err != nil {
		// The remote messages exist but are untracked; resending would duplicate them.
		err = fmt.Errorf("record messages %s: %w", resp, err)
		e.log().Error("sent but not recorded", logx.Err(err))
		e.auditFailure(bk, chID, err)
		return engine.NoRetry(err)
	}
	e.auditOK(bk, chID, string(resp))
	return nil
}

// unpublish deletes every remote message of the pair. Each record gets one
// audit entry and is removed whatever the remote outcome.
func (e *execution) unpublish(ctx context.Context) error {
	bk, cancel := bookkeepingContext()
	defer cancel()

	recs, err := e.d.store.ListMessagesForPair(ctx, e.job.key.post, e.job.key.channel)
	if err != nil {
		ch := e.job.key.channel
		e.auditFailure(bk, &ch, fmt.Errorf("list messages: %w", err))
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	return e.deleteRecords(ctx, bk, recs)
}

func (e *execution) deleteMessage(ctx context.Context) error {
	bk, cancel := bookkeepingContext()
	defer cancel()

	rec, err := e.d.store.GetMessage(ctx, e.job.recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		ch := e.job.key.channel
		e.auditFailure(bk, &ch, fmt.Errorf("load message %s: %w", e.job.recordID, err))
		return err
	}
	return e.deleteRecords(ctx, bk, []domain.MessageRecord{rec})
}

func (e *execution) deleteRecords(ctx, bk context.Context, recs []domain.MessageRecord) error {
	ch, chID, err := e.loadChannel(ctx)
	var s sender.Sender
	if err == nil {
		s, err = e.resolve(ctx, ch)
	}

	var errs []error
	for _, rec := range recs {
		if err != nil {
			e.auditFailure(bk, chID, err)
			errs = append(errs, err)
		} else {
			removed, derr := s.Delete(ctx, ch, sender.RemoteRef{ChatID: rec.RemoteChatID, MessageID: rec.RemoteID})
			switch {
			case derr != nil:
				e.auditFailure(bk, chID, fmt.Errorf("delete %s/%s: %w", rec.RemoteChatID, rec.RemoteID, derr))
				errs = append(errs, derr)
			case removed:
				e.auditOK(bk, chID, deleteResponse(rec, "deleted"))
			default:
				e.auditOK(bk, chID, deleteResponse(rec, "already gone"))
			}
		}
		if rerr := e.d.store.RemoveMessage(bk, rec.ID); rerr != nil {
			e.log().Error("remove message record failed", logx.String("record_id", rec.ID), logx.Err(rerr))
			errs = append(errs, rerr)
		}
	}
	if len(errs) > 0 {
		// Records are gone; a retry would have nothing to delete.
		return engine.NoRetry(errors.Join(errs...))
	}
	return nil
}

func deleteResponse(rec domain.MessageRecord, status string) string {
	b, _ := json.Marshal(map[string]string{"chat_id": rec.RemoteChatID, "message_id": rec.RemoteID, "status": status})
	return string(b)
}

// edit updates the primary (position 0) message of the pair in place.
func (e *execution) edit(ctx context.Context) error {
	bk, cancel := bookkeepingContext()
	defer cancel()
	key := e.job.key

	ch, chID, err := e.loadChannel(ctx)
	if err != nil {
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}
	recs, err := e.d.store.ListMessagesForPair(ctx, key.post, key.channel)
	if err != nil {
		e.auditFailure(bk, chID, fmt.Errorf("list messages: %w", err))
		return err
	}
	if len(recs) == 0 {
		err := errors.New("no remote message to edit")
		e.auditFailure(bk, chID, err)
		return engine.NoRetry(err)
	}
	post, err := e.d.store.GetPost(ctx, key.post)
	if err != nil {
		err = fmt.Errorf("post %d: %w", key.post, err)
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}

	s, err := e.resolve(ctx, ch)
	if err != nil {
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}
	if !s.Capabilities().CanEdit(post.Kind) {
		err := fmt.Errorf("%w: %s on %s", sender.ErrNotEditable, post.Kind, s.Backend())
		e.auditFailure(bk, chID, err)
		return engine.NoRetry(err)
	}

	primary := recs[0]
	ref, err := s.Edit(ctx, ch, sender.RemoteRef{ChatID: primary.RemoteChatID, MessageID: primary.RemoteID}, post, sender.SendOptions{})
	if err != nil {
		e.auditFailure(bk, chID, err)
		return taskError(err)
	}
	resp, _ := json.Marshal(ref)
	e.auditOK(bk, chID, string(resp))
	return nil
}
