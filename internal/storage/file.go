package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"postrelay/internal/domain"
	logx "postrelay/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps the full state in memory and persists it as:
//   - <prefix>.snapshot.json   (periodic full snapshot)
//   - <prefix>.journal.jsonl   (mutations since the snapshot)
//   - <prefix>.audit.jsonl     (append-only audit log)
//
// The journal is folded into the snapshot on open and every compactEvery
// writes.
type fileStore struct {
	log logx.Logger

	mu    sync.RWMutex
	st    *memState
	audit []domain.AuditEntry

	snapshotPath string
	auditPath    string
	journal      *os.File
	auditFile    *os.File
	writes       int
}

// journalOp is one mutation. Only the fields relevant to Op are set.
type journalOp struct {
	Op        string                 `json:"op"`
	Bot       *domain.Bot            `json:"bot,omitempty"`
	Channel   *domain.Channel        `json:"channel,omitempty"`
	Post      *domain.Post           `json:"post,omitempty"`
	Messages  []domain.MessageRecord `json:"messages,omitempty"`
	ID        int64                  `json:"id,omitempty"`
	ChannelID int64                  `json:"channel_id,omitempty"`
	Key       string                 `json:"key,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		st:           newMemState(),
		snapshotPath: prefix + ".snapshot.json",
		auditPath:    prefix + ".audit.jsonl",
	}
	if err := loadSnapshot(s.snapshotPath, s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := replayJournal(journalPath, s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	audit, err := loadAudit(s.auditPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.audit = audit

	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.auditFile, err = os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	if err := s.compactLocked(); err != nil {
		log.Warn("storage compact failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	err = errors.Join(err, s.journal.Close(), s.auditFile.Close())
	s.journal, s.auditFile = nil, nil
	return err
}

// commit applies op to the in-memory state and journals it. The caller
// holds s.mu.
func (s *fileStore) commit(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := applyOp(s.st, op); err != nil {
		return err
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func applyOp(st *memState, op journalOp) error {
	switch op.Op {
	case "put_bot":
		st.Bots[op.Bot.ID] = *op.Bot
	case "put_channel":
		st.Channels[op.Channel.ID] = *op.Channel
	case "delete_channel":
		st.deleteChannel(op.ID)
	case "put_post":
		return st.putPost(*op.Post)
	case "delete_post":
		st.deletePost(op.ID)
	case "attach":
		st.attach(op.ID, op.ChannelID)
	case "detach":
		st.detach(op.ID, op.ChannelID)
	case "append_messages":
		for _, r := range op.Messages {
			st.Messages[r.ID] = r
		}
	case "remove_message":
		delete(st.Messages, op.Key)
	case "remove_post_messages":
		st.removeMessagesForPost(op.ID)
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(st); err != nil {
		return err
	}
	st.ensure()
	return nil
}

func replayJournal(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var op journalOp
		// A torn last line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		_ = applyOp(st, op)
	}
	return sc.Err()
}

func loadAudit(path string) ([]domain.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []domain.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e domain.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (s *fileStore) AppendMessages(_ context.Context, recs []domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "append_messages", Messages: stampRecords(recs)})
}

func (s *fileStore) ListMessagesForPost(_ context.Context, postID int64) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.filterMessages(func(r domain.MessageRecord) bool { return r.PostID == postID }), nil
}

func (s *fileStore) ListMessagesForChannel(_ context.Context, channelID int64) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.filterMessages(func(r domain.MessageRecord) bool { return r.ChannelID == channelID }), nil
}

func (s *fileStore) ListMessagesForPair(_ context.Context, postID, channelID int64) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.filterMessages(func(r domain.MessageRecord) bool {
		return r.PostID == postID && r.ChannelID == channelID
	}), nil
}

func (s *fileStore) GetMessage(_ context.Context, id string) (domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.Messages[id]
	if !ok {
		return domain.MessageRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) RemoveMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Messages[id]; !ok {
		return nil
	}
	return s.commit(journalOp{Op: "remove_message", Key: id})
}

func (s *fileStore) RemoveMessagesForPost(_ context.Context, postID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "remove_post_messages", ID: postID})
}

func (s *fileStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	e = stampAudit(e)
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return err
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *fileStore) ListAudit(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return applyLimit(out, f.Limit), nil
}

// PurgeAudit rewrites the audit file without entries older than before.
func (s *fileStore) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, ErrClosed
	}
	kept := make([]domain.AuditEntry, 0, len(s.audit))
	for _, e := range s.audit {
		if !e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}
	n := int64(len(s.audit) - len(kept))
	if n == 0 {
		return 0, nil
	}

	tmp := s.auditPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	_ = s.auditFile.Close()
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return 0, err
	}
	if s.auditFile, err = os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return 0, err
	}
	s.audit = kept
	return n, nil
}

func (s *fileStore) PutBot(_ context.Context, b domain.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "put_bot", Bot: &b})
}

func (s *fileStore) GetBot(_ context.Context, id int64) (domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.st.Bots[id]
	if !ok {
		return domain.Bot{}, ErrNotFound
	}
	return b, nil
}

func (s *fileStore) ListBots(_ context.Context) ([]domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.bots(), nil
}

func (s *fileStore) PutChannel(_ context.Context, ch domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "put_channel", Channel: &ch})
}

func (s *fileStore) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.st.Channels[id]
	if !ok {
		return domain.Channel{}, ErrNotFound
	}
	return ch, nil
}

func (s *fileStore) DeleteChannel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "delete_channel", ID: id})
}

func (s *fileStore) PutPost(_ context.Context, p domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "put_post", Post: &p})
}

func (s *fileStore) GetPost(_ context.Context, id int64) (domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.Posts[id]
	if !ok {
		return domain.Post{}, ErrNotFound
	}
	return p, nil
}

func (s *fileStore) DeletePost(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "delete_post", ID: id})
}

func (s *fileStore) AttachChannel(_ context.Context, postID, channelID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "attach", ID: postID, ChannelID: channelID})
}

func (s *fileStore) DetachChannel(_ context.Context, postID, channelID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalOp{Op: "detach", ID: postID, ChannelID: channelID})
}

func (s *fileStore) PostChannels(_ context.Context, postID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.postChannels(postID), nil
}
