package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"postrelay/internal/domain"
)

// memState is the in-memory model shared by the memory and file drivers.
// Callers hold the owning store's lock.
type memState struct {
	Bots     map[int64]domain.Bot            `json:"bots"`
	Channels map[int64]domain.Channel        `json:"channels"`
	Posts    map[int64]domain.Post           `json:"posts"`
	Links    map[int64]map[int64]bool        `json:"links"` // post -> channel set
	Messages map[string]domain.MessageRecord `json:"messages"`
}

func newMemState() *memState {
	return &memState{
		Bots:     map[int64]domain.Bot{},
		Channels: map[int64]domain.Channel{},
		Posts:    map[int64]domain.Post{},
		Links:    map[int64]map[int64]bool{},
		Messages: map[string]domain.MessageRecord{},
	}
}

func (m *memState) ensure() {
	if m.Bots == nil {
		m.Bots = map[int64]domain.Bot{}
	}
	if m.Channels == nil {
		m.Channels = map[int64]domain.Channel{}
	}
	if m.Posts == nil {
		m.Posts = map[int64]domain.Post{}
	}
	if m.Links == nil {
		m.Links = map[int64]map[int64]bool{}
	}
	if m.Messages == nil {
		m.Messages = map[string]domain.MessageRecord{}
	}
}

func (m *memState) putPost(p domain.Post) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if prev, ok := m.Posts[p.ID]; ok {
		if prev.Kind != p.Kind {
			return fmt.Errorf("post %d: %w", p.ID, domain.ErrKindImmutable)
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = prev.CreatedAt
		}
	}
	m.Posts[p.ID] = p
	return nil
}

func (m *memState) attach(postID, channelID int64) {
	set := m.Links[postID]
	if set == nil {
		set = map[int64]bool{}
		m.Links[postID] = set
	}
	set[channelID] = true
}

func (m *memState) detach(postID, channelID int64) {
	if set := m.Links[postID]; set != nil {
		delete(set, channelID)
		if len(set) == 0 {
			delete(m.Links, postID)
		}
	}
}

func (m *memState) deleteChannel(id int64) {
	delete(m.Channels, id)
	for postID := range m.Links {
		m.detach(postID, id)
	}
}

func (m *memState) deletePost(id int64) {
	delete(m.Posts, id)
	delete(m.Links, id)
}

func (m *memState) removeMessagesForPost(postID int64) {
	for id, r := range m.Messages {
		if r.PostID == postID {
			delete(m.Messages, id)
		}
	}
}

func (m *memState) filterMessages(keep func(domain.MessageRecord) bool) []domain.MessageRecord {
	var out []domain.MessageRecord
	for _, r := range m.Messages {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

func (m *memState) postChannels(postID int64) []int64 {
	set := m.Links[postID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *memState) bots() []domain.Bot {
	out := make([]domain.Bot, 0, len(m.Bots))
	for _, b := range m.Bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortRecords orders by channel, then position.
func sortRecords(recs []domain.MessageRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ChannelID != recs[j].ChannelID {
			return recs[i].ChannelID < recs[j].ChannelID
		}
		return recs[i].Position < recs[j].Position
	})
}

func stampRecords(recs []domain.MessageRecord) []domain.MessageRecord {
	now := time.Now().UTC()
	out := make([]domain.MessageRecord, len(recs))
	for i, r := range recs {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		out[i] = r
	}
	return out
}

func stampAudit(e domain.AuditEntry) domain.AuditEntry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

func applyLimit(entries []domain.AuditEntry, limit int) []domain.AuditEntry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}

// memStore keeps everything in process memory.
type memStore struct {
	mu    sync.RWMutex
	st    *memState
	audit []domain.AuditEntry
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memStore{st: newMemState()}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) AppendMessages(_ context.Context, recs []domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range stampRecords(recs) {
		s.st.Messages[r.ID] = r
	}
	return nil
}

func (s *memStore) ListMessagesForPost(_ context.Context, postID int64) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.filterMessages(func(r domain.MessageRecord) bool { return r.PostID == postID }), nil
}

func (s *memStore) ListMessagesForChannel(_ context.Context, channelID int64) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.filterMessages(func(r domain.MessageRecord) bool { return r.ChannelID == channelID }), nil
}

func (s *memStore) ListMessagesForPair(_ context.Context, postID, channelID int64) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.filterMessages(func(r domain.MessageRecord) bool {
		return r.PostID == postID && r.ChannelID == channelID
	}), nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.Messages[id]
	if !ok {
		return domain.MessageRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) RemoveMessage(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.st.Messages, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) RemoveMessagesForPost(_ context.Context, postID int64) error {
	s.mu.Lock()
	s.st.removeMessagesForPost(postID)
	s.mu.Unlock()
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	s.audit = append(s.audit, stampAudit(e))
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListAudit(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
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

func (s *memStore) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var n int64
	for _, e := range s.audit {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return n, nil
}

func (s *memStore) PutBot(_ context.Context, b domain.Bot) error {
	s.mu.Lock()
	s.st.Bots[b.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetBot(_ context.Context, id int64) (domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.st.Bots[id]
	if !ok {
		return domain.Bot{}, ErrNotFound
	}
	return b, nil
}

func (s *memStore) ListBots(_ context.Context) ([]domain.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.bots(), nil
}

func (s *memStore) PutChannel(_ context.Context, ch domain.Channel) error {
	s.mu.Lock()
	s.st.Channels[ch.ID] = ch
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.st.Channels[id]
	if !ok {
		return domain.Channel{}, ErrNotFound
	}
	return ch, nil
}

func (s *memStore) DeleteChannel(_ context.Context, id int64) error {
	s.mu.Lock()
	s.st.deleteChannel(id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) PutPost(_ context.Context, p domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.putPost(p)
}

func (s *memStore) GetPost(_ context.Context, id int64) (domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.Posts[id]
	if !ok {
		return domain.Post{}, ErrNotFound
	}
	return p, nil
}

func (s *memStore) DeletePost(_ context.Context, id int64) error {
	s.mu.Lock()
	s.st.deletePost(id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) AttachChannel(_ context.Context, postID, channelID int64) error {
	s.mu.Lock()
	s.st.attach(postID, channelID)
	s.mu.Unlock()
	return nil
}

func (s *memStore) DetachChannel(_ context.Context, postID, channelID int64) error {
	s.mu.Lock()
	s.st.detach(postID, channelID)
	s.mu.Unlock()
	return nil
}

func (s *memStore) PostChannels(_ context.Context, postID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.postChannels(postID), nil
}
