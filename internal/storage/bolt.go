package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"postrelay/internal/domain"
	logx "postrelay/pkg/logx"
)

var (
	bucketBots     = []byte("bots")
	bucketChannels = []byte("channels")
	bucketPosts    = []byte("posts")
	bucketLinks    = []byte("post_channels")
	bucketMessages = []byte("messages")
	bucketAudit    = []byte("audit")
)

// boltStore keeps one bucket per entity with JSON values. Integer ids are
// big-endian keys so cursors iterate in id order; links are keyed
// post||channel for prefix scans.
type boltStore struct {
	db  *bolt.DB
	log logx.Logger
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for bolt driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBots, bucketChannels, bucketPosts, bucketLinks, bucketMessages, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func linkKey(postID, channelID int64) []byte {
	return append(itob(postID), itob(channelID)...)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (s *boltStore) scanMessages(keep func(domain.MessageRecord) bool) ([]domain.MessageRecord, error) {
	var out []domain.MessageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var r domain.MessageRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if keep(r) {
				out = append(out, r)
			}
			return nil
		})
	})
	sortRecords(out)
	return out, err
}

func (s *boltStore) AppendMessages(_ context.Context, recs []domain.MessageRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		for _, r := range stampRecords(recs) {
			if err := putJSON(b, []byte(r.ID), r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) ListMessagesForPost(_ context.Context, postID int64) ([]domain.MessageRecord, error) {
	return s.scanMessages(func(r domain.MessageRecord) bool { return r.PostID == postID })
}

func (s *boltStore) ListMessagesForChannel(_ context.Context, channelID int64) ([]domain.MessageRecord, error) {
	return s.scanMessages(func(r domain.MessageRecord) bool { return r.ChannelID == channelID })
}

func (s *boltStore) ListMessagesForPair(_ context.Context, postID, channelID int64) ([]domain.MessageRecord, error) {
	return s.scanMessages(func(r domain.MessageRecord) bool { return r.PostID == postID && r.ChannelID == channelID })
}

func (s *boltStore) GetMessage(_ context.Context, id string) (domain.MessageRecord, error) {
	var r domain.MessageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketMessages), []byte(id), &r)
	})
	return r, err
}

func (s *boltStore) RemoveMessage(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Delete([]byte(id))
	})
}

func (s *boltStore) RemoveMessagesForPost(_ context.Context, postID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r domain.MessageRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.PostID == postID {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	e = stampAudit(e)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(b, itob(int64(seq)), e)
	})
}

func (s *boltStore) ListAudit(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var e domain.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if f.Match(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	return applyLimit(out, f.Limit), err
}

func (s *boltStore) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil; {
			var e domain.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !e.CreatedAt.Before(before) {
				k, v = c.Next()
				continue
			}
			key := append([]byte(nil), k...)
			if err := c.Delete(); err != nil {
				return err
			}
			n++
			k, v = c.Seek(key)
		}
		return nil
	})
	return n, err
}

func (s *boltStore) PutBot(_ context.Context, b domain.Bot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBots), itob(b.ID), b)
	})
}

func (s *boltStore) GetBot(_ context.Context, id int64) (domain.Bot, error) {
	var b domain.Bot
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBots), itob(id), &b)
	})
	return b, err
}

func (s *boltStore) ListBots(_ context.Context) ([]domain.Bot, error) {
	var out []domain.Bot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBots).ForEach(func(_, v []byte) error {
			var b domain.Bot
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func (s *boltStore) PutChannel(_ context.Context, ch domain.Channel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketChannels), itob(ch.ID), ch)
	})
}

func (s *boltStore) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	var ch domain.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketChannels), itob(id), &ch)
	})
	return ch, err
}

func (s *boltStore) DeleteChannel(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		links := tx.Bucket(bucketLinks)
		var doomed [][]byte
		err := links.ForEach(func(k, _ []byte) error {
			if len(k) == 16 && int64(binary.BigEndian.Uint64(k[8:])) == id {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := links.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketChannels).Delete(itob(id))
	})
}

func (s *boltStore) PutPost(_ context.Context, p domain.Post) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPosts)
		var prev domain.Post
		switch err := getJSON(b, itob(p.ID), &prev); {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case prev.Kind != p.Kind:
			return fmt.Errorf("post %d: %w", p.ID, domain.ErrKindImmutable)
		case p.CreatedAt.IsZero():
			p.CreatedAt = prev.CreatedAt
		}
		return putJSON(b, itob(p.ID), p)
	})
}

func (s *boltStore) GetPost(_ context.Context, id int64) (domain.Post, error) {
	var p domain.Post
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPosts), itob(id), &p)
	})
	return p, err
}

func (s *boltStore) DeletePost(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prefix := itob(id)
		c := tx.Bucket(bucketLinks).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketPosts).Delete(prefix)
	})
}

func (s *boltStore) AttachChannel(_ context.Context, postID, channelID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinks).Put(linkKey(postID, channelID), []byte{1})
	})
}

func (s *boltStore) DetachChannel(_ context.Context, postID, channelID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinks).Delete(linkKey(postID, channelID))
	})
}

func (s *boltStore) PostChannels(_ context.Context, postID int64) ([]int64, error) {
	var out []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := itob(postID)
		c := tx.Bucket(bucketLinks).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, int64(binary.BigEndian.Uint64(k[8:])))
		}
		return nil
	})
	return out, err
}
