package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"postrelay/internal/domain"
	logx "postrelay/pkg/logx"
)

type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    logx.Logger
}

type linkDoc struct {
	ID        string `bson:"_id"`
	PostID    int64  `bson:"post_id"`
	ChannelID int64  `bson:"channel_id"`
}

type auditDoc struct {
	domain.AuditEntry `bson:",inline"`
	Seq               int64 `bson:"seq"`
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.DSN)
	if uri == "" {
		return nil, errors.New("storage.dsn is required for mongo driver")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "postrelay"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &mongoStore{client: client, db: client.Database(dbName), log: log}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	log.Info("mongo storage connected", logx.String("database", dbName))
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	models := map[string][]mongo.IndexModel{
		"messages": {
			{Keys: bson.D{{Key: "post_id", Value: 1}, {Key: "channel_id", Value: 1}, {Key: "position", Value: 1}}},
			{Keys: bson.D{{Key: "channel_id", Value: 1}}},
		},
		"audit": {
			{Keys: bson.D{{Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "post_id", Value: 1}}},
		},
		"post_channels": {
			{Keys: bson.D{{Key: "post_id", Value: 1}}},
			{Keys: bson.D{{Key: "channel_id", Value: 1}}},
		},
	}
	for coll, idx := range models {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

var messageSort = options.Find().SetSort(bson.D{{Key: "channel_id", Value: 1}, {Key: "position", Value: 1}})

func (s *mongoStore) findMessages(ctx context.Context, filter bson.M) ([]domain.MessageRecord, error) {
	cur, err := s.db.Collection("messages").Find(ctx, filter, messageSort)
	if err != nil {
		return nil, err
	}
	var out []domain.MessageRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoStore) AppendMessages(ctx context.Context, recs []domain.MessageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(recs))
	for _, r := range stampRecords(recs) {
		docs = append(docs, r)
	}
	_, err := s.db.Collection("messages").InsertMany(ctx, docs)
	return err
}

func (s *mongoStore) ListMessagesForPost(ctx context.Context, postID int64) ([]domain.MessageRecord, error) {
	return s.findMessages(ctx, bson.M{"post_id": postID})
}

func (s *mongoStore) ListMessagesForChannel(ctx context.Context, channelID int64) ([]domain.MessageRecord, error) {
	return s.findMessages(ctx, bson.M{"channel_id": channelID})
}

func (s *mongoStore) ListMessagesForPair(ctx context.Context, postID, channelID int64) ([]domain.MessageRecord, error) {
	return s.findMessages(ctx, bson.M{"post_id": postID, "channel_id": channelID})
}

func (s *mongoStore) GetMessage(ctx context.Context, id string) (domain.MessageRecord, error) {
	var r domain.MessageRecord
	err := s.db.Collection("messages").FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	return r, notFound(err)
}

func (s *mongoStore) RemoveMessage(ctx context.Context, id string) error {
	_, err := s.db.Collection("messages").DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *mongoStore) RemoveMessagesForPost(ctx context.Context, postID int64) error {
	_, err := s.db.Collection("messages").DeleteMany(ctx, bson.M{"post_id": postID})
	return err
}

func (s *mongoStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	e = stampAudit(e)
	_, err := s.db.Collection("audit").InsertOne(ctx, auditDoc{AuditEntry: e, Seq: time.Now().UnixNano()})
	return err
}

func (s *mongoStore) ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	filter := bson.M{}
	if f.PostID != 0 {
		filter["post_id"] = f.PostID
	}
	if f.ChannelID != 0 {
		filter["channel_id"] = f.ChannelID
	}
	if f.Operation != "" {
		filter["operation"] = f.Operation
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.db.Collection("audit").Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []auditDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.AuditEntry
	}
	return out, nil
}

func (s *mongoStore) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection("audit").DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func upsertByID(ctx context.Context, coll *mongo.Collection, id interface{}, doc interface{}) error {
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *mongoStore) PutBot(ctx context.Context, b domain.Bot) error {
	return upsertByID(ctx, s.db.Collection("bots"), b.ID, b)
}

func (s *mongoStore) GetBot(ctx context.Context, id int64) (domain.Bot, error) {
	var b domain.Bot
	err := s.db.Collection("bots").FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	return b, notFound(err)
}

func (s *mongoStore) ListBots(ctx context.Context) ([]domain.Bot, error) {
	cur, err := s.db.Collection("bots").Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []domain.Bot
	err = cur.All(ctx, &out)
	return out, err
}

func (s *mongoStore) PutChannel(ctx context.Context, ch domain.Channel) error {
	return upsertByID(ctx, s.db.Collection("channels"), ch.ID, ch)
}

func (s *mongoStore) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	var ch domain.Channel
	err := s.db.Collection("channels").FindOne(ctx, bson.M{"_id": id}).Decode(&ch)
	return ch, notFound(err)
}

func (s *mongoStore) DeleteChannel(ctx context.Context, id int64) error {
	if _, err := s.db.Collection("post_channels").DeleteMany(ctx, bson.M{"channel_id": id}); err != nil {
		return err
	}
	_, err := s.db.Collection("channels").DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *mongoStore) PutPost(ctx context.Context, p domain.Post) error {
	if err := p.Validate(); err != nil {
		return err
	}
	prev, err := s.GetPost(ctx, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case prev.Kind != p.Kind:
		return fmt.Errorf("post %d: %w", p.ID, domain.ErrKindImmutable)
	case p.CreatedAt.IsZero():
		p.CreatedAt = prev.CreatedAt
	}
	return upsertByID(ctx, s.db.Collection("posts"), p.ID, p)
}

func (s *mongoStore) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	var p domain.Post
	err := s.db.Collection("posts").FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	return p, notFound(err)
}

func (s *mongoStore) DeletePost(ctx context.Context, id int64) error {
	if _, err := s.db.Collection("post_channels").DeleteMany(ctx, bson.M{"post_id": id}); err != nil {
		return err
	}
	_, err := s.db.Collection("posts").DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func linkID(postID, channelID int64) string { return fmt.Sprintf("%d:%d", postID, channelID) }

func (s *mongoStore) AttachChannel(ctx context.Context, postID, channelID int64) error {
	doc := linkDoc{ID: linkID(postID, channelID), PostID: postID, ChannelID: channelID}
	return upsertByID(ctx, s.db.Collection("post_channels"), doc.ID, doc)
}

func (s *mongoStore) DetachChannel(ctx context.Context, postID, channelID int64) error {
	_, err := s.db.Collection("post_channels").DeleteOne(ctx, bson.M{"_id": linkID(postID, channelID)})
	return err
}

func (s *mongoStore) PostChannels(ctx context.Context, postID int64) ([]int64, error) {
	cur, err := s.db.Collection("post_channels").Find(ctx, bson.M{"post_id": postID}, options.Find().SetSort(bson.D{{Key: "channel_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var links []linkDoc
	if err := cur.All(ctx, &links); err != nil {
		return nil, err
	}
	out := make([]int64, len(links))
	for i, l := range links {
		out[i] = l.ChannelID
	}
	return out, nil
}
