package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"postrelay/internal/domain"
	logx "postrelay/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name      string
	driver    string
	numbered  bool // $1 placeholders
	upsertFmt string
	ignoreFmt string
}

var (
	dialectSQLite = dialect{
		name: "sqlite", driver: "sqlite",
		upsertFmt: "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		ignoreFmt: "INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
	}
	dialectMySQL = dialect{
		name: "mysql", driver: "mysql",
		ignoreFmt: "INSERT IGNORE INTO %s (%s) VALUES (%s)",
	}
	dialectPostgres = dialect{
		name: "postgres", driver: "postgres", numbered: true,
		upsertFmt: "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		ignoreFmt: "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
	}
)

// rebind rewrites ? placeholders for dialects using $n.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (d dialect) upsert(table, key string, cols []string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == key {
			continue
		}
		if d.name == "mysql" {
			sets = append(sets, fmt.Sprintf("%s=VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s=excluded.%s", c, c))
		}
	}
	if d.name == "mysql" {
		return d.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			table, strings.Join(cols, ","), placeholders(len(cols)), strings.Join(sets, ",")))
	}
	return d.rebind(fmt.Sprintf(d.upsertFmt, table, strings.Join(cols, ","), placeholders(len(cols)), key, strings.Join(sets, ",")))
}

func (d dialect) insertIgnore(table string, cols []string) string {
	return d.rebind(fmt.Sprintf(d.ignoreFmt, table, strings.Join(cols, ","), placeholders(len(cols))))
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

var (
	botCols     = []string{"id", "backend", "token", "username", "external_id", "created_at"}
	channelCols = []string{"id", "backend", "external_id", "bot_id", "title", "username", "description", "invite_link", "created_at"}
	postCols    = []string{"id", "kind", "body_text", "file_ref", "caption", "gallery", "published", "silent", "created_at", "updated_at"}
	messageCols = "id, post_id, channel_id, remote_chat_id, remote_id, pos, created_at"
	auditCols   = "id, task_id, operation, post_id, channel_id, ok, response, error, created_at"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	return newSQLStore(db, dialectSQLite, log)
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	mc, err := mysql.ParseDSN(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("storage.dsn: %w", err)
	}
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	if _, ok := mc.Params["charset"]; !ok {
		mc.Params["charset"] = "utf8mb4"
	}
	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(db, dialectMySQL, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		conv, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("storage.dsn: %w", err)
		}
		dsn = conv
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, dialectPostgres, log)
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) (Store, error) {
	s := &sqlStore{db: db, d: d, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", d.name, err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	return s, nil
}

// migrate runs the embedded schema one statement at a time; not every
// driver accepts multi-statement Exec.
func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.d.name + ".sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) q(query string) string { return s.d.rebind(query) }

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (domain.MessageRecord, error) {
	var m domain.MessageRecord
	var created int64
	if err := r.Scan(&m.ID, &m.PostID, &m.ChannelID, &m.RemoteChatID, &m.RemoteID, &m.Position, &created); err != nil {
		return m, err
	}
	m.CreatedAt = fromNanos(created)
	return m, nil
}

func (s *sqlStore) queryMessages(ctx context.Context, where string, args ...any) ([]domain.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+messageCols+" FROM messages WHERE "+where+" ORDER BY channel_id, pos"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendMessages(ctx context.Context, recs []domain.MessageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt := s.q("INSERT INTO messages (" + messageCols + ") VALUES (" + placeholders(7) + ")")
	for _, r := range stampRecords(recs) {
		if _, err := tx.ExecContext(ctx, stmt, r.ID, r.PostID, r.ChannelID, r.RemoteChatID, r.RemoteID, r.Position, toNanos(r.CreatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ListMessagesForPost(ctx context.Context, postID int64) ([]domain.MessageRecord, error) {
	return s.queryMessages(ctx, "post_id = ?", postID)
}

func (s *sqlStore) ListMessagesForChannel(ctx context.Context, channelID int64) ([]domain.MessageRecord, error) {
	return s.queryMessages(ctx, "channel_id = ?", channelID)
}

func (s *sqlStore) ListMessagesForPair(ctx context.Context, postID, channelID int64) ([]domain.MessageRecord, error) {
	return s.queryMessages(ctx, "post_id = ? AND channel_id = ?", postID, channelID)
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (domain.MessageRecord, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, s.q("SELECT "+messageCols+" FROM messages WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (s *sqlStore) RemoveMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM messages WHERE id = ?"), id)
	return err
}

func (s *sqlStore) RemoveMessagesForPost(ctx context.Context, postID int64) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM messages WHERE post_id = ?"), postID)
	return err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	e = stampAudit(e)
	var ch sql.NullInt64
	if e.ChannelID != nil {
		ch = sql.NullInt64{Int64: *e.ChannelID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q("INSERT INTO audit ("+auditCols+") VALUES ("+placeholders(9)+")"),
		e.ID, e.TaskID, string(e.Operation), e.PostID, ch, e.OK, e.Response, e.Error, toNanos(e.CreatedAt))
	return err
}

func (s *sqlStore) ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.PostID != 0 {
		conds = append(conds, "post_id = ?")
		args = append(args, f.PostID)
	}
	if f.ChannelID != 0 {
		conds = append(conds, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.Operation != "" {
		conds = append(conds, "operation = ?")
		args = append(args, string(f.Operation))
	}
	query := "SELECT " + auditCols + " FROM audit"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// Newest first for LIMIT, reversed below so callers get append order.
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			op      string
			ch      sql.NullInt64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &op, &e.PostID, &ch, &e.OK, &e.Response, &e.Error, &created); err != nil {
			return nil, err
		}
		e.Operation = domain.Operation(op)
		if ch.Valid {
			v := ch.Int64
			e.ChannelID = &v
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqlStore) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM audit WHERE created_at < ?"), before.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) PutBot(ctx context.Context, b domain.Bot) error {
	_, err := s.db.ExecContext(ctx, s.d.upsert("bots", "id", botCols),
		b.ID, string(b.Backend), b.Token, b.Username, b.ExternalID, toNanos(b.CreatedAt))
	return err
}

func scanBot(r rowScanner) (domain.Bot, error) {
	var (
		b       domain.Bot
		backend string
		created int64
	)
	if err := r.Scan(&b.ID, &backend, &b.Token, &b.Username, &b.ExternalID, &created); err != nil {
		return b, err
	}
	b.Backend = domain.Backend(backend)
	b.CreatedAt = fromNanos(created)
	return b, nil
}

func (s *sqlStore) GetBot(ctx context.Context, id int64) (domain.Bot, error) {
	b, err := scanBot(s.db.QueryRowContext(ctx, s.q("SELECT "+strings.Join(botCols, ",")+" FROM bots WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) ListBots(ctx context.Context) ([]domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+strings.Join(botCols, ",")+" FROM bots ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutChannel(ctx context.Context, ch domain.Channel) error {
	_, err := s.db.ExecContext(ctx, s.d.upsert("channels", "id", channelCols),
		ch.ID, string(ch.Backend), ch.ExternalID, ch.BotID, ch.Title, ch.Username, ch.Description, ch.InviteLink, toNanos(ch.CreatedAt))
	return err
}

func (s *sqlStore) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	var (
		ch      domain.Channel
		backend string
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.q("SELECT "+strings.Join(channelCols, ",")+" FROM channels WHERE id = ?"), id).
		Scan(&ch.ID, &backend, &ch.ExternalID, &ch.BotID, &ch.Title, &ch.Username, &ch.Description, &ch.InviteLink, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ch, ErrNotFound
	}
	if err != nil {
		return ch, err
	}
	ch.Backend = domain.Backend(backend)
	ch.CreatedAt = fromNanos(created)
	return ch, nil
}

func (s *sqlStore) DeleteChannel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM post_channels WHERE channel_id = ?"), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM channels WHERE id = ?"), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) PutPost(ctx context.Context, p domain.Post) error {
	if err := p.Validate(); err != nil {
		return err
	}
	gallery := ""
	if len(p.Gallery) > 0 {
		b, err := json.Marshal(p.Gallery)
		if err != nil {
			return err
		}
		gallery = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		prevKind    string
		prevCreated int64
	)
	err = tx.QueryRowContext(ctx, s.q("SELECT kind, created_at FROM posts WHERE id = ?"), p.ID).Scan(&prevKind, &prevCreated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case domain.ContentKind(prevKind) != p.Kind:
		return fmt.Errorf("post %d: %w", p.ID, domain.ErrKindImmutable)
	case p.CreatedAt.IsZero():
		p.CreatedAt = fromNanos(prevCreated)
	}

	if _, err := tx.ExecContext(ctx, s.d.upsert("posts", "id", postCols),
		p.ID, string(p.Kind), p.Text, p.File, p.Caption, gallery, p.Published, p.Silent, toNanos(p.CreatedAt), toNanos(p.UpdatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	var (
		p                domain.Post
		kind, gallery    string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.q("SELECT "+strings.Join(postCols, ",")+" FROM posts WHERE id = ?"), id).
		Scan(&p.ID, &kind, &p.Text, &p.File, &p.Caption, &gallery, &p.Published, &p.Silent, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Kind = domain.ContentKind(kind)
	if gallery != "" {
		if err := json.Unmarshal([]byte(gallery), &p.Gallery); err != nil {
			return p, fmt.Errorf("post %d gallery: %w", id, err)
		}
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

func (s *sqlStore) DeletePost(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM post_channels WHERE post_id = ?"), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM posts WHERE id = ?"), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) AttachChannel(ctx context.Context, postID, channelID int64) error {
	_, err := s.db.ExecContext(ctx, s.d.insertIgnore("post_channels", []string{"post_id", "channel_id"}), postID, channelID)
	return err
}

func (s *sqlStore) DetachChannel(ctx context.Context, postID, channelID int64) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM post_channels WHERE post_id = ? AND channel_id = ?"), postID, channelID)
	return err
}

func (s *sqlStore) PostChannels(ctx context.Context, postID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT channel_id FROM post_channels WHERE post_id = ? ORDER BY channel_id"), postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
