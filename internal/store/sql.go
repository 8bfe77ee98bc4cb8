package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/agentoven/supportdesk/pkg/models"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect selects the SQL flavour used by SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store over database/sql. Timestamps are stored as
// unix microseconds so both dialects share one scan path.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLiteStore opens (or creates) a SQLite database at path. Use
// ":memory:" for a private in-process database.
func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer keeps SQLite free of SQLITE_BUSY under concurrent requests.
	conn.SetMaxOpenConns(1)
	log.Info().Str("path", path).Msg("SQLite store opened")
	return &SQLStore{db: conn, dialect: DialectSQLite}, nil
}

// NewPostgresStore connects to PostgreSQL through the pgx database/sql driver.
func NewPostgresStore(ctx context.Context, url string) (*SQLStore, error) {
	conn, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Msg("PostgreSQL store connected")
	return &SQLStore{db: conn, dialect: DialectPostgres}, nil
}

// Open builds the Store named by driver ("memory", "sqlite", "postgres")
// and runs its migrations.
func Open(ctx context.Context, driver, sqlitePath, postgresURL string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "memory":
		s = NewMemoryStore()
	case "", "sqlite":
		s, err = NewSQLiteStore(sqlitePath)
	case "postgres", "postgresql":
		s, err = NewPostgresStore(ctx, postgresURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

// ── Migrations ──────────────────────────────────────────────

type migration struct {
	version int
	name    string
	up      string
}

func (s *SQLStore) loadMigrations() ([]migration, error) {
	dir := "migrations/" + string(s.dialect)
	files, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile(dir + "/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		out = append(out, migration{version: v, name: f.Name(), up: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies embedded migrations in order inside one transaction.
func (s *SQLStore) Migrate(ctx context.Context) error {
	migrations, err := s.loadMigrations()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range splitStatements(m.up) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE schema_version SET version=?`), m.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = m.version
		log.Info().Str("migration", m.name).Str("dialect", string(s.dialect)).Msg("Applied migration")
	}
	return tx.Commit()
}

func splitStatements(src string) []string {
	var out []string
	for _, part := range strings.Split(src, ";\n") {
		if stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), ";")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// ── Helpers ─────────────────────────────────────────────────

// rebind turns ? placeholders into $N for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
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

func (s *SQLStore) isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func (s *SQLStore) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM `+table+` WHERE id=?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type scanner interface {
	Scan(dest ...any) error
}

// ── Conversations ───────────────────────────────────────────

const conversationCols = `id, user_id, title, control_state, assigned_agent_id, handoff_reason, created_at, updated_at`

func scanConversation(row scanner) (*models.Conversation, error) {
	var c models.Conversation
	var state string
	var created, updated int64
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &state, &c.AssignedAgentID, &c.HandoffReason, &created, &updated); err != nil {
		return nil, err
	}
	c.ControlState = models.ControlState(state)
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	return &c, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.ControlState == "" {
		conv.ControlState = models.ControlAutomated
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO conversations (`+conversationCols+`) VALUES (?,?,?,?,?,?,?,?)`),
		conv.ID, conv.UserID, conv.Title, string(conv.ControlState), conv.AssignedAgentID, conv.HandoffReason,
		toMicros(conv.CreatedAt), toMicros(conv.UpdatedAt))
	if s.isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+conversationCols+` FROM conversations WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	query := `SELECT ` + conversationCols + ` FROM conversations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	result := make([]models.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *SQLStore) TransitionConversation(ctx context.Context, id string, from []models.ControlState, to models.ControlState, agentID, requireAgent, reason string) (*models.Conversation, error) {
	set := `control_state=?, assigned_agent_id=?, updated_at=?`
	args := []any{string(to), agentID, toMicros(time.Now().UTC())}
	if reason != "" {
		set += `, handoff_reason=?`
		args = append(args, reason)
	}
	query := `UPDATE conversations SET ` + set + ` WHERE id=? AND control_state IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	if requireAgent != "" {
		query += ` AND assigned_agent_id=?`
		args = append(args, requireAgent)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("transition conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := s.exists(ctx, "conversations", id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &ErrNotFound{Entity: "conversation", Key: id}
		}
		return nil, ErrConflict
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE conversation_id=?`), id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	return tx.Commit()
}

// ── Messages ────────────────────────────────────────────────

func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET updated_at=? WHERE id=?`), toMicros(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "conversation", Key: msg.ConversationID}
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO messages (id, conversation_id, user_id, role, content, author_id, trace_id, created_at) VALUES (?,?,?,?,?,?,?,?)`),
		msg.ID, msg.ConversationID, msg.UserID, string(msg.Role), msg.Content, msg.AuthorID, msg.TraceID, toMicros(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT id, conversation_id, user_id, role, content, author_id, trace_id, created_at FROM messages WHERE conversation_id=? ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	result := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		var role string
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &role, &m.Content, &m.AuthorID, &m.TraceID, &created); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		m.CreatedAt = fromMicros(created)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// ── Returns ─────────────────────────────────────────────────

const returnCols = `id, order_id, user_id, conversation_id, reason, requested_amount, condition_ok, status, refund_status,
refund_id, refund_amount, provider_refund_id, rma, source, attempts, error, created_at, updated_at, completed_at`

func scanReturn(row scanner) (*models.ReturnRecord, error) {
	var r models.ReturnRecord
	var status, refundStatus, source string
	var created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(&r.ID, &r.OrderID, &r.UserID, &r.ConversationID, &r.Reason, &r.RequestedAmount, &r.ConditionOK,
		&status, &refundStatus, &r.RefundID, &r.RefundAmount, &r.ProviderRefundID, &r.RMA, &source, &r.Attempts, &r.Error,
		&created, &updated, &completed); err != nil {
		return nil, err
	}
	r.Status = models.ReturnStatus(status)
	r.RefundStatus = models.RefundStatus(refundStatus)
	r.Source = models.ReturnSource(source)
	r.CreatedAt = fromMicros(created)
	r.UpdatedAt = fromMicros(updated)
	r.CompletedAt = fromNullMicros(completed)
	return &r, nil
}

func (s *SQLStore) CreateReturn(ctx context.Context, rec *models.ReturnRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.RefundStatus == "" {
		rec.RefundStatus = models.RefundNone
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO returns (`+returnCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		rec.ID, rec.OrderID, rec.UserID, rec.ConversationID, rec.Reason, rec.RequestedAmount, rec.ConditionOK,
		string(rec.Status), string(rec.RefundStatus), rec.RefundID, rec.RefundAmount, rec.ProviderRefundID, rec.RMA,
		string(rec.Source), rec.Attempts, rec.Error, toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt), nullMicros(rec.CompletedAt))
	if s.isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert return: %w", err)
	}
	return nil
}

func (s *SQLStore) GetReturn(ctx context.Context, id string) (*models.ReturnRecord, error) {
	r, err := scanReturn(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+returnCols+` FROM returns WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "return", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get return: %w", err)
	}
	return r, nil
}

func (s *SQLStore) GetReturnByOrder(ctx context.Context, orderID string) (*models.ReturnRecord, error) {
	r, err := scanReturn(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+returnCols+` FROM returns WHERE order_id=?`), orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "return", Key: orderID}
	}
	if err != nil {
		return nil, fmt.Errorf("get return by order: %w", err)
	}
	return r, nil
}

func (s *SQLStore) ListReturns(ctx context.Context, f ReturnFilter) ([]models.ReturnRecord, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.OrderID != "" {
		where = append(where, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at<?")
		args = append(args, toMicros(f.UpdatedBefore))
	}
	query := `SELECT ` + returnCols + ` FROM returns`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list returns: %w", err)
	}
	defer rows.Close()
	result := make([]models.ReturnRecord, 0)
	for rows.Next() {
		r, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (s *SQLStore) UpdateReturn(ctx context.Context, rec *models.ReturnRecord, expected ...models.ReturnStatus) error {
	rec.UpdatedAt = time.Now().UTC()
	query := `UPDATE returns SET conversation_id=?, reason=?, requested_amount=?, condition_ok=?, status=?, refund_status=?,
refund_id=?, refund_amount=?, provider_refund_id=?, rma=?, source=?, attempts=?, error=?, updated_at=?, completed_at=?
WHERE id=?`
	args := []any{rec.ConversationID, rec.Reason, rec.RequestedAmount, rec.ConditionOK, string(rec.Status), string(rec.RefundStatus),
		rec.RefundID, rec.RefundAmount, rec.ProviderRefundID, rec.RMA, string(rec.Source), rec.Attempts, rec.Error,
		toMicros(rec.UpdatedAt), nullMicros(rec.CompletedAt), rec.ID}
	if len(expected) > 0 {
		query += ` AND status IN (` + placeholders(len(expected)) + `)`
		for _, st := range expected {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update return: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := s.exists(ctx, "returns", rec.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &ErrNotFound{Entity: "return", Key: rec.ID}
		}
		return ErrConflict
	}
	return nil
}

// ── Approvals ───────────────────────────────────────────────

const approvalCols = `id, return_id, order_id, user_id, amount, status, reason, reviewer_id, created_at, decided_at`

func scanApproval(row scanner) (*models.ApprovalTask, error) {
	var a models.ApprovalTask
	var status string
	var created int64
	var decided sql.NullInt64
	if err := row.Scan(&a.ID, &a.ReturnID, &a.OrderID, &a.UserID, &a.Amount, &status, &a.Reason, &a.ReviewerID, &created, &decided); err != nil {
		return nil, err
	}
	a.Status = models.ApprovalStatus(status)
	a.CreatedAt = fromMicros(created)
	a.DecidedAt = fromNullMicros(decided)
	return &a, nil
}

func (s *SQLStore) CreateApproval(ctx context.Context, task *models.ApprovalTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = models.ApprovalPending
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO approvals (`+approvalCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		task.ID, task.ReturnID, task.OrderID, task.UserID, task.Amount, string(task.Status), task.Reason, task.ReviewerID,
		toMicros(task.CreatedAt), nullMicros(task.DecidedAt))
	if s.isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *SQLStore) GetApproval(ctx context.Context, id string) (*models.ApprovalTask, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+approvalCols+` FROM approvals WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalTask, error) {
	query := `SELECT ` + approvalCols + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	result := make([]models.ApprovalTask, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *SQLStore) PendingApprovalForReturn(ctx context.Context, returnID string) (*models.ApprovalTask, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+approvalCols+` FROM approvals WHERE return_id=? AND status=? ORDER BY created_at DESC LIMIT 1`),
		returnID, string(models.ApprovalPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "approval", Key: returnID}
	}
	if err != nil {
		return nil, fmt.Errorf("get pending approval: %w", err)
	}
	return a, nil
}

func (s *SQLStore) DecideApproval(ctx context.Context, id string, to models.ApprovalStatus, reviewerID, reason string, at time.Time) (*models.ApprovalTask, error) {
	set := `status=?, reviewer_id=?, decided_at=?`
	args := []any{string(to), reviewerID, toMicros(at.UTC())}
	if reason != "" {
		set += `, reason=?`
		args = append(args, reason)
	}
	args = append(args, id, string(models.ApprovalPending))
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE approvals SET `+set+` WHERE id=? AND status=?`), args...)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := s.exists(ctx, "approvals", id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &ErrNotFound{Entity: "approval", Key: id}
		}
		return nil, ErrConflict
	}
	return s.GetApproval(ctx, id)
}

// ── Events ──────────────────────────────────────────────────

const eventCols = `id, trace_id, type, payload, conversation_id, user_id, created_at`

func (s *SQLStore) AppendEvent(ctx context.Context, ev *models.AgentEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO agent_events (`+eventCols+`) VALUES (?,?,?,?,?,?,?)`),
		ev.ID, ev.TraceID, string(ev.Type), payload, ev.ConversationID, ev.UserID, toMicros(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]models.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	result := make([]models.AgentEvent, 0)
	for rows.Next() {
		var ev models.AgentEvent
		var typ, payload string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.TraceID, &typ, &payload, &ev.ConversationID, &ev.UserID, &created); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(typ)
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = fromMicros(created)
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (s *SQLStore) ListEventsByTrace(ctx context.Context, traceID string) ([]models.AgentEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM agent_events WHERE trace_id=? ORDER BY id`, traceID)
}

func (s *SQLStore) ListEventsByConversation(ctx context.Context, conversationID string, limit int) ([]models.AgentEvent, error) {
	if limit <= 0 {
		return s.queryEvents(ctx, `SELECT `+eventCols+` FROM agent_events WHERE conversation_id=? ORDER BY id`, conversationID)
	}
	events, err := s.queryEvents(ctx, `SELECT `+eventCols+` FROM agent_events WHERE conversation_id=? ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
