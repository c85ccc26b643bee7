package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite in WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL DEFAULT '',
		seq        INTEGER NOT NULL DEFAULT 0,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY(collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_session ON records(collection, session_id, created_at, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Save upserts a record.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	data := []byte(rec.Data)
	if data == nil {
		data = []byte("null")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, session_id, type, seq, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			session_id = excluded.session_id,
			type       = excluded.type,
			seq        = excluded.seq,
			data       = excluded.data`,
		rec.Collection, rec.ID, rec.SessionID, rec.Type, rec.Seq, data, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save record %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// Query returns matching records in the order Window defines.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Record, error) {
	where, args := whereClause(q)
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	orderBy := fmt.Sprintf("created_at %s, seq %s", dir, dir)
	if SeqOrdered(q) {
		orderBy = "seq " + dir
	}
	stmt := fmt.Sprintf(
		"SELECT collection, id, session_id, type, seq, data, created_at FROM records%s ORDER BY %s",
		where, orderBy)
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			stmt += " OFFSET ?"
			args = append(args, q.Offset)
		}
	} else if q.Offset > 0 {
		stmt += " LIMIT -1 OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec       Record
			data      []byte
			createdAt int64
		)
		if err := rows.Scan(&rec.Collection, &rec.ID, &rec.SessionID, &rec.Type, &rec.Seq, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Data = data
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of matching records.
func (s *SQLiteStore) Count(ctx context.Context, q Query) (int, error) {
	where, args := whereClause(q)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func whereClause(q Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Collection != "" {
		conds = append(conds, "collection = ?")
		args = append(args, q.Collection)
	}
	if q.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, q.ID)
	}
	if q.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.SinceSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, q.SinceSeq)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		conds = append(conds, "type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
