// Package chatdb reads message rows from the Messages SQLite database.
package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kalambet/imsgd/internal/messages"
)

// ErrNotFound is returned when the database file does not exist.
var ErrNotFound = errors.New("chat database not found")

// Store is a read-only handle on chat.db.
type Store struct {
	db *sql.DB
}

// Open opens the database at path read-only. The Messages app keeps writing to
// the file, so the handle never takes a write lock.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("checking chat database: %w", err)
	}

	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening chat database: %w", err)
	}

	// Single connection; every request runs its query on this one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging chat database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is still readable.
func (s *Store) Ping(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("querying message table: %w", err)
	}
	return nil
}

const rowsSelect = `SELECT
	m.ROWID,
	COALESCE(m.guid, ''),
	COALESCE(m.text, ''),
	m.attributedBody,
	COALESCE(m.date, 0),
	COALESCE(m.is_from_me, 0),
	COALESCE(m.is_read, 0),
	COALESCE(h.id, ''),
	COALESCE(c.chat_identifier, ''),
	COALESCE(c.display_name, ''),
	COALESCE(m.associated_message_type, 0),
	COALESCE(m.cache_has_attachments, 0)
FROM message m
LEFT JOIN handle h ON m.handle_id = h.ROWID
LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN chat c ON cmj.chat_id = c.ROWID`

// Rows returns message rows matching q, newest first.
func (s *Store) Rows(ctx context.Context, q messages.Query) ([]messages.Row, error) {
	query, args := buildRowsQuery(q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []messages.Row
	for rows.Next() {
		var (
			r              messages.Row
			fromMe, isRead int64
			hasAttachments int64
		)
		if err := rows.Scan(
			&r.RowID, &r.GUID, &r.Text, &r.Body, &r.Date,
			&fromMe, &isRead, &r.Handle, &r.ChatID, &r.ChatName,
			&r.AssociatedType, &hasAttachments,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		r.IsFromMe = fromMe != 0
		r.IsRead = isRead != 0
		r.HasAttachments = hasAttachments != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return out, nil
}

// likeEscaper neutralizes LIKE wildcards in a handle fragment.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func buildRowsQuery(q messages.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.Since != 0 {
		where = append(where, "m.date >= ?")
		args = append(args, q.Since)
	}
	if q.Handle != "" {
		where = append(where, `h.id LIKE '%' || ? || '%' ESCAPE '\'`)
		args = append(args, likeEscaper.Replace(q.Handle))
	}
	if q.IncomingOnly || q.UnreadOnly {
		where = append(where, "m.is_from_me = 0")
	}
	if q.UnreadOnly {
		where = append(where,
			"m.is_read = 0",
			"COALESCE(m.date_read, 0) = 0",
			"COALESCE(m.item_type, 0) = 0",
			"COALESCE(m.is_system_message, 0) = 0",
		)
	}
	if !q.IncludeReactions {
		where = append(where, "COALESCE(m.associated_message_type, 0) = 0")
	}

	var b strings.Builder
	b.WriteString(rowsSelect)
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, "\n  AND "))
	}
	b.WriteString("\nORDER BY m.date DESC, m.ROWID DESC")
	if q.Limit > 0 {
		b.WriteString("\nLIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}
