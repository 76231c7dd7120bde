package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "bosstracker/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteJournal struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Journal, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
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

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	log.Debug("journal opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteJournal{db: db, log: log}, nil
}

func (s *sqliteJournal) Append(ctx context.Context, e Entry) (Entry, error) {
	if s.db == nil {
		return Entry{}, ErrClosed
	}
	e = prepare(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(id, at, target, zone, status, player, guild, message, message_id, err, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.Target, e.Zone, string(e.Status),
		nullStr(e.Player), nullStr(e.Guild), nullStr(e.Message), nullStr(e.MessageID), nullStr(e.Error),
		e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *sqliteJournal) Day(ctx context.Context, day time.Time, loc *time.Location) ([]Entry, error) {
	start, end := dayBounds(day, loc)
	return s.query(ctx, `WHERE at >= ? AND at < ?`, start.UnixMilli(), end.UnixMilli())
}

func (s *sqliteJournal) Since(ctx context.Context, t time.Time) ([]Entry, error) {
	return s.query(ctx, `WHERE at >= ?`, t.UnixMilli())
}

func (s *sqliteJournal) query(ctx context.Context, where string, args ...any) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, target, zone, status, player, guild, message, message_id, err, created_at
		 FROM activity `+where+` ORDER BY at, created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                       Entry
			at, created                             int64
			status                                  string
			player, guild, message, messageID, eStr sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Target, &e.Zone, &status, &player, &guild, &message, &messageID, &eStr, &created); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		e.CreatedAt = time.UnixMilli(created)
		e.Status = Status(status)
		e.Player, e.Guild = player.String, guild.String
		e.Message, e.MessageID, e.Error = message.String, messageID.String, eStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
