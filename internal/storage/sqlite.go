package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"svitlobot/internal/outage"
	logx "svitlobot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; ":memory:" also needs it to keep one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

const windowColumns = `id, company, queue, date, off_time, on_time, created_at`

func (s *sqliteStore) ListFutureSchedules(ctx context.Context, minDate string) ([]outage.Window, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+windowColumns+` FROM schedules WHERE date >= ? ORDER BY date, company, queue, off_time`, minDate)
	if err != nil {
		return nil, err
	}
	return scanWindows(rows)
}

func (s *sqliteStore) SchedulesFor(ctx context.Context, company, queue, date string) ([]outage.Window, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+windowColumns+` FROM schedules WHERE company = ? AND queue = ? AND date = ? ORDER BY off_time`,
		company, queue, date)
	if err != nil {
		return nil, err
	}
	return scanWindows(rows)
}

func (s *sqliteStore) ReplaceSchedules(ctx context.Context, company, date string, windows []outage.Window) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE company = ? AND date = ?`, company, date); err != nil {
		return err
	}
	created := s.now().UTC().Format(time.RFC3339)
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO schedules(company, queue, date, off_time, on_time, created_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, w := range windows {
		if _, err := stmt.ExecContext(ctx, company, w.Queue, date, w.OffTime, w.OnTime, created); err != nil {
			return fmt.Errorf("insert %s/%s %s-%s: %w", company, w.Queue, w.OffTime, w.OnTime, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PruneSchedulesBefore(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE date < ?`, date)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanWindows(rows *sql.Rows) ([]outage.Window, error) {
	defer rows.Close()
	var out []outage.Window
	for rows.Next() {
		var (
			w       outage.Window
			created string
		)
		if err := rows.Scan(&w.ID, &w.Company, &w.Queue, &w.Date, &w.OffTime, &w.OnTime, &created); err != nil {
			return nil, err
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- subscriptions ----

func (s *sqliteStore) ListSubscribersWithPrefs(ctx context.Context, company, queue string) ([]outage.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.user_id,
		       COALESCE(p.language, 'uk'),
		       COALESCE(p.notify_off, 1),
		       COALESCE(p.notify_on, 1),
		       COALESCE(p.notify_off_10, 1),
		       COALESCE(p.notify_on_10, 1)
		FROM subscriptions s
		LEFT JOIN user_prefs p ON p.user_id = s.user_id
		WHERE s.company = ? AND s.queue = ?
		ORDER BY s.user_id`, company, queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outage.Subscriber
	for rows.Next() {
		var (
			sub                  outage.Subscriber
			off, on, off10, on10 int
		)
		if err := rows.Scan(&sub.UserID, &sub.Prefs.Language, &off, &on, &off10, &on10); err != nil {
			return nil, err
		}
		sub.Prefs.NotifyOff = off != 0
		sub.Prefs.NotifyOn = on != 0
		sub.Prefs.NotifyOff10 = off10 != 0
		sub.Prefs.NotifyOn10 = on10 != 0
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Subscribe(ctx context.Context, userID int64, company, queue string, max int) error {
	if max <= 0 {
		max = DefaultMaxSubscriptions
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM subscriptions WHERE user_id = ? AND company = ? AND queue = ?`, userID, company, queue).Scan(&exists)
	switch {
	case err == nil:
		return ErrAlreadySubscribed
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return err
	}
	if n >= max {
		return ErrSubscriptionLimit
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions(user_id, company, queue, created_at) VALUES(?,?,?,?)`,
		userID, company, queue, s.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Unsubscribe(ctx context.Context, userID int64, company, queue string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND company = ? AND queue = ?`, userID, company, queue)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context, userID int64) ([]outage.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, company, queue FROM subscriptions WHERE user_id = ? ORDER BY company, queue`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []outage.Subscription
	for rows.Next() {
		var sub outage.Subscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Company, &sub.Queue); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---- preferences ----

func (s *sqliteStore) Preferences(ctx context.Context, userID int64) (outage.Preferences, error) {
	var (
		p                    outage.Preferences
		off, on, off10, on10 int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT language, notify_off, notify_on, notify_off_10, notify_on_10 FROM user_prefs WHERE user_id = ?`, userID).
		Scan(&p.Language, &off, &on, &off10, &on10)
	if errors.Is(err, sql.ErrNoRows) {
		return outage.DefaultPreferences(), nil
	}
	if err != nil {
		return outage.Preferences{}, err
	}
	p.NotifyOff, p.NotifyOn, p.NotifyOff10, p.NotifyOn10 = off != 0, on != 0, off10 != 0, on10 != 0
	return p, nil
}

func (s *sqliteStore) SetLanguage(ctx context.Context, userID int64, lang string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_prefs(user_id, language) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET language = excluded.language`, userID, lang)
	return err
}

func toggleColumn(k outage.Kind) (string, error) {
	switch k {
	case outage.ReminderOff:
		return "notify_off_10", nil
	case outage.NotifyOff:
		return "notify_off", nil
	case outage.ReminderOn:
		return "notify_on_10", nil
	case outage.NotifyOn:
		return "notify_on", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
}

func (s *sqliteStore) SetToggle(ctx context.Context, userID int64, kind outage.Kind, enabled bool) error {
	col, err := toggleColumn(kind)
	if err != nil {
		return err
	}
	v := 0
	if enabled {
		v = 1
	}
	// col comes from a closed set above.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_prefs(user_id, `+col+`) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET `+col+` = excluded.`+col, userID, v)
	return err
}

// ---- settings ----

func (s *sqliteStore) TechMode(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_settings WHERE key = 'tech_mode'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (s *sqliteStore) SetTechMode(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_settings(key, value) VALUES('tech_mode', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, v)
	return err
}
