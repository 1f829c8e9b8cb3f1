package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite. Pattern arguments use
// SQLite GLOB syntax, which matches the Redis pattern syntax for *, ? and [].
type SQLiteBackend struct {
	db         *sql.DB
	logger     *slog.Logger
	stmtExists *sql.Stmt
	mu         sync.RWMutex
	closed     bool
}

// NewSQLiteBackend opens (or creates) the database and applies migrations.
func NewSQLiteBackend(cfg *SQLiteConfig, logger *slog.Logger) (*SQLiteBackend, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection; it also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtExists, err := db.Prepare(`
		SELECT 1 FROM membership
		WHERE matchclass = ? AND domain = ? AND family = ?
		LIMIT 1
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare exists statement: %w", err)
	}

	return &SQLiteBackend{
		db:         db,
		logger:     logger,
		stmtExists: stmtExists,
	}, nil
}

func (s *SQLiteBackend) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Exists implements Store.
func (s *SQLiteBackend) Exists(ctx context.Context, matchclass, domain string, ipv4 bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var one int
	err := s.stmtExists.QueryRowContext(ctx, matchclass, domain, int(FamilyFor(ipv4))).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, storeErr("exists", err)
	}
	return true, nil
}

// Ping implements Store.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stmtExists.Close()
	return s.db.Close()
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteBackend) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrStore) {
			return err
		}
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// DaemonConfig implements Backend.
func (s *SQLiteBackend) DaemonConfig(ctx context.Context, daemonID string) (*DaemonConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT param, value FROM daemon_params
		WHERE daemon_id = ?
		ORDER BY param, seq
	`, daemonID)
	if err != nil {
		return nil, storeErr("daemon config", err)
	}
	defer func() { _ = rows.Close() }()

	lists := make(map[Param][]string)
	for rows.Next() {
		var param, value string
		if err := rows.Scan(&param, &value); err != nil {
			return nil, storeErr("daemon config", err)
		}
		lists[Param(param)] = append(lists[Param(param)], value)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("daemon config", err)
	}

	cfg := &DaemonConfig{DaemonID: daemonID}
	for _, p := range Params {
		cfg.set(p, lists[p])
	}
	return cfg, nil
}

func appendParamTx(ctx context.Context, tx *sql.Tx, daemonID string, param Param, values []string) error {
	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM daemon_params
		WHERE daemon_id = ? AND param = ?
	`, daemonID, string(param)).Scan(&next); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daemon_params (daemon_id, param, seq, value) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, v := range values {
		if _, err := stmt.ExecContext(ctx, daemonID, string(param), next+i, v); err != nil {
			return err
		}
	}
	return nil
}

// AppendParam implements Backend.
func (s *SQLiteBackend) AppendParam(ctx context.Context, daemonID string, param Param, values []string) error {
	if len(values) == 0 {
		return nil
	}
	return s.withTx(ctx, "append param", func(tx *sql.Tx) error {
		return appendParamTx(ctx, tx, daemonID, param, values)
	})
}

// ReplaceParam implements Backend.
func (s *SQLiteBackend) ReplaceParam(ctx context.Context, daemonID string, param Param, values []string) error {
	return s.withTx(ctx, "replace param", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM daemon_params WHERE daemon_id = ? AND param = ?
		`, daemonID, string(param)); err != nil {
			return err
		}
		return appendParamTx(ctx, tx, daemonID, param, values)
	})
}

// ClearParam implements Backend.
func (s *SQLiteBackend) ClearParam(ctx context.Context, daemonID string, param Param) error {
	return s.withTx(ctx, "clear param", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM daemon_params WHERE daemon_id = ? AND param = ?
		`, daemonID, string(param))
		return err
	})
}

// IncrStats implements Backend.
func (s *SQLiteBackend) IncrStats(ctx context.Context, daemonID string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	return s.withTx(ctx, "incr stats", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stats (daemon_id, name, value) VALUES (?, ?, ?)
			ON CONFLICT (daemon_id, name) DO UPDATE SET value = value + excluded.value
		`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for name, delta := range deltas {
			if _, err := stmt.ExecContext(ctx, daemonID, name, delta); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats implements Backend.
func (s *SQLiteBackend) Stats(ctx context.Context, daemonID, pattern string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value FROM stats
		WHERE daemon_id = ? AND name GLOB ?
	`, daemonID, pattern)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, storeErr("stats", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats", err)
	}
	return out, nil
}

// ClearStats implements Backend.
func (s *SQLiteBackend) ClearStats(ctx context.Context, daemonID, pattern string) (int, error) {
	var removed int64
	err := s.withTx(ctx, "clear stats", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM stats WHERE daemon_id = ? AND name GLOB ?
		`, daemonID, pattern)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

// MatchclassInfo implements Backend.
func (s *SQLiteBackend) MatchclassInfo(ctx context.Context, matchclass string) (*MatchclassInfo, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	info := &MatchclassInfo{Name: matchclass}

	rows, err := s.db.QueryContext(ctx, `
		SELECT family, COUNT(*) FROM membership
		WHERE matchclass = ?
		GROUP BY family
	`, matchclass)
	if err != nil {
		return nil, storeErr("matchclass info", err)
	}
	for rows.Next() {
		var family int
		var count int64
		if err := rows.Scan(&family, &count); err != nil {
			_ = rows.Close()
			return nil, storeErr("matchclass info", err)
		}
		switch Family(family) {
		case FamilyIPv4:
			info.IPv4Domains = count
		case FamilyIPv6:
			info.IPv6Domains = count
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("matchclass info", err)
	}

	ruleRows, err := s.db.QueryContext(ctx, `
		SELECT qtype, ip FROM rules WHERE matchclass = ?
	`, matchclass)
	if err != nil {
		return nil, storeErr("matchclass info", err)
	}
	defer func() { _ = ruleRows.Close() }()
	for ruleRows.Next() {
		var qtype, ip string
		if err := ruleRows.Scan(&qtype, &ip); err != nil {
			return nil, storeErr("matchclass info", err)
		}
		if info.Rules == nil {
			info.Rules = make(map[string]string)
		}
		info.Rules[qtype] = ip
	}
	if err := ruleRows.Err(); err != nil {
		return nil, storeErr("matchclass info", err)
	}
	return info, nil
}

// DropMatchclasses implements Backend.
func (s *SQLiteBackend) DropMatchclasses(ctx context.Context, pattern string) ([]string, error) {
	var dropped []string
	err := s.withTx(ctx, "drop matchclasses", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT matchclass FROM membership WHERE matchclass GLOB ?1
			UNION
			SELECT matchclass FROM rules WHERE matchclass GLOB ?1
			ORDER BY 1
		`, pattern)
		if err != nil {
			return err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				_ = rows.Close()
				return err
			}
			dropped = append(dropped, name)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM membership WHERE matchclass GLOB ?`, pattern); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM rules WHERE matchclass GLOB ?`, pattern)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

// Feed implements Backend.
func (s *SQLiteBackend) Feed(ctx context.Context, matchclass string, domains []string, family Family) (int, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return 0, err
	}
	families := family.families()
	if len(families) == 0 {
		return 0, fmt.Errorf("no address family selected")
	}

	fed := 0
	err := s.withTx(ctx, "feed", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO membership (matchclass, domain, family) VALUES (?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, domain := range domains {
			for _, f := range families {
				if _, err := stmt.ExecContext(ctx, matchclass, domain, int(f)); err != nil {
					return err
				}
			}
			fed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fed, nil
}

// SetRule implements Backend.
func (s *SQLiteBackend) SetRule(ctx context.Context, matchclass, qtype, ip string) error {
	if err := ValidateMatchclass(matchclass); err != nil {
		return err
	}
	return s.withTx(ctx, "set rule", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rules (matchclass, qtype, ip) VALUES (?, ?, ?)
			ON CONFLICT (matchclass, qtype) DO UPDATE SET ip = excluded.ip
		`, matchclass, NormalizeQtype(qtype), strings.TrimSpace(ip))
		return err
	})
}

// DeleteRule implements Backend.
func (s *SQLiteBackend) DeleteRule(ctx context.Context, matchclass, qtype string) (bool, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return false, err
	}
	var n int64
	err := s.withTx(ctx, "delete rule", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM rules WHERE matchclass = ? AND qtype = ?
		`, matchclass, NormalizeQtype(qtype))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}
