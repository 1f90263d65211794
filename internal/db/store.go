package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/g960059/autoclick/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	ErrInvalid   = errors.New("invalid")
)

const (
	DefaultConfidenceThreshold = 0.92
	DefaultTargetColor         = "#2563EB"
	MaxLogEntries              = 1000
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// ---- targets ----

const targetColumns = `target_id, name, trigger_text, color, confidence_threshold, shortcut, status, created_at, updated_at`

func (s *Store) ListTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY created_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	out := make([]model.Target, 0)
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter targets: %w", err)
	}
	return out, nil
}

func (s *Store) GetTarget(ctx context.Context, targetID string) (model.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE target_id = ?`, targetID)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, ErrNotFound
	}
	return t, err
}

// CreateTarget assigns an id when none is given and fills defaults for
// color, threshold and status.
func (s *Store) CreateTarget(ctx context.Context, t model.Target) (model.Target, error) {
	t = normalizeTarget(t)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := validateTarget(t); err != nil {
		return model.Target{}, err
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO targets(`+targetColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.Name, t.TriggerText, t.Color, t.ConfidenceThreshold, t.Shortcut, string(t.Status), ts(t.CreatedAt), ts(t.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return model.Target{}, fmt.Errorf("target %q: %w", t.Name, ErrDuplicate)
		}
		return model.Target{}, fmt.Errorf("insert target: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTarget(ctx context.Context, t model.Target) (model.Target, error) {
	t = normalizeTarget(t)
	if t.ID == "" {
		return model.Target{}, fmt.Errorf("%w: target id is required", ErrInvalid)
	}
	if err := validateTarget(t); err != nil {
		return model.Target{}, err
	}
	t.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE targets SET
	name = ?,
	trigger_text = ?,
	color = ?,
	confidence_threshold = ?,
	shortcut = ?,
	status = ?,
	updated_at = ?
WHERE target_id = ?
`, t.Name, t.TriggerText, t.Color, t.ConfidenceThreshold, t.Shortcut, string(t.Status), ts(t.UpdatedAt), t.ID)
	if err != nil {
		if isUniqueErr(err) {
			return model.Target{}, fmt.Errorf("target %q: %w", t.Name, ErrDuplicate)
		}
		return model.Target{}, fmt.Errorf("update target: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return model.Target{}, err
	}
	return s.GetTarget(ctx, t.ID)
}

func (s *Store) DeleteTarget(ctx context.Context, targetID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE target_id = ?`, targetID)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return requireAffected(res)
}

func scanTarget(scanner interface{ Scan(dest ...any) error }) (model.Target, error) {
	var (
		t                    model.Target
		status               string
		createdAt, updatedAt string
	)
	if err := scanner.Scan(&t.ID, &t.Name, &t.TriggerText, &t.Color, &t.ConfidenceThreshold, &t.Shortcut, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Target{}, err
		}
		return model.Target{}, fmt.Errorf("scan target: %w", err)
	}
	t.Status = model.TargetStatus(status)
	var err error
	if t.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Target{}, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Target{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
}

func normalizeTarget(t model.Target) model.Target {
	t.ID = strings.TrimSpace(t.ID)
	t.Name = strings.TrimSpace(t.Name)
	t.TriggerText = strings.TrimSpace(t.TriggerText)
	t.Color = strings.TrimSpace(t.Color)
	t.Shortcut = strings.TrimSpace(t.Shortcut)
	if t.Color == "" {
		t.Color = DefaultTargetColor
	}
	if t.ConfidenceThreshold == 0 {
		t.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if t.Status == "" {
		t.Status = model.TargetActive
	}
	return t
}

func validateTarget(t model.Target) error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: target name is required", ErrInvalid)
	case t.TriggerText == "":
		return fmt.Errorf("%w: trigger text is required", ErrInvalid)
	case t.ConfidenceThreshold <= 0 || t.ConfidenceThreshold > 1:
		return fmt.Errorf("%w: confidence threshold must be in (0, 1]", ErrInvalid)
	case t.Status != model.TargetActive && t.Status != model.TargetInactive:
		return fmt.Errorf("%w: unknown target status %q", ErrInvalid, t.Status)
	}
	return nil
}

// ---- patterns ----

func (s *Store) ListPatterns(ctx context.Context) ([]model.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pattern_id, name, description, is_active, created_at, updated_at
FROM patterns
ORDER BY created_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	out := make([]model.Pattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck
		return nil, fmt.Errorf("iter patterns: %w", err)
	}
	rows.Close() //nolint:errcheck

	members, err := s.patternMembers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].TargetIDs = members[out[i].ID]
		if out[i].TargetIDs == nil {
			out[i].TargetIDs = []string{}
		}
	}
	return out, nil
}

func (s *Store) GetPattern(ctx context.Context, patternID string) (model.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT pattern_id, name, description, is_active, created_at, updated_at
FROM patterns WHERE pattern_id = ?`, patternID)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Pattern{}, ErrNotFound
	}
	if err != nil {
		return model.Pattern{}, err
	}
	members, err := s.patternMembers(ctx)
	if err != nil {
		return model.Pattern{}, err
	}
	p.TargetIDs = members[p.ID]
	if p.TargetIDs == nil {
		p.TargetIDs = []string{}
	}
	return p, nil
}

func (s *Store) CreatePattern(ctx context.Context, p model.Pattern) (model.Pattern, error) {
	p = normalizePattern(p)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		return model.Pattern{}, fmt.Errorf("%w: pattern name is required", ErrInvalid)
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO patterns(pattern_id, name, description, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, p.ID, p.Name, p.Description, boolToInt(p.IsActive), ts(p.CreatedAt), ts(p.UpdatedAt)); err != nil {
			if isUniqueErr(err) {
				return fmt.Errorf("pattern %q: %w", p.Name, ErrDuplicate)
			}
			return fmt.Errorf("insert pattern: %w", err)
		}
		return replaceMembers(ctx, tx, p.ID, p.TargetIDs)
	})
	if err != nil {
		return model.Pattern{}, err
	}
	return p, nil
}

func (s *Store) UpdatePattern(ctx context.Context, p model.Pattern) (model.Pattern, error) {
	p = normalizePattern(p)
	if p.ID == "" {
		return model.Pattern{}, fmt.Errorf("%w: pattern id is required", ErrInvalid)
	}
	if p.Name == "" {
		return model.Pattern{}, fmt.Errorf("%w: pattern name is required", ErrInvalid)
	}
	p.UpdatedAt = s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE patterns SET name = ?, description = ?, is_active = ?, updated_at = ?
WHERE pattern_id = ?
`, p.Name, p.Description, boolToInt(p.IsActive), ts(p.UpdatedAt), p.ID)
		if err != nil {
			if isUniqueErr(err) {
				return fmt.Errorf("pattern %q: %w", p.Name, ErrDuplicate)
			}
			return fmt.Errorf("update pattern: %w", err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		return replaceMembers(ctx, tx, p.ID, p.TargetIDs)
	})
	if err != nil {
		return model.Pattern{}, err
	}
	return s.GetPattern(ctx, p.ID)
}

func (s *Store) DeletePattern(ctx context.Context, patternID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE pattern_id = ?`, patternID)
	if err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) patternMembers(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pattern_id, target_id FROM pattern_targets ORDER BY pattern_id, position`)
	if err != nil {
		return nil, fmt.Errorf("list pattern targets: %w", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var patternID, targetID string
		if err := rows.Scan(&patternID, &targetID); err != nil {
			return nil, fmt.Errorf("scan pattern target: %w", err)
		}
		out[patternID] = append(out[patternID], targetID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter pattern targets: %w", err)
	}
	return out, nil
}

func replaceMembers(ctx context.Context, tx *sql.Tx, patternID string, targetIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pattern_targets WHERE pattern_id = ?`, patternID); err != nil {
		return fmt.Errorf("clear pattern targets: %w", err)
	}
	for i, targetID := range targetIDs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO pattern_targets(pattern_id, target_id, position) VALUES (?, ?, ?)
`, patternID, targetID, i); err != nil {
			if isForeignKeyErr(err) {
				return fmt.Errorf("%w: unknown target %q", ErrInvalid, targetID)
			}
			return fmt.Errorf("insert pattern target: %w", err)
		}
	}
	return nil
}

func scanPattern(scanner interface{ Scan(dest ...any) error }) (model.Pattern, error) {
	var (
		p                    model.Pattern
		active               int
		createdAt, updatedAt string
	)
	if err := scanner.Scan(&p.ID, &p.Name, &p.Description, &active, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Pattern{}, err
		}
		return model.Pattern{}, fmt.Errorf("scan pattern: %w", err)
	}
	p.IsActive = active == 1
	var err error
	if p.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Pattern{}, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Pattern{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return p, nil
}

func normalizePattern(p model.Pattern) model.Pattern {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	p.TargetIDs = dedupeNonEmpty(p.TargetIDs)
	return p
}

// ---- settings ----

// GetSettings returns ErrNotFound until settings are first saved.
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	var (
		st        model.Settings
		auto      int
		sound     int
		theme     string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT bridge_url, max_files_per_batch, auto_reconnect, sound_enabled, theme, updated_at
FROM settings WHERE id = 1`).Scan(&st.BridgeURL, &st.MaxFilesPerBatch, &auto, &sound, &theme, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Settings{}, ErrNotFound
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	st.AutoReconnect = auto == 1
	st.SoundEnabled = sound == 1
	st.Theme = model.Theme(theme)
	if st.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Settings{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return st, nil
}

func (s *Store) UpsertSettings(ctx context.Context, st model.Settings) (model.Settings, error) {
	st.BridgeURL = strings.TrimSpace(st.BridgeURL)
	if st.Theme == "" {
		st.Theme = model.ThemeDark
	}
	switch {
	case st.BridgeURL == "":
		return model.Settings{}, fmt.Errorf("%w: bridge url is required", ErrInvalid)
	case st.MaxFilesPerBatch < 1 || st.MaxFilesPerBatch > model.MaxFilesPerBatchLimit:
		return model.Settings{}, fmt.Errorf("%w: max files per batch must be between 1 and %d", ErrInvalid, model.MaxFilesPerBatchLimit)
	case st.Theme != model.ThemeDark && st.Theme != model.ThemeSystem:
		return model.Settings{}, fmt.Errorf("%w: unknown theme %q", ErrInvalid, st.Theme)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(id, bridge_url, max_files_per_batch, auto_reconnect, sound_enabled, theme, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	bridge_url = excluded.bridge_url,
	max_files_per_batch = excluded.max_files_per_batch,
	auto_reconnect = excluded.auto_reconnect,
	sound_enabled = excluded.sound_enabled,
	theme = excluded.theme,
	updated_at = excluded.updated_at
`, st.BridgeURL, st.MaxFilesPerBatch, boolToInt(st.AutoReconnect), boolToInt(st.SoundEnabled), string(st.Theme), ts(st.UpdatedAt))
	if err != nil {
		return model.Settings{}, fmt.Errorf("upsert settings: %w", err)
	}
	return st, nil
}

// ---- log history ----

func (s *Store) InsertLogEntry(ctx context.Context, e model.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown log kind %q", ErrInvalid, e.Kind)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO log_entries(entry_id, kind, message, logged_at) VALUES (?, ?, ?, ?)
ON CONFLICT(entry_id) DO NOTHING
`, e.ID, string(e.Kind), e.Message, ts(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// ListLogEntries returns up to limit of the most recent entries, oldest
// first. A non-positive limit means 50.
func (s *Store) ListLogEntries(ctx context.Context, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxLogEntries {
		limit = MaxLogEntries
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_id, kind, message, logged_at
FROM log_entries
ORDER BY logged_at DESC, rowid DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.LogEntry, 0, limit)
	for rows.Next() {
		var (
			e        model.LogEntry
			kind     string
			loggedAt string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Message, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Kind = model.LogKind(kind)
		if e.Timestamp, err = parseTS(loggedAt); err != nil {
			return nil, fmt.Errorf("parse logged_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter log entries: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PurgeLogEntries deletes entries logged before cutoff.
func (s *Store) PurgeLogEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE logged_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge log entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge log entries: %w", err)
	}
	return n, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "targets", "patterns", "pattern_targets", "settings", "log_entries":
	default:
		return 0, fmt.Errorf("unsupported table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withTx(ctx, s.db, fn)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func dedupeNonEmpty(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		v := strings.TrimSpace(value)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
		"PRIMARY KEY constraint failed",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
