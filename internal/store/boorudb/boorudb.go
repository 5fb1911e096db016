package boorudb

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"booruramen/internal/model"
)

// interactionCap bounds the interaction log; oldest rows are evicted first.
const interactionCap = 1000

// DB wraps the SQLite database holding interactions, profile snapshots, and
// user preferences.
type DB struct{ sql *sql.DB }

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS interactions (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  post_id INTEGER NOT NULL,
	  source TEXT NOT NULL,
	  type TEXT NOT NULL,
	  value REAL NOT NULL,
	  ts INTEGER NOT NULL,
	  snapshot TEXT,
	  UNIQUE(post_id, type, source)
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_ts ON interactions(ts);
	CREATE INDEX IF NOT EXISTS idx_interactions_post ON interactions(post_id);
	CREATE TABLE IF NOT EXISTS profile_snapshot (
	  id INTEGER PRIMARY KEY CHECK (id=1),
	  ts INTEGER NOT NULL,
	  blob TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
	  key TEXT PRIMARY KEY,
	  value TEXT
	);
	`)
	return err
}

// AppendInteraction upserts an interaction. A later write with the same
// (post_id, type, source) key replaces the prior value/timestamp rather than
// creating a duplicate.
func (d *DB) AppendInteraction(ctx context.Context, in model.Interaction) error {
	snap, _ := json.Marshal(in.Snapshot)
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO interactions(post_id, source, type, value, ts, snapshot) VALUES(?,?,?,?,?,?)
		ON CONFLICT(post_id, type, source) DO UPDATE SET value=excluded.value, ts=excluded.ts, snapshot=excluded.snapshot`,
		in.PostID, in.Source, string(in.Type), in.Value, in.Timestamp.UnixMilli(), string(snap))
	if err != nil {
		return err
	}
	return d.trim(ctx)
}

func (d *DB) trim(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, `
		DELETE FROM interactions WHERE id IN (
		  SELECT id FROM interactions ORDER BY ts ASC, id ASC
		  LIMIT max(0, (SELECT COUNT(*) FROM interactions) - ?)
		)`, interactionCap)
	return err
}

// Interactions returns the full log in chronological order.
func (d *DB) Interactions(ctx context.Context) ([]model.Interaction, error) {
	return d.query(ctx, `SELECT post_id, source, type, value, ts, snapshot FROM interactions ORDER BY ts ASC, id ASC`)
}

// InteractionsSince returns interactions strictly newer than after.
func (d *DB) InteractionsSince(ctx context.Context, after time.Time) ([]model.Interaction, error) {
	return d.query(ctx, `SELECT post_id, source, type, value, ts, snapshot FROM interactions WHERE ts > ? ORDER BY ts ASC, id ASC`, after.UnixMilli())
}

// InteractionsByPost returns all interactions recorded for a post.
func (d *DB) InteractionsByPost(ctx context.Context, postID int64) ([]model.Interaction, error) {
	return d.query(ctx, `SELECT post_id, source, type, value, ts, snapshot FROM interactions WHERE post_id = ? ORDER BY ts ASC, id ASC`, postID)
}

// PurgeInteractions clears the log. Only the explicit user data-reset path
// calls this.
func (d *DB) PurgeInteractions(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM interactions`)
	return err
}

func (d *DB) query(ctx context.Context, q string, args ...any) ([]model.Interaction, error) {
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Interaction
	for rows.Next() {
		var in model.Interaction
		var typ, snap string
		var ts int64
		if err := rows.Scan(&in.PostID, &in.Source, &typ, &in.Value, &ts, &snap); err != nil {
			return nil, err
		}
		in.Type = model.InteractionType(typ)
		in.Timestamp = time.UnixMilli(ts).UTC()
		if snap != "" {
			_ = json.Unmarshal([]byte(snap), &in.Snapshot)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Snapshot is the persisted raw profile: the undecayed-to-now accumulators
// plus the time they were computed at.
type Snapshot struct {
	Timestamp      time.Time                 `json:"-"`
	RawTagScore    map[string]float64        `json:"rawTagScore"`
	TagEngagement  map[string]float64        `json:"tagEngagement"`
	TagCategory    map[string]model.Category `json:"tagCategory"`
	RawRatingScore map[model.Rating]float64  `json:"rawRatingScore"`
	RawMediaScore  map[string]float64        `json:"rawMediaScore"`
}

// SnapshotGet loads the persisted profile snapshot, or nil if none exists.
func (d *DB) SnapshotGet(ctx context.Context) (*Snapshot, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT ts, blob FROM profile_snapshot WHERE id=1`)
	var ts int64
	var blob string
	if err := row.Scan(&ts, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return nil, err
	}
	s.Timestamp = time.UnixMilli(ts).UTC()
	return &s, nil
}

// SnapshotPut stores the profile snapshot, replacing any previous one.
func (d *DB) SnapshotPut(ctx context.Context, s *Snapshot) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, `
		INSERT INTO profile_snapshot(id, ts, blob) VALUES(1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ts=excluded.ts, blob=excluded.blob`,
		s.Timestamp.UnixMilli(), string(blob))
	return err
}

// GetSetting returns the raw value for key, or "" if unset.
func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key)
	var v sql.NullString
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return v.String, nil
}

// SetSetting stores a raw setting value.
func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO settings(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

const (
	keyAvoidedTags = "avoided_tags"
	keyResetTime   = "recommendation_reset_time"
)

// AvoidedTags returns the comma-separated avoided-tag preference.
func (d *DB) AvoidedTags(ctx context.Context) ([]string, error) {
	v, err := d.GetSetting(ctx, keyAvoidedTags)
	if err != nil || v == "" {
		return nil, err
	}
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// SetAvoidedTags stores the avoided-tag preference.
func (d *DB) SetAvoidedTags(ctx context.Context, tags []string) error {
	return d.SetSetting(ctx, keyAvoidedTags, strings.Join(tags, ","))
}

// RecommendationResetTime returns the last profile reset time, zero if never.
func (d *DB) RecommendationResetTime(ctx context.Context) (time.Time, error) {
	v, err := d.GetSetting(ctx, keyResetTime)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetRecommendationResetTime records a profile reset instant.
func (d *DB) SetRecommendationResetTime(ctx context.Context, t time.Time) error {
	return d.SetSetting(ctx, keyResetTime, strconv.FormatInt(t.UnixMilli(), 10))
}
