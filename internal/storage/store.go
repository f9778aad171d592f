// Package storage persists the call history log and a channel-name cache in
// SQLite. Nothing here is required for a call to work - the calling core
// treats the store as best-effort and keeps going when it is absent.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the on-disk SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry is one call history row.
type Entry struct {
	CallID    string
	ChannelID int64
	Channel   string
	Peer      string
	Video     bool
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// Open opens or creates the database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "callbridge.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrency between the call loop and history reads.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_log (
			call_id     TEXT PRIMARY KEY,
			channel_id  INTEGER NOT NULL,
			channel     TEXT NOT NULL DEFAULT '',
			peer        TEXT NOT NULL DEFAULT '',
			video       INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER,
			duration_ms INTEGER
		);
		CREATE TABLE IF NOT EXISTS channel_cache (
			channel_id INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a call log row when a call begins.
func (s *Store) RecordStart(callID string, channelID int64, channel, peer string, video bool, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO call_log (call_id, channel_id, channel, peer, video, status, started_at)
		VALUES (?, ?, ?, ?, ?, 'connecting', ?)`,
		callID, channelID, channel, peer, boolInt(video), startedAt.UnixMilli())
	return err
}

// RecordEnd finalizes a call log row with its terminal status and duration.
func (s *Store) RecordEnd(callID, status string, endedAt time.Time, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE call_log SET status = ?, ended_at = ?, duration_ms = ? WHERE call_id = ?`,
		status, endedAt.UnixMilli(), duration.Milliseconds(), callID)
	return err
}

// RecordMissed logs an invitation that rang out unanswered.
func (s *Store) RecordMissed(callID string, channelID int64, peer string, video bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO call_log (call_id, channel_id, peer, video, status, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, 'missed', ?, ?, 0)`,
		callID, channelID, peer, boolInt(video), at.UnixMilli(), at.UnixMilli())
	return err
}

// Recent returns the newest limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT call_id, channel_id, channel, peer, video, status, started_at,
		       COALESCE(ended_at, 0), COALESCE(duration_ms, 0)
		FROM call_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var video int
		var startMs, endMs, durMs int64
		if err := rows.Scan(&e.CallID, &e.ChannelID, &e.Channel, &e.Peer, &video, &e.Status, &startMs, &endMs, &durMs); err != nil {
			return nil, err
		}
		e.Video = video != 0
		e.StartedAt = time.UnixMilli(startMs)
		if endMs > 0 {
			e.EndedAt = time.UnixMilli(endMs)
		}
		e.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// CacheChannel remembers a channel's display name.
func (s *Store) CacheChannel(channelID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO channel_cache (channel_id, name, fetched_at)
		VALUES (?, ?, ?)`,
		channelID, name, time.Now().UnixMilli())
	return err
}

// ChannelName returns the cached display name for a channel, if present.
func (s *Store) ChannelName(channelID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var name string
	err := s.db.QueryRow(`SELECT name FROM channel_cache WHERE channel_id = ?`, channelID).Scan(&name)
	if err != nil {
		return "", false
	}
	return name, true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
