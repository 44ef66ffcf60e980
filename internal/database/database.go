package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"media-delivery/internal/logging"
	"media-delivery/internal/mediatypes"
	"media-delivery/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// IndexStats summarises the last index run.
type IndexStats struct {
	TotalVideos   int       `json:"totalVideos"`
	ProbeFailures int       `json:"probeFailures"`
	Changed       int       `json:"changed"`
	Removed       int       `json:"removed"`
	LastIndexed   time.Time `json:"lastIndexed"`
	IndexDuration string    `json:"indexDuration"`
}

// ProfileRecord is a stored profile together with the source file state it
// was probed from. ProbeError is set when ffprobe could not read the file;
// such rows keep their size and mtime so the file is not re-probed until it
// changes, but are never served.
type ProfileRecord struct {
	mediatypes.MediaStreamProfile
	Size       int64
	ModTime    time.Time
	ProbeError string
}

// FileState is the size and modification time recorded for a source path.
type FileState struct {
	MediaID string
	Size    int64
	ModTime int64
}

// Database stores probed media profiles.
type Database struct {
	db      *sql.DB
	dbPath  string
	mu      sync.RWMutex
	stats   IndexStats
	statsMu sync.RWMutex
}

// New creates a new Database instance.
// IMPORTANT: dbPath should be the full path to the database FILE (e.g., "/database/media.db"),
// and the parent directory must already exist and be writable.
func New(ctx context.Context, dbPath string) (*Database, error) {
	logging.Info("Database path: %s", dbPath)

	if err := diagnoseDatabasePermissions(dbPath); err != nil {
		logging.Warn("Database permission diagnostics: %v", err)
	}

	// busy_timeout helps prevent "database is locked" errors while the
	// indexer writes and playback requests read.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Info("Database initialized successfully at %s", dbPath)
	return d, nil
}

func (d *Database) initialize(ctx context.Context) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("initialize_schema", start, err) }()

	schema := `
	-- Probed source files
	CREATE TABLE IF NOT EXISTS media_profiles (
		media_id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time INTEGER NOT NULL,
		video_codec TEXT NOT NULL DEFAULT '',
		audio_codec TEXT NOT NULL DEFAULT '',
		container_format TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		duration REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_media_profiles_path ON media_profiles(path);

	-- Key/value state such as the last index run
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err = d.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	err = d.runMigrations(ctx)
	return err
}

// runMigrations applies database schema migrations
func (d *Database) runMigrations(ctx context.Context) error {
	// Migration 1: Add probe_error column if it doesn't exist
	var columnExists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM pragma_table_info('media_profiles')
		WHERE name='probe_error'
	`).Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("failed to check for probe_error column: %w", err)
	}

	if !columnExists {
		logging.Info("Migrating database: adding probe_error column to media_profiles table")

		_, err = d.db.ExecContext(ctx, `
			ALTER TABLE media_profiles ADD COLUMN probe_error TEXT NOT NULL DEFAULT ''
		`)
		if err != nil {
			return fmt.Errorf("failed to add probe_error column: %w", err)
		}

		logging.Info("Migration complete: probe_error column added")
	}

	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// UpsertProfile inserts or replaces the profile stored for rec.MediaID.
func (d *Database) UpsertProfile(ctx context.Context, rec ProfileRecord) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("upsert_profile", start, err) }()

	if err = mediatypes.ValidateMediaID(rec.MediaID); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO media_profiles (
			media_id, path, size, mod_time, video_codec, audio_codec,
			container_format, width, height, duration, probe_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(media_id) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			mod_time = excluded.mod_time,
			video_codec = excluded.video_codec,
			audio_codec = excluded.audio_codec,
			container_format = excluded.container_format,
			width = excluded.width,
			height = excluded.height,
			duration = excluded.duration,
			probe_error = excluded.probe_error,
			updated_at = excluded.updated_at
	`,
		rec.MediaID, rec.SourcePath, rec.Size, rec.ModTime.Unix(),
		rec.VideoCodec, rec.AudioCodec, rec.ContainerFormat,
		rec.Width, rec.Height, rec.DurationSeconds, rec.ProbeError, time.Now().Unix(),
	)
	return err
}

// GetProfile returns the stored profile for mediaID. The boolean is false
// when the id is unknown or its source could not be probed.
func (d *Database) GetProfile(ctx context.Context, mediaID string) (mediatypes.MediaStreamProfile, bool, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_profile", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var p mediatypes.MediaStreamProfile
	err = d.db.QueryRowContext(ctx, `
		SELECT media_id, path, video_codec, audio_codec, container_format, width, height, duration
		FROM media_profiles
		WHERE media_id = ? AND probe_error = ''
	`, mediaID).Scan(&p.MediaID, &p.SourcePath, &p.VideoCodec, &p.AudioCodec,
		&p.ContainerFormat, &p.Width, &p.Height, &p.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return mediatypes.MediaStreamProfile{}, false, nil
	}
	if err != nil {
		return mediatypes.MediaStreamProfile{}, false, err
	}
	return p, true, nil
}

// ListProfiles returns every servable profile ordered by path, which is the
// order the background scheduler walks.
func (d *Database) ListProfiles(ctx context.Context) ([]mediatypes.MediaStreamProfile, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_profiles", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT media_id, path, video_codec, audio_codec, container_format, width, height, duration
		FROM media_profiles
		WHERE probe_error = ''
		ORDER BY path
	`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("failed to close rows: %v", closeErr)
		}
	}()

	var profiles []mediatypes.MediaStreamProfile
	for rows.Next() {
		var p mediatypes.MediaStreamProfile
		if err = rows.Scan(&p.MediaID, &p.SourcePath, &p.VideoCodec, &p.AudioCodec,
			&p.ContainerFormat, &p.Width, &p.Height, &p.DurationSeconds); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	err = rows.Err()
	return profiles, err
}

// GetFileStates returns the recorded size and mtime of every stored path,
// including paths whose probe failed.
func (d *Database) GetFileStates(ctx context.Context) (map[string]FileState, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_file_states", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT path, media_id, size, mod_time FROM media_profiles`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("failed to close rows: %v", closeErr)
		}
	}()

	states := make(map[string]FileState)
	for rows.Next() {
		var path string
		var st FileState
		if err = rows.Scan(&path, &st.MediaID, &st.Size, &st.ModTime); err != nil {
			return nil, err
		}
		states[path] = st
	}
	err = rows.Err()
	return states, err
}

// DeleteProfile removes the row for mediaID. Deleting an unknown id is not an error.
func (d *Database) DeleteProfile(ctx context.Context, mediaID string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_profile", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, "DELETE FROM media_profiles WHERE media_id = ?", mediaID)
	return err
}

// UpdateStats updates the cached statistics.
func (d *Database) UpdateStats(stats IndexStats) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats = stats
}

// GetStats returns the current index statistics.
func (d *Database) GetStats() IndexStats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.stats
}

// Ping checks that the database answers.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// diagnoseDatabasePermissions checks database directory and file permissions
func diagnoseDatabasePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}

	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile)

	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o200 != 0 {
			continue
		}
		logging.Warn("%s is read-only (mode: %v), writes will fail", path, info.Mode())
		if path == dbPath {
			continue
		}
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			logging.Error("Failed to fix permissions of %s: %v", path, chmodErr)
		} else {
			logging.Info("Fixed permissions of %s", path)
		}
	}

	return nil
}
