// Package snapcache is the durable, process-local cache of Analysis
// Snapshots and ancillary items. Everything a collaborator produces lands
// here first; a failed or deferred sync never loses data because the cached
// entry stays until it is confirmed committed remotely.
package snapcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Item types mirror what the host application produces locally.
const (
	TypeAnalysis   = "analysis"
	TypeEmbedding  = "embedding"
	TypeConversion = "conversion"
	TypeExtraction = "extraction"
)

// Sync states for cached snapshots.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Model     string    `json:"model,omitempty"`
}

type Item struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
	FilePath string   `json:"filePath,omitempty"`
}

// SyncState is the local bookkeeping of whether an item has been confirmed
// committed remotely.
type SyncState struct {
	Status        string     `json:"status"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

type Stats struct {
	Count           int       `json:"count"`
	ApproxSizeBytes int64     `json:"approxSizeBytes"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// ErrNotFound is returned by Get and the sync-state accessors when no item
// has the given id.
var ErrNotFound = errors.New("cache item not found")

// Cache persists items in a SQLite file next to the host application's data.
// It is accessed only by the local process; the mutex linearizes concurrent
// mutations of the same id so the last call wins with no interleaving.
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			file_path TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			last_attempt_at TIMESTAMP,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Save stores item, overwriting any previous entry with the same id. A fresh
// save resets the sync state to pending: content that changed locally is no
// longer confirmed committed.
func (c *Cache) Save(ctx context.Context, item Item) error {
	if item.ID == "" {
		return errors.New("cache item id required")
	}
	if item.Metadata.Timestamp.IsZero() {
		item.Metadata.Timestamp = time.Now().UTC()
	}
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO items (id, type, content, metadata_json, file_path, sync_status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', '', ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type,
			content=excluded.content,
			metadata_json=excluded.metadata_json,
			file_path=excluded.file_path,
			sync_status='pending',
			last_error='',
			updated_at=excluded.updated_at
	`, item.ID, item.Type, item.Content, string(metadata), item.FilePath, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save cache item: %w", err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, id string) (Item, error) {
	var item Item
	var metadata string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, type, content, metadata_json, file_path FROM items WHERE id=?
	`, id).Scan(&item.ID, &item.Type, &item.Content, &metadata, &item.FilePath)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get cache item: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
		return Item{}, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return item, nil
}

// List returns all items, newest first, optionally filtered by type. An
// entry whose metadata no longer decodes is skipped rather than aborting the
// enumeration of the rest.
func (c *Cache) List(ctx context.Context, typeFilter string) ([]Item, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, type, content, metadata_json, file_path
		FROM items
		WHERE (?='' OR type=?)
		ORDER BY updated_at DESC
	`, typeFilter, typeFilter)
	if err != nil {
		return nil, fmt.Errorf("list cache items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		var metadata string
		if err := rows.Scan(&item.ID, &item.Type, &item.Content, &metadata, &item.FilePath); err != nil {
			return nil, fmt.Errorf("scan cache item: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			// One corrupt entry must not block access to the rest.
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache items: %w", err)
	}
	return items, nil
}

// Delete removes one item. Deleting an absent id is a no-op; other items are
// never affected.
func (c *Cache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete cache item: %w", err)
	}
	return nil
}

// MarkPending, MarkSynced and MarkFailed record the outcome of a
// synchronization attempt. The engine never calls these; the orchestrating
// caller does, based on the engine's result.

func (c *Cache) MarkPending(ctx context.Context, id string) error {
	return c.setState(ctx, id, StatusPending, "")
}

func (c *Cache) MarkSynced(ctx context.Context, id string) error {
	return c.setState(ctx, id, StatusSynced, "")
}

func (c *Cache) MarkFailed(ctx context.Context, id, lastError string) error {
	return c.setState(ctx, id, StatusFailed, lastError)
}

func (c *Cache) setState(ctx context.Context, id, status, lastError string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, err := c.db.ExecContext(ctx, `
		UPDATE items SET sync_status=?, last_attempt_at=?, last_error=? WHERE id=?
	`, status, time.Now().UTC(), lastError, id)
	if err != nil {
		return fmt.Errorf("mark cache item %s: %w", status, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark cache item rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Cache) State(ctx context.Context, id string) (SyncState, error) {
	var state SyncState
	var lastAttempt sql.NullTime
	err := c.db.QueryRowContext(ctx, `
		SELECT sync_status, last_attempt_at, last_error FROM items WHERE id=?
	`, id).Scan(&state.Status, &lastAttempt, &state.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, ErrNotFound
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("get cache item state: %w", err)
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		state.LastAttemptAt = &t
	}
	return state, nil
}

// ListPending returns ids of items still awaiting a confirmed sync, oldest
// first, so a retry loop drains in submission order.
func (c *Cache) ListPending(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM items WHERE sync_status='pending' ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending ids: %w", err)
	}
	return ids, nil
}

type exportEnvelope struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exportedAt"`
	Items      []exportItem `json:"items"`
}

type exportItem struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Metadata Metadata        `json:"metadata"`
	FilePath string          `json:"filePath,omitempty"`
}

// ExportAll serializes every readable item into one blob for backup or
// transfer to another machine.
func (c *Cache) ExportAll(ctx context.Context) ([]byte, error) {
	items, err := c.List(ctx, "")
	if err != nil {
		return nil, err
	}
	envelope := exportEnvelope{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Items:      make([]exportItem, 0, len(items)),
	}
	for _, item := range items {
		content, err := json.Marshal(item.Content)
		if err != nil {
			return nil, fmt.Errorf("encode content for %s: %w", item.ID, err)
		}
		envelope.Items = append(envelope.Items, exportItem{
			ID:       item.ID,
			Type:     item.Type,
			Content:  content,
			Metadata: item.Metadata,
			FilePath: item.FilePath,
		})
	}
	blob, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return blob, nil
}

// ImportAll loads a previously exported blob. Entries without an id or whose
// content is not a JSON string are skipped; the skip count is returned so
// callers can surface partial imports.
func (c *Cache) ImportAll(ctx context.Context, blob []byte) (imported, skipped int, err error) {
	var envelope exportEnvelope
	if err := json.Unmarshal(blob, &envelope); err != nil {
		return 0, 0, fmt.Errorf("decode import blob: %w", err)
	}
	for _, entry := range envelope.Items {
		var content string
		if entry.ID == "" || json.Unmarshal(entry.Content, &content) != nil {
			skipped++
			continue
		}
		item := Item{
			ID:       entry.ID,
			Type:     entry.Type,
			Content:  content,
			Metadata: entry.Metadata,
			FilePath: entry.FilePath,
		}
		if err := c.Save(ctx, item); err != nil {
			return imported, skipped, err
		}
		imported++
	}
	return imported, skipped, nil
}

// Stats reflects the true contents at call time; nothing is cached across
// mutations.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var lastUpdated sql.NullTime
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(LENGTH(content) + LENGTH(metadata_json)), 0),
		       MAX(updated_at)
		FROM items
	`).Scan(&stats.Count, &stats.ApproxSizeBytes, &lastUpdated)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	if lastUpdated.Valid {
		stats.LastUpdated = lastUpdated.Time
	}
	return stats, nil
}
