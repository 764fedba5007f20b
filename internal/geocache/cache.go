// Package geocache persists geocode results between runs so previously
// resolved addresses, including non-matches, are not resubmitted.
package geocache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ahales-hash/locations/pkg/azuremaps"
)

// Cache is a SQLite-backed address geocode cache.
type Cache struct {
	db      *sql.DB
	ttlDays int
}

const migration = `
CREATE TABLE IF NOT EXISTS geocode_cache (
	address_hash TEXT PRIMARY KEY,
	latitude     REAL,
	longitude    REAL,
	status       TEXT NOT NULL,
	confidence   REAL,
	cached_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Open opens (creating if needed) the cache database at path. A ttlDays of
// zero disables expiry.
func Open(path string, ttlDays int) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "geocache: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "geocache: exec %s", pragma)
		}
	}
	if _, err := db.Exec(migration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "geocache: migrate")
	}
	return &Cache{db: db, ttlDays: ttlDays}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Key returns the SHA-256 hex of the normalized address.
func Key(address string) string {
	normalized := strings.ToLower(strings.TrimSpace(address))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// Get looks up a cached result for the address, respecting the TTL if one is
// configured. Cached non-matches are returned too so callers can skip
// resubmitting addresses the service could not resolve.
func (c *Cache) Get(ctx context.Context, address string) (*azuremaps.Result, bool, error) {
	query := "SELECT latitude, longitude, status, confidence FROM geocode_cache WHERE address_hash = ?"
	if c.ttlDays > 0 {
		query += fmt.Sprintf(" AND cached_at > datetime('now', '-%d days')", c.ttlDays)
	}

	var lat, lon, conf sql.NullFloat64
	var status string
	row := c.db.QueryRowContext(ctx, query, Key(address))
	if err := row.Scan(&lat, &lon, &status, &conf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "geocache: lookup")
	}

	r := &azuremaps.Result{Status: status}
	if lat.Valid {
		r.Lat = &lat.Float64
	}
	if lon.Valid {
		r.Lon = &lon.Float64
	}
	if conf.Valid {
		r.Confidence = &conf.Float64
	}

	zap.L().Debug("geocode cache hit", zap.String("status", status))
	return r, true, nil
}

// Put inserts or refreshes a cached result for the address.
func (c *Cache) Put(ctx context.Context, address string, r azuremaps.Result) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO geocode_cache (address_hash, latitude, longitude, status, confidence, cached_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (address_hash) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			status = excluded.status,
			confidence = excluded.confidence,
			cached_at = excluded.cached_at`,
		Key(address), nullFloat(r.Lat), nullFloat(r.Lon), r.Status, nullFloat(r.Confidence),
	)
	if err != nil {
		return eris.Wrap(err, "geocache: store")
	}
	return nil
}

// Stats reports the total number of cached entries and how many are matches.
func (c *Cache) Stats(ctx context.Context) (total, matched int64, err error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), 0) FROM geocode_cache",
		azuremaps.StatusNoMatch,
	)
	if err := row.Scan(&total, &matched); err != nil {
		return 0, 0, eris.Wrap(err, "geocache: stats")
	}
	return total, matched, nil
}

// Clear deletes all cached entries and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM geocode_cache")
	if err != nil {
		return 0, eris.Wrap(err, "geocache: clear")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "geocache: rows affected")
	}
	return n, nil
}

// nullFloat returns nil for nil pointers, allowing NULL storage.
func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
