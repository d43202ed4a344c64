// Package colmapdb reads summary statistics out of the reconstruction
// engine's SQLite feature database. Access is read-only; the database is
// created and written exclusively by the external engine.
package colmapdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// Stats summarizes the feature database for status reporting.
type Stats struct {
	Images        int
	Cameras       int
	Keypoints     int64
	MatchedPairs  int
	VerifiedPairs int
}

// ReadStats opens the feature database at path and returns its counts.
// A missing file is an error; the caller decides how to present it.
func ReadStats(ctx context.Context, path string) (*Stats, error) {
	_, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("feature database: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open feature database: %w", err)
	}
	defer db.Close()

	stats := &Stats{}

	queries := []struct {
		name  string
		query string
		dest  any
	}{
		{"count images", `SELECT COUNT(*) FROM images`, &stats.Images},
		{"count cameras", `SELECT COUNT(*) FROM cameras`, &stats.Cameras},
		{"sum keypoints", `SELECT COALESCE(SUM(rows), 0) FROM keypoints`, &stats.Keypoints},
		{"count matched pairs", `SELECT COUNT(*) FROM matches WHERE rows > 0`, &stats.MatchedPairs},
		{"count verified pairs", `SELECT COUNT(*) FROM two_view_geometries WHERE rows > 0`, &stats.VerifiedPairs},
	}

	for _, q := range queries {
		err = db.QueryRowContext(ctx, q.query).Scan(q.dest)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.name, err)
		}
	}

	return stats, nil
}
