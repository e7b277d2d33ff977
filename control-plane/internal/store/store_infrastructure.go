package store

import (
	"context"
	"fmt"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// reportedTables are the tables whose size is surfaced in health reports.
var reportedTables = []string{"onu_records", "executions", "tasks", "hosts"}

// GetDatabaseSize returns the total size of the database in bytes.
func (s *Store) GetDatabaseSize(ctx context.Context) (int64, error) {
	var size int64
	err := s.pool.QueryRow(ctx, `
		SELECT pg_database_size(current_database())
	`).Scan(&size)
	return size, err
}

// GetTableStats returns size and live row estimates for the poller's tables,
// largest first.
func (s *Store) GetTableStats(ctx context.Context) ([]types.TableStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.relname::text,
		       pg_total_relation_size(c.oid)::bigint AS size_bytes,
		       COALESCE(st.n_live_tup, 0)::bigint AS live_rows
		FROM pg_class c
		LEFT JOIN pg_stat_user_tables st ON st.relid = c.oid
		WHERE c.relkind = 'r' AND c.relname = ANY($1)
		ORDER BY size_bytes DESC
	`, reportedTables)
	if err != nil {
		return nil, fmt.Errorf("querying table stats: %w", err)
	}
	defer rows.Close()

	var stats []types.TableStats
	for rows.Next() {
		var ts types.TableStats
		if err := rows.Scan(&ts.Name, &ts.SizeBytes, &ts.LiveRows); err != nil {
			return nil, fmt.Errorf("scanning table stats: %w", err)
		}
		ts.SizeFormatted = formatBytes(ts.SizeBytes)
		stats = append(stats, ts)
	}
	return stats, rows.Err()
}

// formatBytes converts bytes to a human-readable string.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
