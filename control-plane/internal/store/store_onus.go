package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/onu-poller/pkg/types"
)

// =============================================================================
// ONU RECORDS
// =============================================================================

// ListIndexRefs returns every ONU record id and index under a host, ordered by id.
func (s *Store) ListIndexRefs(ctx context.Context, hostID int64) ([]types.IndexRef, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, onu_index FROM onu_records WHERE host_id = $1 ORDER BY id`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []types.IndexRef
	for rows.Next() {
		var r types.IndexRef
		if err := rows.Scan(&r.ID, &r.Index); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// MapIndices resolves device indices of a host to record ids. Indices with
// no record are left out of the result.
func (s *Store) MapIndices(ctx context.Context, hostID int64, indices []string) (map[string]int64, error) {
	out := make(map[string]int64, len(indices))
	if len(indices) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, onu_index FROM onu_records WHERE host_id = $1 AND onu_index = ANY($2)
	`, hostID, indices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var index string
		if err := rows.Scan(&id, &index); err != nil {
			return nil, err
		}
		out[index] = id
	}
	return out, rows.Err()
}

// GetOnu retrieves one record.
func (s *Store) GetOnu(ctx context.Context, id int64) (*types.OnuRecord, error) {
	var o types.OnuRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, host_id, onu_index, pon_if_index, onu_id, slot_port,
			description, status, plan, rx_power, tx_power, last_down_time, distance, model, provision_flag,
			refreshed_at, created_at
		FROM onu_records WHERE id = $1
	`, id).Scan(
		&o.ID, &o.HostID, &o.Index, &o.PonIfIndex, &o.OnuID, &o.SlotPort,
		&o.Description, &o.Status, &o.Plan, &o.RxPower, &o.TxPower, &o.LastDownTime, &o.Distance, &o.Model, &o.ProvisionFlag,
		&o.RefreshedAt, &o.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ApplyFieldWrite updates one column of one record in a single statement.
// It reports whether a value was written; a fill-empty write against a
// populated column leaves the stored value alone and returns false.
func (s *Store) ApplyFieldWrite(ctx context.Context, w types.FieldWrite) (bool, error) {
	if !types.IsKnownField(w.Field) {
		return false, fmt.Errorf("unknown field %q", w.Field)
	}
	col := pgx.Identifier{string(w.Field)}.Sanitize()

	var sql string
	switch w.Mode {
	case types.WriteOverwrite:
		sql = `UPDATE onu_records SET ` + col + ` = $2, refreshed_at = NOW() WHERE id = $1`
	case types.WriteFillEmpty:
		sql = `UPDATE onu_records SET ` + col + ` = $2 WHERE id = $1 AND (` + col + ` IS NULL OR ` + col + ` = '')`
	default:
		return false, fmt.Errorf("unknown write mode %d", w.Mode)
	}

	tag, err := s.pool.Exec(ctx, sql, w.RecordID, w.Value)
	if err != nil {
		return false, fmt.Errorf("writing %s of record %d: %w", w.Field, w.RecordID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteOnus removes records of a host in one statement.
func (s *Store) DeleteOnus(ctx context.Context, hostID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM onu_records WHERE host_id = $1 AND id = ANY($2)`, hostID, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting %d onu records: %w", len(ids), err)
	}
	return tag.RowsAffected(), nil
}

// CountOnus returns the number of records under a host.
func (s *Store) CountOnus(ctx context.Context, hostID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM onu_records WHERE host_id = $1`, hostID).Scan(&n)
	return n, err
}

// UpsertDiscovered writes the result of a discovery walk. Rows are copied
// into a staging table and merged with ON CONFLICT (host_id, onu_index), so
// one walk costs one round trip regardless of its size.
func (s *Store) UpsertDiscovered(ctx context.Context, hostID int64, onus []types.DiscoveredOnu) (int64, error) {
	if len(onus) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE onu_discovery_staging (
			onu_index      TEXT NOT NULL,
			provision_flag TEXT,
			pon_if_index   BIGINT,
			onu_id         INTEGER,
			slot_port      TEXT
		) ON COMMIT DROP
	`)
	if err != nil {
		return 0, fmt.Errorf("creating staging table: %w", err)
	}

	rows := make([][]any, len(onus))
	for i, o := range onus {
		var ifIndex *int64
		var onuID *int32
		var slotPort *string
		if o.Pon != nil {
			v, id, sp := o.Pon.IfIndex, int32(o.Pon.OnuID), o.Pon.SlotPort()
			ifIndex, onuID, slotPort = &v, &id, &sp
		}
		rows[i] = []any{o.Index, o.ProvisionFlag, ifIndex, onuID, slotPort}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"onu_discovery_staging"},
		[]string{"onu_index", "provision_flag", "pon_if_index", "onu_id", "slot_port"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copying discovered onus: %w", err)
	}

	// DISTINCT ON guards against a walk that repeats an index.
	tag, err := tx.Exec(ctx, `
		INSERT INTO onu_records (host_id, onu_index, provision_flag, pon_if_index, onu_id, slot_port, refreshed_at)
		SELECT DISTINCT ON (onu_index) $1, onu_index, provision_flag, pon_if_index, onu_id, slot_port, NOW()
		FROM onu_discovery_staging
		ORDER BY onu_index
		ON CONFLICT (host_id, onu_index) DO UPDATE SET
			provision_flag = EXCLUDED.provision_flag,
			pon_if_index = COALESCE(onu_records.pon_if_index, EXCLUDED.pon_if_index),
			onu_id = COALESCE(onu_records.onu_id, EXCLUDED.onu_id),
			slot_port = COALESCE(onu_records.slot_port, EXCLUDED.slot_port),
			refreshed_at = NOW()
	`, hostID)
	if err != nil {
		return 0, fmt.Errorf("merging discovered onus: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListOnusMissingMeta returns up to limit records without a decoded PON location.
func (s *Store) ListOnusMissingMeta(ctx context.Context, limit int) ([]types.IndexRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, onu_index FROM onu_records
		WHERE slot_port IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []types.IndexRef
	for rows.Next() {
		var r types.IndexRef
		if err := rows.Scan(&r.ID, &r.Index); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// SetOnuMeta stores the decoded PON location of a record.
func (s *Store) SetOnuMeta(ctx context.Context, id int64, meta types.OnuMeta) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE onu_records SET pon_if_index = $2, onu_id = $3, slot_port = $4 WHERE id = $1
	`, id, meta.PonIfIndex, meta.OnuID, meta.SlotPort)
	return err
}
