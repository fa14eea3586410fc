package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tvbill/internal/storage"
)

type discoveryStore struct {
	s *Store
}

const discoveryColumns = `id, device_key, device_name, device_type, metadata, ip_address, last_seen,
	approved_at, approved_by, rejected_at, rejected_by, reject_reason, created_at`

func scanDiscovery(row rowScanner) (*storage.DiscoveryRecord, error) {
	var (
		d        storage.DiscoveryRecord
		lastSeen int64
		approved sql.NullInt64
		rejected sql.NullInt64
		created  int64
	)
	err := row.Scan(&d.ID, &d.DeviceKey, &d.DeviceName, &d.DeviceType, &d.Metadata, &d.IPAddress, &lastSeen,
		&approved, &d.ApprovedBy, &rejected, &d.RejectedBy, &d.RejectReason, &created)
	if err != nil {
		return nil, err
	}
	d.LastSeen = fromMillis(lastSeen)
	d.ApprovedAt = fromNullMillis(approved)
	d.RejectedAt = fromNullMillis(rejected)
	d.CreatedAt = fromMillis(created)
	return &d, nil
}

func (ds *discoveryStore) list(ctx context.Context, query string, args ...any) ([]storage.DiscoveryRecord, error) {
	rows, err := ds.s.query(ctx, ds.s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	defer rows.Close()

	var records []storage.DiscoveryRecord
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		records = append(records, *d)
	}
	return records, rows.Err()
}

func (ds *discoveryStore) Create(ctx context.Context, record *storage.DiscoveryRecord) error {
	if strings.TrimSpace(record.DeviceKey) == "" {
		return fmt.Errorf("device key is required")
	}
	if record.LastSeen.IsZero() {
		record.LastSeen = time.Now().UTC()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.LastSeen
	}

	id, err := ds.s.insert(ctx, ds.s.db,
		`INSERT INTO device_discoveries (device_key, device_name, device_type, metadata, ip_address, last_seen,
		   approved_at, approved_by, rejected_at, rejected_by, reject_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.DeviceKey, record.DeviceName, record.DeviceType, record.Metadata, record.IPAddress,
		toMillis(record.LastSeen), nullMillis(record.ApprovedAt), record.ApprovedBy,
		nullMillis(record.RejectedAt), record.RejectedBy, record.RejectReason, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("create discovery for %s: %w", record.DeviceKey, err)
	}
	record.ID = id
	return nil
}

func (ds *discoveryStore) Get(ctx context.Context, id int64) (*storage.DiscoveryRecord, error) {
	d, err := scanDiscovery(ds.s.queryRow(ctx, ds.s.db,
		`SELECT `+discoveryColumns+` FROM device_discoveries WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (ds *discoveryStore) List(ctx context.Context) ([]storage.DiscoveryRecord, error) {
	return ds.list(ctx, `SELECT `+discoveryColumns+` FROM device_discoveries ORDER BY last_seen DESC, id DESC`)
}

func (ds *discoveryStore) ListPending(ctx context.Context) ([]storage.DiscoveryRecord, error) {
	return ds.list(ctx,
		`SELECT `+discoveryColumns+` FROM device_discoveries
		 WHERE approved_at IS NULL AND rejected_at IS NULL
		 ORDER BY last_seen DESC, id DESC`)
}

func (ds *discoveryStore) Approve(ctx context.Context, id int64, at time.Time, by string) (bool, error) {
	ok, err := ds.s.applied(ctx, ds.s.db,
		`UPDATE device_discoveries SET approved_at = ?, approved_by = ?
		 WHERE id = ? AND approved_at IS NULL AND rejected_at IS NULL`,
		toMillis(at), by, id)
	if err != nil {
		return false, fmt.Errorf("approve discovery %d: %w", id, err)
	}
	return ok, nil
}

func (ds *discoveryStore) Reject(ctx context.Context, id int64, at time.Time, by, reason string) (bool, error) {
	ok, err := ds.s.applied(ctx, ds.s.db,
		`UPDATE device_discoveries SET rejected_at = ?, rejected_by = ?, reject_reason = ?
		 WHERE id = ? AND approved_at IS NULL AND rejected_at IS NULL`,
		toMillis(at), by, reason, id)
	if err != nil {
		return false, fmt.Errorf("reject discovery %d: %w", id, err)
	}
	return ok, nil
}

func (ds *discoveryStore) DeleteStalePending(ctx context.Context, cutoff time.Time) (int, error) {
	return ds.deleteWhere(ctx, "stale pending",
		`DELETE FROM device_discoveries
		 WHERE approved_at IS NULL AND rejected_at IS NULL
		   AND last_seen < ?
		   AND device_key NOT IN (SELECT device_key FROM devices WHERE is_active = 1)`,
		toMillis(cutoff))
}

func (ds *discoveryStore) DeleteRejectedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return ds.deleteWhere(ctx, "old rejected",
		`DELETE FROM device_discoveries WHERE rejected_at IS NOT NULL AND rejected_at < ?`,
		toMillis(cutoff))
}

func (ds *discoveryStore) DeleteApprovedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return ds.deleteWhere(ctx, "old approved",
		`DELETE FROM device_discoveries
		 WHERE approved_at IS NOT NULL AND approved_at < ?
		   AND device_key IN (SELECT device_key FROM devices WHERE is_active = 1)`,
		toMillis(cutoff))
}

func (ds *discoveryStore) Delete(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return ds.deleteWhere(ctx, "selected",
		`DELETE FROM device_discoveries WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
}

func (ds *discoveryStore) deleteWhere(ctx context.Context, what, query string, args ...any) (int, error) {
	result, err := ds.s.exec(ctx, ds.s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s discoveries: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s discoveries: %w", what, err)
	}
	return int(n), nil
}
