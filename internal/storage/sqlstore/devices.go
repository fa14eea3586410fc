package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tvbill/internal/storage"
)

type deviceStore struct {
	s *Store
}

const deviceColumns = `id, device_key, name, location, ip_address, status, last_heartbeat, is_active, created_at, updated_at`

func scanDevice(row rowScanner) (*storage.Device, error) {
	var (
		d         storage.Device
		status    string
		heartbeat sql.NullInt64
		active    int
		created   int64
		updated   int64
	)
	if err := row.Scan(&d.ID, &d.DeviceKey, &d.Name, &d.Location, &d.IPAddress, &status, &heartbeat, &active, &created, &updated); err != nil {
		return nil, err
	}
	d.Status = storage.DeviceStatus(status)
	d.LastHeartbeat = fromNullMillis(heartbeat)
	d.Active = active == 1
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

func (ds *deviceStore) collect(rows *sql.Rows) ([]storage.Device, error) {
	defer rows.Close()
	var devices []storage.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (ds *deviceStore) Get(ctx context.Context, id int64) (*storage.Device, error) {
	d, err := scanDevice(ds.s.queryRow(ctx, ds.s.db,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (ds *deviceStore) GetByKey(ctx context.Context, key string) (*storage.Device, error) {
	d, err := scanDevice(ds.s.queryRow(ctx, ds.s.db,
		`SELECT `+deviceColumns+` FROM devices WHERE device_key = ? AND is_active = 1`, key))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (ds *deviceStore) List(ctx context.Context) ([]storage.Device, error) {
	rows, err := ds.s.query(ctx, ds.s.db,
		`SELECT `+deviceColumns+` FROM devices WHERE is_active = 1 ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return ds.collect(rows)
}

func (ds *deviceStore) Register(ctx context.Context, device *storage.Device) error {
	key := strings.TrimSpace(device.DeviceKey)
	if key == "" {
		return fmt.Errorf("device key is required")
	}
	now := device.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if device.Status == "" {
		device.Status = storage.DeviceOnline
	}

	id, err := ds.s.insert(ctx, ds.s.db,
		`INSERT INTO devices (device_key, name, location, ip_address, status, last_heartbeat, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (device_key) DO UPDATE SET
		   name = excluded.name,
		   location = excluded.location,
		   ip_address = excluded.ip_address,
		   status = excluded.status,
		   last_heartbeat = excluded.last_heartbeat,
		   is_active = 1,
		   updated_at = excluded.updated_at`,
		key, device.Name, device.Location, device.IPAddress, string(device.Status),
		nullMillis(device.LastHeartbeat), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("register device %s: %w", key, err)
	}

	device.ID = id
	device.DeviceKey = key
	device.Active = true
	device.CreatedAt = now.UTC()
	device.UpdatedAt = now.UTC()
	return nil
}

func (ds *deviceStore) Touch(ctx context.Context, key string, update storage.DeviceUpdate, at time.Time) (storage.DeviceStatus, error) {
	var previous storage.DeviceStatus
	err := ds.s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := ds.s.queryRow(ctx, tx,
			`SELECT status FROM devices WHERE device_key = ? AND is_active = 1`, key).Scan(&status)
		if err != nil {
			return notFound(err)
		}
		previous = storage.DeviceStatus(status)

		_, err = ds.s.exec(ctx, tx,
			`UPDATE devices SET
			   last_heartbeat = ?,
			   status = ?,
			   name = COALESCE(?, name),
			   location = COALESCE(?, location),
			   ip_address = COALESCE(?, ip_address),
			   updated_at = ?
			 WHERE device_key = ? AND is_active = 1`,
			toMillis(at), string(storage.DeviceOnline),
			nullString(update.Name), nullString(update.Location), nullString(update.IPAddress),
			toMillis(at), key)
		if err != nil {
			return fmt.Errorf("touch device %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

func (ds *deviceStore) MarkOffline(ctx context.Context, id int64, at time.Time) (bool, error) {
	ok, err := ds.s.applied(ctx, ds.s.db,
		`UPDATE devices SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		string(storage.DeviceOffline), toMillis(at), id, string(storage.DeviceOffline))
	if err != nil {
		return false, fmt.Errorf("mark device %d offline: %w", id, err)
	}
	return ok, nil
}

func (ds *deviceStore) MarkOnline(ctx context.Context, id int64, at time.Time) error {
	_, err := ds.s.exec(ctx, ds.s.db,
		`UPDATE devices SET status = ?, updated_at = ? WHERE id = ?`,
		string(storage.DeviceOnline), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark device %d online: %w", id, err)
	}
	return nil
}

func (ds *deviceStore) ListSilent(ctx context.Context, cutoff time.Time) ([]storage.Device, error) {
	rows, err := ds.s.query(ctx, ds.s.db,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE is_active = 1
		   AND status <> ?
		   AND (last_heartbeat IS NULL OR last_heartbeat < ?)
		 ORDER BY id`,
		string(storage.DeviceOffline), toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list silent devices: %w", err)
	}
	return ds.collect(rows)
}

func (ds *deviceStore) SoftDelete(ctx context.Context, key string, at time.Time) error {
	ok, err := ds.s.applied(ctx, ds.s.db,
		`UPDATE devices SET is_active = 0, status = ?, updated_at = ? WHERE device_key = ? AND is_active = 1`,
		string(storage.DeviceOffline), toMillis(at), key)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", key, err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
