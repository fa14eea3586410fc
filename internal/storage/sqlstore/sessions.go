package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tvbill/internal/storage"
	"github.com/shopspring/decimal"
)

type sessionStore struct {
	s *Store
}

const sessionSelect = `SELECT s.id, s.device_id, d.device_key, d.name, d.location,
       s.customer_name, COALESCE(s.package_id, 0), COALESCE(p.name, ''),
       s.duration_minutes, s.amount_paid, s.payment_type, s.status,
       s.start_time, s.end_time, s.paused_at, s.paused_duration_minutes,
       s.pause_reason, s.pause_notes, s.paused_by, s.resumed_by,
       s.payment_confirmed_at, s.payment_confirmed_by, s.payment_notes,
       s.created_by, s.created_at, s.updated_at
  FROM sessions s
  JOIN devices d ON d.id = s.device_id
  LEFT JOIN packages p ON p.id = s.package_id`

func scanSession(row rowScanner) (*storage.Session, error) {
	var (
		s           storage.Session
		paymentType string
		status      string
		reason      string
		start       int64
		end         sql.NullInt64
		pausedAt    sql.NullInt64
		confirmedAt sql.NullInt64
		created     int64
		updated     int64
	)
	err := row.Scan(
		&s.ID, &s.DeviceID, &s.DeviceKey, &s.DeviceName, &s.DeviceLocation,
		&s.CustomerName, &s.PackageID, &s.PackageName,
		&s.DurationMinutes, &s.AmountPaid, &paymentType, &status,
		&start, &end, &pausedAt, &s.PausedDurationMinutes,
		&reason, &s.PauseNotes, &s.PausedBy, &s.ResumedBy,
		&confirmedAt, &s.PaymentConfirmedBy, &s.PaymentNotes,
		&s.CreatedBy, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	s.PaymentType = storage.PaymentType(paymentType)
	s.Status = storage.SessionStatus(status)
	s.PauseReason = storage.PauseReason(reason)
	s.StartTime = fromMillis(start)
	s.EndTime = fromNullMillis(end)
	s.PausedAt = fromNullMillis(pausedAt)
	s.PaymentConfirmedAt = fromNullMillis(confirmedAt)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}

func (ss *sessionStore) list(ctx context.Context, where string, args ...any) ([]storage.Session, error) {
	rows, err := ss.s.query(ctx, ss.s.db, sessionSelect+" "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (ss *sessionStore) Create(ctx context.Context, session *storage.Session, initial storage.PackageAddition) error {
	now := session.CreatedAt
	if now.IsZero() {
		now = session.StartTime
	}
	if session.Status == "" {
		session.Status = storage.SessionActive
	}
	if session.PaymentType == "" {
		session.PaymentType = storage.PaymentPrepaid
	}

	var packageID sql.NullInt64
	if session.PackageID != 0 {
		packageID = sql.NullInt64{Int64: session.PackageID, Valid: true}
	}

	return ss.s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := ss.s.insert(ctx, tx,
			`INSERT INTO sessions (device_id, customer_name, package_id, duration_minutes, amount_paid,
			   payment_type, status, start_time, paused_duration_minutes, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			session.DeviceID, session.CustomerName, packageID, session.DurationMinutes,
			session.AmountPaid.String(), string(session.PaymentType), string(session.Status),
			toMillis(session.StartTime), session.CreatedBy, toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		initial.SessionID = id
		if initial.Type == "" {
			initial.Type = storage.AdditionInitial
		}
		if initial.CreatedAt.IsZero() {
			initial.CreatedAt = now
		}
		if err := ss.insertAddition(ctx, tx, &initial); err != nil {
			return err
		}

		session.ID = id
		session.CreatedAt = now.UTC()
		session.UpdatedAt = now.UTC()
		return nil
	})
}

func (ss *sessionStore) insertAddition(ctx context.Context, q querier, a *storage.PackageAddition) error {
	var packageID sql.NullInt64
	if a.PackageID != nil {
		packageID = sql.NullInt64{Int64: *a.PackageID, Valid: true}
	}
	id, err := ss.s.insert(ctx, q,
		`INSERT INTO session_package_additions (session_id, package_id, package_name, minutes, price, type, added_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, packageID, a.PackageName, a.Minutes, a.Price.String(), string(a.Type), a.AddedBy, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert package addition: %w", err)
	}
	a.ID = id
	return nil
}

func (ss *sessionStore) Get(ctx context.Context, id int64) (*storage.Session, error) {
	s, err := scanSession(ss.s.queryRow(ctx, ss.s.db, sessionSelect+" WHERE s.id = ?", id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (ss *sessionStore) List(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "s.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DeviceID != 0 {
		conds = append(conds, "s.device_id = ?")
		args = append(args, filter.DeviceID)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	sessions, err := ss.list(ctx, where+" ORDER BY s.start_time DESC, s.id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (ss *sessionStore) ListOpenForDevice(ctx context.Context, deviceID int64) ([]storage.Session, error) {
	sessions, err := ss.list(ctx, "WHERE s.device_id = ? AND s.status IN (?, ?) ORDER BY s.start_time DESC",
		deviceID, string(storage.SessionActive), string(storage.SessionPendingPayment))
	if err != nil {
		return nil, fmt.Errorf("list open sessions for device %d: %w", deviceID, err)
	}
	return sessions, nil
}

func (ss *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	sessions, err := ss.list(ctx, "WHERE s.status = ? ORDER BY s.start_time", string(storage.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

func (ss *sessionStore) ListActiveOnSilentDevices(ctx context.Context, cutoff time.Time) ([]storage.Session, error) {
	sessions, err := ss.list(ctx,
		`WHERE s.status = ?
		   AND s.paused_at IS NULL
		   AND d.is_active = 1
		   AND (d.last_heartbeat IS NULL OR d.last_heartbeat < ?)
		 ORDER BY s.id`,
		string(storage.SessionActive), toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list sessions on silent devices: %w", err)
	}
	return sessions, nil
}

func (ss *sessionStore) ListCompletedSince(ctx context.Context, since time.Time) ([]storage.Session, error) {
	sessions, err := ss.list(ctx,
		"WHERE s.status IN (?, ?) AND s.end_time >= ? ORDER BY s.end_time DESC",
		string(storage.SessionCompleted), string(storage.SessionPendingPayment), toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	return sessions, nil
}

func (ss *sessionStore) AddTime(ctx context.Context, id int64, minutes int, amount decimal.Decimal, addition storage.PackageAddition) (bool, error) {
	var ok bool
	err := ss.s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := ss.s.queryRow(ctx, tx,
			`SELECT amount_paid FROM sessions WHERE id = ? AND status = ?`,
			id, string(storage.SessionActive)).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read session %d: %w", id, err)
		}
		paid, err := decimal.NewFromString(current)
		if err != nil {
			return fmt.Errorf("parse amount for session %d: %w", id, err)
		}

		ok, err = ss.s.applied(ctx, tx,
			`UPDATE sessions
			    SET duration_minutes = duration_minutes + ?,
			        amount_paid = ?,
			        updated_at = ?
			  WHERE id = ? AND status = ? AND amount_paid = ?`,
			minutes, paid.Add(amount).String(), toMillis(addition.CreatedAt),
			id, string(storage.SessionActive), current)
		if err != nil {
			return fmt.Errorf("add time to session %d: %w", id, err)
		}
		if !ok {
			return nil
		}

		addition.SessionID = id
		addition.Type = storage.AdditionAdditional
		return ss.insertAddition(ctx, tx, &addition)
	})
	return ok, err
}

func (ss *sessionStore) Pause(ctx context.Context, id int64, info storage.PauseInfo) (bool, error) {
	ok, err := ss.s.applied(ctx, ss.s.db,
		`UPDATE sessions
		    SET paused_at = ?, pause_reason = ?, pause_notes = ?, paused_by = ?, updated_at = ?
		  WHERE id = ? AND status = ? AND paused_at IS NULL`,
		toMillis(info.At), string(info.Reason), info.Notes, info.By, toMillis(info.At),
		id, string(storage.SessionActive))
	if err != nil {
		return false, fmt.Errorf("pause session %d: %w", id, err)
	}
	return ok, nil
}

func (ss *sessionStore) Resume(ctx context.Context, id int64, pausedAt time.Time, spanMinutes int, by string, at time.Time) (bool, error) {
	ok, err := ss.s.applied(ctx, ss.s.db,
		`UPDATE sessions
		    SET paused_at = NULL,
		        paused_duration_minutes = paused_duration_minutes + ?,
		        resumed_by = ?,
		        updated_at = ?
		  WHERE id = ? AND status = ? AND paused_at = ?`,
		spanMinutes, by, toMillis(at), id, string(storage.SessionActive), toMillis(pausedAt))
	if err != nil {
		return false, fmt.Errorf("resume session %d: %w", id, err)
	}
	return ok, nil
}

func (ss *sessionStore) Complete(ctx context.Context, id int64, info storage.CompleteInfo) (bool, error) {
	status := info.Status
	if status == "" {
		status = storage.SessionCompleted
	}
	from := info.From
	if from == "" {
		from = storage.SessionActive
	}
	query := `UPDATE sessions
	    SET status = ?,
	        end_time = COALESCE(end_time, ?),
	        paused_at = NULL,
	        paused_duration_minutes = paused_duration_minutes + ?,
	        updated_at = ?
	  WHERE id = ? AND status = ?`
	args := []any{string(status), toMillis(info.At), info.ExtraPausedMinutes, toMillis(info.At), id, string(from)}
	if info.PausedAt == nil {
		query += " AND paused_at IS NULL"
	} else {
		query += " AND paused_at = ?"
		args = append(args, toMillis(*info.PausedAt))
	}
	ok, err := ss.s.applied(ctx, ss.s.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("complete session %d: %w", id, err)
	}
	return ok, nil
}

func (ss *sessionStore) ConfirmPayment(ctx context.Context, id int64, at time.Time, by, notes string) (bool, error) {
	ok, err := ss.s.applied(ctx, ss.s.db,
		`UPDATE sessions
		    SET status = ?, payment_confirmed_at = ?, payment_confirmed_by = ?, payment_notes = ?,
		        end_time = COALESCE(end_time, ?), updated_at = ?
		  WHERE id = ? AND status = ?`,
		string(storage.SessionCompleted), toMillis(at), by, notes, toMillis(at), toMillis(at),
		id, string(storage.SessionPendingPayment))
	if err != nil {
		return false, fmt.Errorf("confirm payment for session %d: %w", id, err)
	}
	return ok, nil
}

func (ss *sessionStore) Cancel(ctx context.Context, id int64, at time.Time, by string) (bool, error) {
	ok, err := ss.s.applied(ctx, ss.s.db,
		`UPDATE sessions
		    SET status = ?, end_time = COALESCE(end_time, ?), paused_at = NULL, updated_at = ?
		  WHERE id = ? AND status IN (?, ?)`,
		string(storage.SessionCancelled), toMillis(at), toMillis(at),
		id, string(storage.SessionActive), string(storage.SessionPendingPayment))
	if err != nil {
		return false, fmt.Errorf("cancel session %d: %w", id, err)
	}
	return ok, nil
}

func (ss *sessionStore) Additions(ctx context.Context, sessionID int64) ([]storage.PackageAddition, error) {
	rows, err := ss.s.query(ctx, ss.s.db,
		`SELECT id, session_id, package_id, package_name, minutes, price, type, added_by, created_at
		   FROM session_package_additions
		  WHERE session_id = ?
		  ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list additions for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var additions []storage.PackageAddition
	for rows.Next() {
		var (
			a         storage.PackageAddition
			packageID sql.NullInt64
			kind      string
			created   int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &packageID, &a.PackageName, &a.Minutes, &a.Price, &kind, &a.AddedBy, &created); err != nil {
			return nil, fmt.Errorf("scan addition: %w", err)
		}
		if packageID.Valid {
			v := packageID.Int64
			a.PackageID = &v
		}
		a.Type = storage.AdditionType(kind)
		a.CreatedAt = fromMillis(created)
		additions = append(additions, a)
	}
	return additions, rows.Err()
}
