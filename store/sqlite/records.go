package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/subsidia/records-engine/generic"
)

// =============================================================================
// WORKERS
// =============================================================================

func (s *Store) Workers(ctx context.Context) ([]generic.Worker, error) {
	defer s.rlock()()

	rows, err := s.q.QueryContext(ctx, `SELECT name, active, created_at FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []generic.Worker
	for rows.Next() {
		var (
			w         generic.Worker
			createdAt string
		)
		if err := rows.Scan(&w.Name, &w.Active, &createdAt); err != nil {
			return nil, err
		}
		w.CreatedAt = parseTime(createdAt)
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// SaveWorker upserts by case-folded name; the stored spelling is kept.
func (s *Store) SaveWorker(ctx context.Context, w generic.Worker) error {
	defer s.lock()()

	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workers (worker_key, name, active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker_key) DO UPDATE SET active = excluded.active
	`, generic.WorkerKey(w.Name), w.Name, w.Active, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

// =============================================================================
// PAY-RECORDS
// =============================================================================

const recordColumns = `id, worker, work_date, owed_cents, paid_cents, kind, activity, notes, created_at`

func (s *Store) InsertRecords(ctx context.Context, records []generic.PayRecord) error {
	if !s.inTx {
		return s.WithTx(ctx, func(tx generic.Store) error { return tx.InsertRecords(ctx, records) })
	}
	for _, r := range records {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO pay_records (id, worker, worker_key, work_date, owed_cents, paid_cents, kind, activity, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(r.ID),
			r.Worker,
			generic.WorkerKey(r.Worker),
			r.Date.String(),
			generic.ToCents(r.Owed),
			generic.ToCents(r.Paid),
			int(r.Kind),
			nullString(r.Activity),
			nullString(r.Notes),
			formatTime(r.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("pay record %s already exists: %w", r.ID, err)
			}
			return fmt.Errorf("failed to insert pay record: %w", err)
		}
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id generic.RecordID) (generic.PayRecord, error) {
	defer s.rlock()()

	row := s.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM pay_records WHERE id = ?`, string(id))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.PayRecord{}, generic.ErrRecordNotFound
	}
	return r, err
}

// UpdateRecord rewrites everything but worker and paid.
func (s *Store) UpdateRecord(ctx context.Context, r generic.PayRecord) error {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx, `
		UPDATE pay_records
		SET work_date = ?, owed_cents = ?, kind = ?, activity = ?, notes = ?
		WHERE id = ?
	`, r.Date.String(), generic.ToCents(r.Owed), int(r.Kind), nullString(r.Activity), nullString(r.Notes), string(r.ID))
	if err != nil {
		if isCheckConstraintError(err) {
			return generic.ErrOwedBelowPaid
		}
		return fmt.Errorf("failed to update pay record: %w", err)
	}
	return expectOneRow(res, generic.ErrRecordNotFound)
}

func (s *Store) DeleteRecord(ctx context.Context, id generic.RecordID) error {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx, `DELETE FROM pay_records WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete pay record: %w", err)
	}
	return expectOneRow(res, generic.ErrRecordNotFound)
}

func (s *Store) Records(ctx context.Context, filter generic.RecordFilter) ([]generic.PayRecord, error) {
	defer s.rlock()()

	query := `SELECT ` + recordColumns + ` FROM pay_records WHERE 1 = 1`
	var args []any
	if !filter.From.IsZero() {
		query += ` AND work_date >= ?`
		args = append(args, filter.From.String())
	}
	if !filter.To.IsZero() {
		query += ` AND work_date <= ?`
		args = append(args, filter.To.String())
	}
	if filter.Search != "" {
		query += ` AND instr(worker_key, ?) > 0`
		args = append(args, generic.WorkerKey(filter.Search))
	}
	query += ` ORDER BY work_date DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryRecords(ctx, query, args...)
}

func (s *Store) OutstandingRecords(ctx context.Context, workers []string) ([]generic.PayRecord, error) {
	if len(workers) == 0 {
		return nil, nil
	}
	defer s.rlock()()

	args := make([]any, len(workers))
	for i, w := range workers {
		args[i] = generic.WorkerKey(w)
	}
	query := `SELECT ` + recordColumns + ` FROM pay_records
		WHERE worker_key IN (` + placeholders(len(workers)) + `) AND paid_cents < owed_cents
		ORDER BY work_date ASC, id ASC`
	return s.queryRecords(ctx, query, args...)
}

func (s *Store) PaidRecords(ctx context.Context, worker string) ([]generic.PayRecord, error) {
	defer s.rlock()()

	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM pay_records
		WHERE worker_key = ? AND paid_cents > 0
		ORDER BY work_date DESC, id DESC`, generic.WorkerKey(worker))
}

// ApplyPayments writes every update conditionally. Outside WithTx it opens
// its own transaction so a failed condition writes nothing.
func (s *Store) ApplyPayments(ctx context.Context, updates []generic.PaymentUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if !s.inTx {
		return s.WithTx(ctx, func(tx generic.Store) error { return tx.ApplyPayments(ctx, updates) })
	}
	for _, u := range updates {
		newPaid := generic.ToCents(u.NewPaid)
		res, err := s.q.ExecContext(ctx, `
			UPDATE pay_records SET paid_cents = ?
			WHERE id = ? AND paid_cents = ? AND owed_cents >= ?
		`, newPaid, string(u.RecordID), generic.ToCents(u.PreviousPaid), newPaid)
		if err != nil {
			return fmt.Errorf("failed to apply payment to %s: %w", u.RecordID, err)
		}
		if err := expectOneRow(res, generic.ErrConcurrentModification); err != nil {
			return fmt.Errorf("record %s: %w", u.RecordID, err)
		}
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]generic.PayRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pay records: %w", err)
	}
	defer rows.Close()

	var records []generic.PayRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (generic.PayRecord, error) {
	var (
		r                   generic.PayRecord
		id, date, createdAt string
		owed, paid          int64
		kind                int
		activity, notes     sql.NullString
	)
	if err := row.Scan(&id, &r.Worker, &date, &owed, &paid, &kind, &activity, &notes, &createdAt); err != nil {
		return generic.PayRecord{}, err
	}
	d, err := parseDate(date)
	if err != nil {
		return generic.PayRecord{}, err
	}
	r.ID = generic.RecordID(id)
	r.Date = d
	r.Owed = generic.FromCents(owed)
	r.Paid = generic.FromCents(paid)
	r.Kind = generic.WorkKind(kind)
	r.Activity = activity.String
	r.Notes = notes.String
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
