package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/subsidia/records-engine/generic"
)

// =============================================================================
// DISBURSEMENTS (acconti) - header row + allocation lines
// =============================================================================

// SaveDisbursement replaces the header and all its allocation lines.
func (s *Store) SaveDisbursement(ctx context.Context, d generic.Disbursement) error {
	if !s.inTx {
		return s.WithTx(ctx, func(tx generic.Store) error { return tx.SaveDisbursement(ctx, d) })
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO disbursements (id, worker, worker_key, amount_cents, disbursed_on, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount_cents = excluded.amount_cents,
			disbursed_on = excluded.disbursed_on,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`,
		string(d.ID),
		d.Worker,
		generic.WorkerKey(d.Worker),
		generic.ToCents(d.Amount),
		d.Date.String(),
		nullString(d.Notes),
		formatTime(d.CreatedAt),
		formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save disbursement: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, `DELETE FROM disbursement_allocations WHERE disbursement_id = ?`, string(d.ID)); err != nil {
		return fmt.Errorf("failed to clear allocations: %w", err)
	}
	for i, a := range d.Allocations {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO disbursement_allocations (disbursement_id, seq, record_id, amount_cents, allocated_at)
			VALUES (?, ?, ?, ?, ?)
		`, string(d.ID), i, string(a.RecordID), generic.ToCents(a.Amount), formatTime(a.At))
		if err != nil {
			return fmt.Errorf("failed to save allocation: %w", err)
		}
	}
	return nil
}

func (s *Store) GetDisbursement(ctx context.Context, id generic.DisbursementID) (generic.Disbursement, error) {
	defer s.rlock()()

	row := s.q.QueryRowContext(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id = ?`, string(id))
	d, err := scanDisbursement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Disbursement{}, generic.ErrDisbursementNotFound
	}
	if err != nil {
		return generic.Disbursement{}, err
	}
	if err := s.loadAllocations(ctx, []*generic.Disbursement{&d}); err != nil {
		return generic.Disbursement{}, err
	}
	return d, nil
}

func (s *Store) DeleteDisbursement(ctx context.Context, id generic.DisbursementID) error {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx, `DELETE FROM disbursements WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete disbursement: %w", err)
	}
	return expectOneRow(res, generic.ErrDisbursementNotFound)
}

func (s *Store) ListDisbursements(ctx context.Context, worker string, page generic.Page) ([]generic.Disbursement, int, error) {
	defer s.rlock()()
	page = page.Normalize()

	where := ``
	var args []any
	if worker != "" {
		where = ` WHERE worker_key = ?`
		args = append(args, generic.WorkerKey(worker))
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM disbursements`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count disbursements: %w", err)
	}

	query := `SELECT ` + disbursementColumns + ` FROM disbursements` + where +
		` ORDER BY disbursed_on DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.q.QueryContext(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query disbursements: %w", err)
	}
	var items []generic.Disbursement
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	ptrs := make([]*generic.Disbursement, len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}
	if err := s.loadAllocations(ctx, ptrs); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

const disbursementColumns = `id, worker, amount_cents, disbursed_on, notes, created_at, updated_at`

func scanDisbursement(row scanner) (generic.Disbursement, error) {
	var (
		d                          generic.Disbursement
		id, date, created, updated string
		amount                     int64
		notes                      sql.NullString
	)
	if err := row.Scan(&id, &d.Worker, &amount, &date, &notes, &created, &updated); err != nil {
		return generic.Disbursement{}, err
	}
	on, err := parseDate(date)
	if err != nil {
		return generic.Disbursement{}, err
	}
	d.ID = generic.DisbursementID(id)
	d.Amount = generic.FromCents(amount)
	d.Date = on
	d.Notes = notes.String
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return d, nil
}

// loadAllocations fills the allocation lines of ds in one query.
func (s *Store) loadAllocations(ctx context.Context, ds []*generic.Disbursement) error {
	if len(ds) == 0 {
		return nil
	}
	byID := make(map[string]*generic.Disbursement, len(ds))
	args := make([]any, len(ds))
	for i, d := range ds {
		byID[string(d.ID)] = d
		args[i] = string(d.ID)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT disbursement_id, record_id, amount_cents, allocated_at
		FROM disbursement_allocations
		WHERE disbursement_id IN (`+placeholders(len(ds))+`)
		ORDER BY disbursement_id, seq
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dID, recordID, at string
			amount            int64
		)
		if err := rows.Scan(&dID, &recordID, &amount, &at); err != nil {
			return err
		}
		if d, ok := byID[dID]; ok {
			d.Allocations = append(d.Allocations, generic.Allocation{
				RecordID: generic.RecordID(recordID),
				Amount:   generic.FromCents(amount),
				At:       parseTime(at),
			})
		}
	}
	return rows.Err()
}
