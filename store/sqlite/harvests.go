package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
)

// =============================================================================
// HARVESTS (raccolte)
// =============================================================================

const harvestColumns = `id, harvest_date, client, product, weight, price_cents, revenue_cents, notes, status, created_at, updated_at`

func (s *Store) InsertHarvest(ctx context.Context, h harvest.Harvest) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO harvests (`+harvestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(h.ID),
		h.Date.String(),
		h.Client,
		h.Product,
		h.Weight.String(),
		generic.ToCents(h.Price),
		generic.ToCents(h.Revenue),
		nullString(h.Notes),
		string(h.Status),
		formatTime(h.CreatedAt),
		formatTime(h.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert harvest: %w", err)
	}
	return nil
}

func (s *Store) UpdateHarvest(ctx context.Context, h harvest.Harvest) error {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx, `
		UPDATE harvests
		SET harvest_date = ?, client = ?, product = ?, weight = ?, price_cents = ?,
			revenue_cents = ?, notes = ?, status = ?, updated_at = ?
		WHERE id = ?
	`,
		h.Date.String(),
		h.Client,
		h.Product,
		h.Weight.String(),
		generic.ToCents(h.Price),
		generic.ToCents(h.Revenue),
		nullString(h.Notes),
		string(h.Status),
		formatTime(h.UpdatedAt),
		string(h.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update harvest: %w", err)
	}
	return expectOneRow(res, harvest.ErrNotFound)
}

func (s *Store) GetHarvest(ctx context.Context, id harvest.ID) (harvest.Harvest, error) {
	defer s.rlock()()

	row := s.q.QueryRowContext(ctx, `SELECT `+harvestColumns+` FROM harvests WHERE id = ?`, string(id))
	h, err := scanHarvest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Harvest{}, harvest.ErrNotFound
	}
	return h, err
}

func (s *Store) DeleteHarvests(ctx context.Context, ids []harvest.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	defer s.lock()()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM harvests WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete harvests: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) HarvestsByYear(ctx context.Context, year int) ([]harvest.Harvest, error) {
	defer s.rlock()()

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+harvestColumns+` FROM harvests
		WHERE harvest_date >= ? AND harvest_date < ?
		ORDER BY harvest_date DESC, id DESC
	`, fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1))
	if err != nil {
		return nil, fmt.Errorf("failed to query harvests: %w", err)
	}
	defer rows.Close()

	var out []harvest.Harvest
	for rows.Next() {
		h, err := scanHarvest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) HarvestYears(ctx context.Context) ([]int, error) {
	defer s.rlock()()

	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT substr(harvest_date, 1, 4) AS y FROM harvests ORDER BY y DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query harvest years: %w", err)
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y string
		if err := rows.Scan(&y); err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(y)
		if err != nil {
			return nil, fmt.Errorf("bad stored year %q: %w", y, err)
		}
		years = append(years, n)
	}
	return years, rows.Err()
}

func (s *Store) DistinctValues(ctx context.Context, field harvest.Field) ([]string, error) {
	var column string
	switch field {
	case harvest.FieldClient:
		column = "client"
	case harvest.FieldProduct:
		column = "product"
	default:
		return nil, harvest.ErrUnknownField
	}
	defer s.rlock()()

	rows, err := s.q.QueryContext(ctx,
		`SELECT DISTINCT `+column+` FROM harvests WHERE `+column+` <> '' ORDER BY `+column)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct %s: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func scanHarvest(row scanner) (harvest.Harvest, error) {
	var (
		h                        harvest.Harvest
		id, date, weight, status string
		created, updated         string
		price, revenue           int64
		notes                    sql.NullString
	)
	if err := row.Scan(&id, &date, &h.Client, &h.Product, &weight, &price, &revenue, &notes, &status, &created, &updated); err != nil {
		return harvest.Harvest{}, err
	}
	d, err := parseDate(date)
	if err != nil {
		return harvest.Harvest{}, err
	}
	w, err := decimal.NewFromString(weight)
	if err != nil {
		return harvest.Harvest{}, fmt.Errorf("bad stored weight %q: %w", weight, err)
	}
	h.ID = harvest.ID(id)
	h.Date = d
	h.Weight = w
	h.Price = generic.FromCents(price)
	h.Revenue = generic.FromCents(revenue)
	h.Notes = notes.String
	h.Status = harvest.Status(status)
	h.CreatedAt = parseTime(created)
	h.UpdatedAt = parseTime(updated)
	return h, nil
}
