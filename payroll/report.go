package payroll

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/subsidia/records-engine/generic"
)

// =============================================================================
// SUMMARIES - per worker totals
// =============================================================================

type WorkerSummary struct {
	Worker  string
	Active  bool
	Owed    decimal.Decimal
	Paid    decimal.Decimal
	Due     decimal.Decimal // owed - paid over outstanding records
	Days    decimal.Decimal // half days count 0.5
	Records int
}

// Summaries returns one summary per known worker, sorted by name. Workers
// without records appear with zero totals.
func (s *Service) Summaries(ctx context.Context, org generic.OrganizationID) ([]WorkerSummary, error) {
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	workers, err := store.Workers(ctx)
	if err != nil {
		return nil, err
	}
	records, err := store.Records(ctx, generic.RecordFilter{})
	if err != nil {
		return nil, err
	}
	return Summarize(workers, records), nil
}

// Summarize is the pure part of Summaries.
func Summarize(workers []generic.Worker, records []generic.PayRecord) []WorkerSummary {
	byKey := make(map[string]*WorkerSummary, len(workers))
	var order []string
	get := func(name string, active bool) *WorkerSummary {
		key := generic.WorkerKey(name)
		if ws, ok := byKey[key]; ok {
			return ws
		}
		ws := &WorkerSummary{
			Worker: name,
			Active: active,
			Owed:   decimal.Zero,
			Paid:   decimal.Zero,
			Due:    decimal.Zero,
			Days:   decimal.Zero,
		}
		byKey[key] = ws
		order = append(order, key)
		return ws
	}

	for _, w := range workers {
		get(w.Name, w.Active)
	}
	for _, r := range records {
		ws := get(r.Worker, false)
		ws.Owed = ws.Owed.Add(r.Owed)
		ws.Paid = ws.Paid.Add(r.Paid)
		if r.IsOutstanding() {
			ws.Due = ws.Due.Add(r.Gap())
		}
		ws.Days = ws.Days.Add(r.Kind.Days())
		ws.Records++
	}

	out := make([]WorkerSummary, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.Slice(out, func(i, j int) bool {
		return generic.WorkerKey(out[i].Worker) < generic.WorkerKey(out[j].Worker)
	})
	return out
}

// =============================================================================
// GROUPED LISTING - records bucketed by day, week, month or year
// =============================================================================

type Group struct {
	Start   generic.Date
	Label   string
	Records []generic.PayRecord
	Owed    decimal.Decimal
	Paid    decimal.Decimal
	ToPay   decimal.Decimal
	Days    decimal.Decimal
}

// Grouped lists the records matching filter in buckets, newest bucket first.
func (s *Service) Grouped(ctx context.Context, org generic.OrganizationID, filter generic.RecordFilter, g generic.Grouping) ([]Group, error) {
	store, err := s.Stores.For(ctx, org)
	if err != nil {
		return nil, err
	}
	records, err := store.Records(ctx, filter)
	if err != nil {
		return nil, err
	}
	return GroupRecords(records, g), nil
}

// GroupRecords buckets records. Within a bucket records keep their input order.
func GroupRecords(records []generic.PayRecord, g generic.Grouping) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, r := range records {
		start := r.Date.Bucket(g)
		i, ok := index[start.String()]
		if !ok {
			i = len(groups)
			index[start.String()] = i
			groups = append(groups, Group{
				Start: start,
				Label: r.Date.BucketLabel(g),
				Owed:  decimal.Zero,
				Paid:  decimal.Zero,
				ToPay: decimal.Zero,
				Days:  decimal.Zero,
			})
		}
		grp := &groups[i]
		grp.Records = append(grp.Records, r)
		grp.Owed = grp.Owed.Add(r.Owed)
		grp.Paid = grp.Paid.Add(r.Paid)
		if r.IsOutstanding() {
			grp.ToPay = grp.ToPay.Add(r.Gap())
		}
		grp.Days = grp.Days.Add(r.Kind.Days())
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Start.After(groups[j].Start)
	})
	return groups
}
