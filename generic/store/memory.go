// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds one organization's data. WithTx is simulated with a
// snapshot and a rollback on error.
type Memory struct {
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	workers       map[string]generic.Worker // WorkerKey -> worker
	records       map[generic.RecordID]generic.PayRecord
	disbursements map[generic.DisbursementID]generic.Disbursement
}

func NewMemory() *Memory {
	return &Memory{data: newMemoryData()}
}

func newMemoryData() memoryData {
	return memoryData{
		workers:       make(map[string]generic.Worker),
		records:       make(map[generic.RecordID]generic.PayRecord),
		disbursements: make(map[generic.DisbursementID]generic.Disbursement),
	}
}

func (m *Memory) Workers(ctx context.Context) ([]generic.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Workers(ctx)
}

func (m *Memory) SaveWorker(ctx context.Context, w generic.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveWorker(ctx, w)
}

func (m *Memory) InsertRecords(ctx context.Context, records []generic.PayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atomically(func(d *memoryData) error { return d.InsertRecords(ctx, records) })
}

func (m *Memory) GetRecord(ctx context.Context, id generic.RecordID) (generic.PayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetRecord(ctx, id)
}

func (m *Memory) UpdateRecord(ctx context.Context, r generic.PayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateRecord(ctx, r)
}

func (m *Memory) DeleteRecord(ctx context.Context, id generic.RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteRecord(ctx, id)
}

func (m *Memory) Records(ctx context.Context, filter generic.RecordFilter) ([]generic.PayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Records(ctx, filter)
}

func (m *Memory) OutstandingRecords(ctx context.Context, workers []string) ([]generic.PayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.OutstandingRecords(ctx, workers)
}

func (m *Memory) PaidRecords(ctx context.Context, worker string) ([]generic.PayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.PaidRecords(ctx, worker)
}

func (m *Memory) ApplyPayments(ctx context.Context, updates []generic.PaymentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atomically(func(d *memoryData) error { return d.ApplyPayments(ctx, updates) })
}

func (m *Memory) SaveDisbursement(ctx context.Context, d generic.Disbursement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveDisbursement(ctx, d)
}

func (m *Memory) GetDisbursement(ctx context.Context, id generic.DisbursementID) (generic.Disbursement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetDisbursement(ctx, id)
}

func (m *Memory) DeleteDisbursement(ctx context.Context, id generic.DisbursementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteDisbursement(ctx, id)
}

func (m *Memory) ListDisbursements(ctx context.Context, worker string, page generic.Page) ([]generic.Disbursement, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListDisbursements(ctx, worker, page)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atomically(func(d *memoryData) error { return fn(d) })
}

// atomically runs fn on the live data and restores a snapshot if it fails.
// Callers hold m.mu.
func (m *Memory) atomically(fn func(*memoryData) error) error {
	snapshot := m.data.clone()
	if err := fn(&m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d *memoryData) clone() memoryData {
	c := newMemoryData()
	for k, v := range d.workers {
		c.workers[k] = v
	}
	for k, v := range d.records {
		c.records[k] = v
	}
	for k, v := range d.disbursements {
		c.disbursements[k] = cloneDisbursement(v)
	}
	return c
}

func cloneDisbursement(d generic.Disbursement) generic.Disbursement {
	d.Allocations = append([]generic.Allocation(nil), d.Allocations...)
	return d
}

// =============================================================================
// UNLOCKED OPERATIONS - memoryData implements generic.Store
// =============================================================================

func (d *memoryData) Workers(_ context.Context) ([]generic.Worker, error) {
	out := make([]generic.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *memoryData) SaveWorker(_ context.Context, w generic.Worker) error {
	key := generic.WorkerKey(w.Name)
	if existing, ok := d.workers[key]; ok {
		w.Name = existing.Name
		w.CreatedAt = existing.CreatedAt
	}
	d.workers[key] = w
	return nil
}

func (d *memoryData) InsertRecords(_ context.Context, records []generic.PayRecord) error {
	for _, r := range records {
		if _, ok := d.records[r.ID]; ok {
			return fmt.Errorf("pay record %s already exists", r.ID)
		}
		d.records[r.ID] = r
	}
	return nil
}

func (d *memoryData) GetRecord(_ context.Context, id generic.RecordID) (generic.PayRecord, error) {
	r, ok := d.records[id]
	if !ok {
		return generic.PayRecord{}, generic.ErrRecordNotFound
	}
	return r, nil
}

func (d *memoryData) UpdateRecord(_ context.Context, r generic.PayRecord) error {
	existing, ok := d.records[r.ID]
	if !ok {
		return generic.ErrRecordNotFound
	}
	r.Paid = existing.Paid
	r.Worker = existing.Worker
	r.CreatedAt = existing.CreatedAt
	d.records[r.ID] = r
	return nil
}

func (d *memoryData) DeleteRecord(_ context.Context, id generic.RecordID) error {
	if _, ok := d.records[id]; !ok {
		return generic.ErrRecordNotFound
	}
	delete(d.records, id)
	return nil
}

func (d *memoryData) Records(_ context.Context, filter generic.RecordFilter) ([]generic.PayRecord, error) {
	var out []generic.PayRecord
	for _, r := range d.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (d *memoryData) OutstandingRecords(_ context.Context, workers []string) ([]generic.PayRecord, error) {
	keys := make(map[string]bool, len(workers))
	for _, w := range workers {
		keys[generic.WorkerKey(w)] = true
	}
	var out []generic.PayRecord
	for _, r := range d.records {
		if r.IsOutstanding() && keys[generic.WorkerKey(r.Worker)] {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	reverse(out)
	return out, nil
}

func (d *memoryData) PaidRecords(_ context.Context, worker string) ([]generic.PayRecord, error) {
	key := generic.WorkerKey(worker)
	var out []generic.PayRecord
	for _, r := range d.records {
		if r.Paid.IsPositive() && generic.WorkerKey(r.Worker) == key {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ApplyPayments checks every condition before writing anything.
func (d *memoryData) ApplyPayments(_ context.Context, updates []generic.PaymentUpdate) error {
	for _, u := range updates {
		r, ok := d.records[u.RecordID]
		if !ok {
			return fmt.Errorf("record %s: %w", u.RecordID, generic.ErrConcurrentModification)
		}
		if !r.Paid.Equal(u.PreviousPaid) || r.Owed.LessThan(u.NewPaid) || u.NewPaid.IsNegative() {
			return fmt.Errorf("record %s: %w", u.RecordID, generic.ErrConcurrentModification)
		}
	}
	for _, u := range updates {
		r := d.records[u.RecordID]
		r.Paid = u.NewPaid
		d.records[u.RecordID] = r
	}
	return nil
}

func (d *memoryData) SaveDisbursement(_ context.Context, disb generic.Disbursement) error {
	d.disbursements[disb.ID] = cloneDisbursement(disb)
	return nil
}

func (d *memoryData) GetDisbursement(_ context.Context, id generic.DisbursementID) (generic.Disbursement, error) {
	disb, ok := d.disbursements[id]
	if !ok {
		return generic.Disbursement{}, generic.ErrDisbursementNotFound
	}
	return cloneDisbursement(disb), nil
}

func (d *memoryData) DeleteDisbursement(_ context.Context, id generic.DisbursementID) error {
	if _, ok := d.disbursements[id]; !ok {
		return generic.ErrDisbursementNotFound
	}
	delete(d.disbursements, id)
	return nil
}

func (d *memoryData) ListDisbursements(_ context.Context, worker string, page generic.Page) ([]generic.Disbursement, int, error) {
	page = page.Normalize()
	var all []generic.Disbursement
	for _, disb := range d.disbursements {
		if worker == "" || generic.SameWorker(disb.Worker, worker) {
			all = append(all, disb)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Date.Equal(all[j].Date) {
			return all[i].Date.After(all[j].Date)
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	out := make([]generic.Disbursement, 0, end-start)
	for _, disb := range all[start:end] {
		out = append(out, cloneDisbursement(disb))
	}
	return out, total, nil
}

func sortNewestFirst(records []generic.PayRecord) {
	sort.Slice(records, func(i, j int) bool {
		if c := records[i].Date.Compare(records[j].Date); c != 0 {
			return c > 0
		}
		return records[i].ID > records[j].ID
	})
}

func reverse(records []generic.PayRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

// =============================================================================
// PROVIDER - one Memory per organization
// =============================================================================

// Provider implements generic.StoreProvider and harvest.Provider in memory.
type Provider struct {
	mu       sync.Mutex
	stores   map[generic.OrganizationID]*Memory
	harvests map[generic.OrganizationID]*HarvestMemory
}

func NewProvider() *Provider {
	return &Provider{
		stores:   make(map[generic.OrganizationID]*Memory),
		harvests: make(map[generic.OrganizationID]*HarvestMemory),
	}
}

func (p *Provider) For(_ context.Context, org generic.OrganizationID) (generic.TxStore, error) {
	if org == "" {
		return nil, generic.ErrOrganizationRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.stores[org]
	if !ok {
		m = NewMemory()
		p.stores[org] = m
	}
	return m, nil
}

func (p *Provider) Harvests(_ context.Context, org generic.OrganizationID) (harvest.Store, error) {
	if org == "" {
		return nil, generic.ErrOrganizationRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.harvests[org]
	if !ok {
		h = NewHarvestMemory()
		p.harvests[org] = h
	}
	return h, nil
}

func (p *Provider) Close() error { return nil }
