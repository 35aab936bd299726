package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/subsidia/records-engine/harvest"
)

// HarvestMemory is an in-memory harvest.Store.
type HarvestMemory struct {
	mu       sync.RWMutex
	harvests map[harvest.ID]harvest.Harvest
}

func NewHarvestMemory() *HarvestMemory {
	return &HarvestMemory{harvests: make(map[harvest.ID]harvest.Harvest)}
}

func (m *HarvestMemory) InsertHarvest(_ context.Context, h harvest.Harvest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.harvests[h.ID]; ok {
		return fmt.Errorf("harvest %s already exists", h.ID)
	}
	m.harvests[h.ID] = h
	return nil
}

func (m *HarvestMemory) UpdateHarvest(_ context.Context, h harvest.Harvest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.harvests[h.ID]; !ok {
		return harvest.ErrNotFound
	}
	m.harvests[h.ID] = h
	return nil
}

func (m *HarvestMemory) GetHarvest(_ context.Context, id harvest.ID) (harvest.Harvest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.harvests[id]
	if !ok {
		return harvest.Harvest{}, harvest.ErrNotFound
	}
	return h, nil
}

func (m *HarvestMemory) DeleteHarvests(_ context.Context, ids []harvest.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.harvests[id]; ok {
			delete(m.harvests, id)
			n++
		}
	}
	return n, nil
}

func (m *HarvestMemory) HarvestsByYear(_ context.Context, year int) ([]harvest.Harvest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []harvest.Harvest
	for _, h := range m.harvests {
		if h.Date.Year() == year {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *HarvestMemory) HarvestYears(_ context.Context) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[int]bool)
	var years []int
	for _, h := range m.harvests {
		if y := h.Date.Year(); !seen[y] {
			seen[y] = true
			years = append(years, y)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years, nil
}

func (m *HarvestMemory) DistinctValues(_ context.Context, field harvest.Field) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var values []string
	for _, h := range m.harvests {
		var v string
		switch field {
		case harvest.FieldClient:
			v = h.Client
		case harvest.FieldProduct:
			v = h.Product
		default:
			return nil, harvest.ErrUnknownField
		}
		if v != "" && !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values, nil
}
