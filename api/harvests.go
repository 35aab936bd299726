package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
)

// =============================================================================
// HARVEST HANDLERS
// =============================================================================

func (req HarvestRequest) toInput() (harvest.Input, error) {
	in := harvest.Input{
		Client:  req.Client,
		Product: req.Product,
		Weight:  req.Weight,
		Price:   req.Price,
		Revenue: req.Revenue,
		Notes:   req.Notes,
		Status:  req.Status,
	}
	if req.Date != nil {
		d, err := generic.ParseDate(*req.Date)
		if err != nil {
			return harvest.Input{}, &harvest.ValidationError{Field: "date", Reason: "use YYYY-MM-DD"}
		}
		in.Date = &d
	}
	return in, nil
}

// CreateHarvest stores a new harvest.
// POST /api/harvests
func (h *Handler) CreateHarvest(w http.ResponseWriter, r *http.Request) {
	var req HarvestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	created, err := h.Harvests.Create(r.Context(), Organization(r.Context()), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHarvestDTO(created))
}

// UpdateHarvest merges the given fields into a harvest.
// PUT /api/harvests/{id}
func (h *Handler) UpdateHarvest(w http.ResponseWriter, r *http.Request) {
	var req HarvestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	updated, err := h.Harvests.Update(r.Context(), Organization(r.Context()), harvest.ID(chi.URLParam(r, "id")), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHarvestDTO(updated))
}

// GetHarvest returns one harvest.
// GET /api/harvests/{id}
func (h *Handler) GetHarvest(w http.ResponseWriter, r *http.Request) {
	found, err := h.Harvests.Get(r.Context(), Organization(r.Context()), harvest.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHarvestDTO(found))
}

// ListHarvests returns a year's harvests with totals. No year means the
// current one.
// GET /api/harvests?year=
func (h *Handler) ListHarvests(w http.ResponseWriter, r *http.Request) {
	year := 0
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		year = n
	}
	items, err := h.Harvests.ListByYear(r.Context(), Organization(r.Context()), year)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if year == 0 {
		year = h.Harvests.CurrentYear()
	}

	weight, revenue := harvest.Totals(items)
	dtos := make([]HarvestDTO, len(items))
	for i, it := range items {
		dtos[i] = toHarvestDTO(it)
	}
	writeJSON(w, http.StatusOK, HarvestListDTO{
		Year:         year,
		Items:        dtos,
		TotalWeight:  weight.StringFixed(harvest.WeightPlaces),
		TotalRevenue: money(revenue),
	})
}

// HarvestYears lists the years holding harvests, newest first.
// GET /api/harvests/years
func (h *Handler) HarvestYears(w http.ResponseWriter, r *http.Request) {
	years, err := h.Harvests.Years(r.Context(), Organization(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if years == nil {
		years = []int{}
	}
	writeJSON(w, http.StatusOK, years)
}

// DistinctHarvestValues lists known clients or products.
// GET /api/harvests/distinct/{field}
func (h *Handler) DistinctHarvestValues(w http.ResponseWriter, r *http.Request) {
	values, err := h.Harvests.Distinct(r.Context(), Organization(r.Context()), chi.URLParam(r, "field"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, values)
}

// DeleteHarvests removes several harvests.
// DELETE /api/harvests
func (h *Handler) DeleteHarvests(w http.ResponseWriter, r *http.Request) {
	var req DeleteHarvestsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids := make([]harvest.ID, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = harvest.ID(id)
	}
	n, err := h.Harvests.Delete(r.Context(), Organization(r.Context()), ids)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeletedDTO{Deleted: n})
}
