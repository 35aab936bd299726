/*
handlers.go - HTTP API handlers for the pay-records backend

PURPOSE:
  Exposes the allocation engine and the adjacent record keeping via REST
  API. Handles HTTP request/response, JSON serialization, and delegates to
  the services.

ENDPOINTS:
  Advances:
    POST   /api/disbursements            Allocate a batch, 201 with the plan
    POST   /api/disbursements/preview    Plan only, nothing written
    GET    /api/disbursements            History (?worker=&page=&page_size=)
    PATCH  /api/disbursements/{id}       Edit amount, date or notes
    DELETE /api/disbursements/{id}       Release and delete

  Pay-records:
    POST   /api/records                  Log a work day for several workers
    GET    /api/records                  Grouped listing (?from=&to=&group_by=&search=)
    GET    /api/records/recent           Newest records (?limit=)
    PUT    /api/records/{id}             Edit
    DELETE /api/records/{id}             Delete (outstanding only)
    POST   /api/records/{id}/payments    Pay one record

  Workers:
    GET    /api/workers                  Roster (?active=true)
    GET    /api/workers/summary          Per worker totals
    PUT    /api/workers/{name}/active    Activate / deactivate

REQUEST FLOW:
  1. Parse HTTP request
  2. Convert DTO to domain input
  3. Call the service with the organization from the header
  4. Serialize response
  5. Map errors (writeServiceError)

ERROR HANDLING:
  - 400: invalid input, invalid amounts
  - 404: record, advance, worker or harvest not found
  - 409: concurrent modification (retry)
  - 422: batch rejected (violations listed), settled record, owed below paid
  - 503: worker lock unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - harvests.go: Harvest endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
	"github.com/subsidia/records-engine/payroll"
	"github.com/subsidia/records-engine/store/redislock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Disbursements *generic.DisbursementService
	Payroll       *payroll.Service
	Harvests      *harvest.Service
	Logger        *zap.Logger
}

func NewHandler(d *generic.DisbursementService, p *payroll.Service, hv *harvest.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Disbursements: d, Payroll: p, Harvests: hv, Logger: logger}
}

// =============================================================================
// DISBURSEMENT HANDLERS
// =============================================================================

// Disburse allocates a batch and records the advances.
// POST /api/disbursements
func (h *Handler) Disburse(w http.ResponseWriter, r *http.Request) {
	var req DisbursementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	domain, err := req.toDomain()
	if err != nil {
		h.writeRequestError(w, r, err)
		return
	}
	date := generic.Today()
	if req.Date != "" {
		if date, err = generic.ParseDate(req.Date); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
	}

	result, err := h.Disbursements.Disburse(r.Context(), Organization(r.Context()), domain, date, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DisburseResponse{
		Plan:          toPlanDTO(result.Plan),
		Disbursements: toDisbursementDTOs(result.Disbursements),
	})
}

// PreviewDisbursement returns the plan a batch would apply.
// POST /api/disbursements/preview
func (h *Handler) PreviewDisbursement(w http.ResponseWriter, r *http.Request) {
	var req DisbursementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	domain, err := req.toDomain()
	if err != nil {
		h.writeRequestError(w, r, err)
		return
	}

	plan, err := h.Disbursements.Preview(r.Context(), Organization(r.Context()), domain)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// ListDisbursements returns one page of advance history, newest first.
// GET /api/disbursements?worker=&page=&page_size=
func (h *Handler) ListDisbursements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("page"), q.Get("page_size"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page parameters", err)
		return
	}

	result, err := h.Disbursements.ListDisbursements(r.Context(), Organization(r.Context()), q.Get("worker"), page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DisbursementPageDTO{
		Items:      toDisbursementDTOs(result.Items),
		Total:      result.Total,
		Page:       result.Page.Number,
		PageSize:   result.Page.Size,
		TotalPages: result.Page.TotalPages(result.Total),
	})
}

// UpdateDisbursement edits an advance.
// PATCH /api/disbursements/{id}
func (h *Handler) UpdateDisbursement(w http.ResponseWriter, r *http.Request) {
	var req UpdateDisbursementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := req.Amount.parseOptional()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	change := generic.DisbursementChange{Amount: amount, Notes: req.Notes}
	if req.Date != nil {
		d, err := generic.ParseDate(*req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		change.Date = &d
	}

	id := generic.DisbursementID(chi.URLParam(r, "id"))
	d, err := h.Disbursements.UpdateDisbursement(r.Context(), Organization(r.Context()), id, change)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisbursementDTO(*d))
}

// DeleteDisbursement releases an advance and removes it.
// DELETE /api/disbursements/{id}
func (h *Handler) DeleteDisbursement(w http.ResponseWriter, r *http.Request) {
	id := generic.DisbursementID(chi.URLParam(r, "id"))
	plan, err := h.Disbursements.DeleteDisbursement(r.Context(), Organization(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReleaseDTO(plan))
}

// PayRecord pays one record directly.
// POST /api/records/{id}/payments
func (h *Handler) PayRecord(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := req.Amount.parse("")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	id := generic.RecordID(chi.URLParam(r, "id"))
	update, err := h.Disbursements.PayRecord(r.Context(), Organization(r.Context()), id, amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUpdateDTOs([]generic.PaymentUpdate{update})[0])
}

// =============================================================================
// PAY-RECORD HANDLERS
// =============================================================================

// LogWorkDays creates one record per listed worker.
// POST /api/records
func (h *Handler) LogWorkDays(w http.ResponseWriter, r *http.Request) {
	var req LogWorkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry := payroll.Entry{
		Workers:  req.Workers,
		Wage:     req.Wage,
		Extras:   req.Extras,
		Kind:     generic.KindFullDay,
		Activity: req.Activity,
		Notes:    req.Notes,
	}
	if req.Kind != nil {
		entry.Kind = generic.WorkKind(*req.Kind)
	}
	if req.Date != "" {
		d, err := generic.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		entry.Date = d
	}

	records, err := h.Payroll.LogWorkDays(r.Context(), Organization(r.Context()), entry)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTOs(records))
}

// ListRecords returns records grouped by day, week, month or year.
// GET /api/records?from=&to=&group_by=&search=
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.RecordFilter{Search: strings.TrimSpace(q.Get("search"))}
	var err error
	if v := q.Get("from"); v != "" {
		if filter.From, err = generic.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", err)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = generic.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", err)
			return
		}
	}
	grouping, err := generic.ParseGrouping(q.Get("group_by"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group_by (day, week, month, year)", err)
		return
	}

	groups, err := h.Payroll.Grouped(r.Context(), Organization(r.Context()), filter, grouping)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]GroupDTO, len(groups))
	for i, g := range groups {
		dtos[i] = toGroupDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecentRecords returns the newest records.
// GET /api/records/recent?limit=
func (h *Handler) RecentRecords(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	records, err := h.Payroll.Recent(r.Context(), Organization(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// EditRecord changes a record's date, owed amount or description.
// PUT /api/records/{id}
func (h *Handler) EditRecord(w http.ResponseWriter, r *http.Request) {
	var req EditRecordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	change := payroll.RecordChange{Owed: req.Owed, Activity: req.Activity, Notes: req.Notes}
	if req.Date != nil {
		d, err := generic.ParseDate(*req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		change.Date = &d
	}
	if req.Kind != nil {
		k := generic.WorkKind(*req.Kind)
		change.Kind = &k
	}

	id := generic.RecordID(chi.URLParam(r, "id"))
	rec, err := h.Payroll.EditRecord(r.Context(), Organization(r.Context()), id, change)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// DeleteRecord removes an outstanding record.
// DELETE /api/records/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := generic.RecordID(chi.URLParam(r, "id"))
	if err := h.Payroll.DeleteRecord(r.Context(), Organization(r.Context()), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// WORKER HANDLERS
// =============================================================================

// ListWorkers returns the roster.
// GET /api/workers?active=true
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	workers, err := h.Payroll.Workers(r.Context(), Organization(r.Context()), activeOnly)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]WorkerDTO, len(workers))
	for i, wk := range workers {
		dtos[i] = toWorkerDTO(wk)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// WorkerSummaries returns owed, paid and due per worker.
// GET /api/workers/summary
func (h *Handler) WorkerSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Payroll.Summaries(r.Context(), Organization(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]WorkerSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetWorkerActive activates or deactivates a worker.
// PUT /api/workers/{name}/active
func (h *Handler) SetWorkerActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	worker, err := h.Payroll.SetWorkerActive(r.Context(), Organization(r.Context()), chi.URLParam(r, "name"), req.Active)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDTO(worker))
}

// =============================================================================
// HELPERS
// =============================================================================

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parsePage(number, size string) (generic.Page, error) {
	var p generic.Page
	var err error
	if number != "" {
		if p.Number, err = strconv.Atoi(number); err != nil {
			return p, err
		}
	}
	if size != "" {
		if p.Size, err = strconv.Atoi(size); err != nil {
			return p, err
		}
	}
	return p.Normalize(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeRequestError reports a body that decoded but could not be turned into
// a domain request. Amount problems keep their invalid_amount code.
func (h *Handler) writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *generic.InvalidAmountError
	if errors.As(err, &invalid) {
		h.writeServiceError(w, r, err)
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
}

// writeServiceError maps domain errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejection *generic.RejectionError
		invalid   *generic.InvalidAmountError
	)
	switch {
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      "Disbursement rejected",
			Code:       "rejected",
			Details:    err.Error(),
			Violations: toViolationDTOs(rejection),
		})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid amount", Code: "invalid_amount", Details: err.Error()})
	case errors.Is(err, generic.ErrConcurrentModification):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Records changed concurrently, retry", Code: "concurrent_modification", Details: err.Error()})
	case errors.Is(err, generic.ErrRecordSettled):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Record already settled", Code: "record_settled", Details: err.Error()})
	case errors.Is(err, generic.ErrOwedBelowPaid):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Owed cannot drop below paid", Code: "owed_below_paid", Details: err.Error()})
	case generic.IsNotFound(err), errors.Is(err, payroll.ErrWorkerNotFound), errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case generic.IsClientError(err),
		errors.Is(err, payroll.ErrNoWorkers),
		errors.Is(err, payroll.ErrDateRequired),
		errors.Is(err, payroll.ErrInvalidKind),
		errors.Is(err, harvest.ErrInvalid),
		errors.Is(err, harvest.ErrUnknownField),
		errors.Is(err, harvest.ErrNoIDs):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, redislock.ErrLockUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Worker busy, retry", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Request timed out", err)
	default:
		h.Logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func toViolationDTOs(rej *generic.RejectionError) []ViolationDTO {
	out := make([]ViolationDTO, 0, len(rej.Violations))
	for _, v := range rej.Violations {
		var (
			unknown *generic.UnknownWorkerError
			over    *generic.OverpaymentError
		)
		switch {
		case errors.As(v, &over):
			out = append(out, ViolationDTO{
				Worker:      over.Worker,
				Code:        "overpayment_requested",
				Requested:   money(over.Requested),
				Outstanding: money(over.Outstanding),
			})
		case errors.As(v, &unknown):
			out = append(out, ViolationDTO{Worker: unknown.Worker, Code: "unknown_worker"})
		}
	}
	return out
}
