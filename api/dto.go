/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Request amounts accept a JSON number or a string ("12.50"). Disbursement
  and payment amounts are kept as text (Amount) and parsed with
  generic.ParseMoneyFor, so a bad value is an invalid_amount error naming
  the worker. Nothing goes through float64. Response amounts are strings
  with two decimals.

DATES:
  YYYY-MM-DD everywhere. Timestamps are RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
	"github.com/subsidia/records-engine/payroll"
)

// =============================================================================
// DISBURSEMENTS (acconti)
// =============================================================================

// Amount is a request amount as the client sent it, a JSON number or string.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	*a = Amount(data)
	return nil
}

// parse validates the amount; worker is only used in the error.
func (a Amount) parse(worker string) (decimal.Decimal, error) {
	return generic.ParseMoneyFor(worker, string(a))
}

// parseOptional is parse for a field that may be omitted.
func (a *Amount) parseOptional() (*decimal.Decimal, error) {
	if a == nil {
		return nil, nil
	}
	d, err := a.parse("")
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DisbursementLineRequest is one worker's share of a batch.
type DisbursementLineRequest struct {
	Worker string `json:"worker"`
	Amount Amount `json:"amount"`
}

// DisbursementRequest accepts either explicit lines or a worker list with
// one amount each.
type DisbursementRequest struct {
	Lines   []DisbursementLineRequest `json:"lines,omitempty"`
	Workers []string                  `json:"workers,omitempty"`
	Amount  *Amount                   `json:"amount,omitempty"`
	Date    string                    `json:"date,omitempty"`
	Notes   string                    `json:"notes,omitempty"`
}

var errMixedRequest = errors.New("use either lines or workers with amount, not both")

// toDomain returns an *generic.InvalidAmountError for a missing or
// malformed amount.
func (r DisbursementRequest) toDomain() (generic.DisbursementRequest, error) {
	if len(r.Lines) > 0 && (len(r.Workers) > 0 || r.Amount != nil) {
		return generic.DisbursementRequest{}, errMixedRequest
	}
	if len(r.Workers) > 0 {
		var raw Amount
		if r.Amount != nil {
			raw = *r.Amount
		}
		amount, err := raw.parse("")
		if err != nil {
			return generic.DisbursementRequest{}, err
		}
		return generic.UniformRequest(r.Workers, amount), nil
	}
	req := generic.DisbursementRequest{Lines: make([]generic.DisbursementLine, len(r.Lines))}
	for i, l := range r.Lines {
		amount, err := l.Amount.parse(l.Worker)
		if err != nil {
			return generic.DisbursementRequest{}, err
		}
		req.Lines[i] = generic.DisbursementLine{Worker: l.Worker, Amount: amount}
	}
	return req, nil
}

type PaymentUpdateDTO struct {
	RecordID     string `json:"record_id"`
	Date         string `json:"date"`
	Owed         string `json:"owed"`
	PreviousPaid string `json:"previous_paid"`
	NewPaid      string `json:"new_paid"`
	Applied      string `json:"applied"`
}

type WorkerPlanDTO struct {
	Worker    string             `json:"worker"`
	Requested string             `json:"requested"`
	Applied   string             `json:"applied"`
	Updates   []PaymentUpdateDTO `json:"updates"`
}

type PlanDTO struct {
	Workers []WorkerPlanDTO `json:"workers"`
	Total   string          `json:"total"`
}

type AllocationDTO struct {
	RecordID string `json:"record_id"`
	Amount   string `json:"amount"`
	At       string `json:"at"`
}

type DisbursementDTO struct {
	ID          string          `json:"id"`
	Worker      string          `json:"worker"`
	Amount      string          `json:"amount"`
	Date        string          `json:"date"`
	Notes       string          `json:"notes,omitempty"`
	Allocations []AllocationDTO `json:"allocations"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

type DisburseResponse struct {
	Plan          PlanDTO           `json:"plan"`
	Disbursements []DisbursementDTO `json:"disbursements"`
}

type DisbursementPageDTO struct {
	Items      []DisbursementDTO `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
}

// UpdateDisbursementRequest edits an advance; omitted fields are kept.
type UpdateDisbursementRequest struct {
	Amount *Amount `json:"amount,omitempty"`
	Date   *string `json:"date,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}

type ReleaseDTO struct {
	Released   string             `json:"released"`
	Unreleased string             `json:"unreleased"`
	Updates    []PaymentUpdateDTO `json:"updates"`
}

type PaymentRequest struct {
	Amount Amount `json:"amount"`
}

// =============================================================================
// WORKERS AND PAY-RECORDS
// =============================================================================

type WorkerDTO struct {
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

type WorkerSummaryDTO struct {
	Worker  string `json:"worker"`
	Active  bool   `json:"active"`
	Owed    string `json:"owed"`
	Paid    string `json:"paid"`
	Due     string `json:"due"`
	Days    string `json:"days"`
	Records int    `json:"records"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

// LogWorkRequest logs one day for several workers. Kind defaults to a full day.
type LogWorkRequest struct {
	Workers  []string        `json:"workers"`
	Date     string          `json:"date"`
	Wage     decimal.Decimal `json:"wage"`
	Extras   decimal.Decimal `json:"extras"`
	Kind     *int            `json:"kind,omitempty"`
	Activity string          `json:"activity,omitempty"`
	Notes    string          `json:"notes,omitempty"`
}

type EditRecordRequest struct {
	Date     *string          `json:"date,omitempty"`
	Owed     *decimal.Decimal `json:"owed,omitempty"`
	Kind     *int             `json:"kind,omitempty"`
	Activity *string          `json:"activity,omitempty"`
	Notes    *string          `json:"notes,omitempty"`
}

type RecordDTO struct {
	ID       string `json:"id"`
	Worker   string `json:"worker"`
	Date     string `json:"date"`
	Owed     string `json:"owed"`
	Paid     string `json:"paid"`
	Due      string `json:"due"`
	Kind     int    `json:"kind"`
	Activity string `json:"activity,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Settled  bool   `json:"settled"`
}

type GroupDTO struct {
	Start   string      `json:"start"`
	Label   string      `json:"label"`
	Owed    string      `json:"owed"`
	Paid    string      `json:"paid"`
	ToPay   string      `json:"to_pay"`
	Days    string      `json:"days"`
	Records []RecordDTO `json:"records"`
}

// =============================================================================
// HARVESTS (raccolte)
// =============================================================================

// HarvestRequest creates or updates a harvest; omitted fields are kept on
// update. Weight and price without revenue derive revenue.
type HarvestRequest struct {
	Date    *string          `json:"date,omitempty"`
	Client  *string          `json:"client,omitempty"`
	Product *string          `json:"product,omitempty"`
	Weight  *decimal.Decimal `json:"weight,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Revenue *decimal.Decimal `json:"revenue,omitempty"`
	Notes   *string          `json:"notes,omitempty"`
	Status  *string          `json:"status,omitempty"`
}

type HarvestDTO struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	Client    string `json:"client"`
	Product   string `json:"product"`
	Weight    string `json:"weight"`
	Price     string `json:"price"`
	Revenue   string `json:"revenue"`
	Notes     string `json:"notes,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type HarvestListDTO struct {
	Year         int          `json:"year"`
	Items        []HarvestDTO `json:"items"`
	TotalWeight  string       `json:"total_weight"`
	TotalRevenue string       `json:"total_revenue"`
}

type DeleteHarvestsRequest struct {
	IDs []string `json:"ids"`
}

type DeletedDTO struct {
	Deleted int `json:"deleted"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ViolationDTO is one worker's reason for a rejected batch.
type ViolationDTO struct {
	Worker      string `json:"worker"`
	Code        string `json:"code"`
	Requested   string `json:"requested,omitempty"`
	Outstanding string `json:"outstanding,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Code       string         `json:"code,omitempty"`
	Details    any            `json:"details,omitempty"`
	Violations []ViolationDTO `json:"violations,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(generic.CurrencyPlaces) }

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toUpdateDTOs(updates []generic.PaymentUpdate) []PaymentUpdateDTO {
	out := make([]PaymentUpdateDTO, len(updates))
	for i, u := range updates {
		out[i] = PaymentUpdateDTO{
			RecordID:     string(u.RecordID),
			Date:         u.Date.String(),
			Owed:         money(u.Owed),
			PreviousPaid: money(u.PreviousPaid),
			NewPaid:      money(u.NewPaid),
			Applied:      money(u.Delta()),
		}
	}
	return out
}

func toPlanDTO(p *generic.AllocationPlan) PlanDTO {
	dto := PlanDTO{Workers: []WorkerPlanDTO{}, Total: money(p.Total())}
	if p == nil {
		return dto
	}
	for _, w := range p.Workers {
		dto.Workers = append(dto.Workers, WorkerPlanDTO{
			Worker:    w.Worker,
			Requested: money(w.Requested),
			Applied:   money(w.Applied()),
			Updates:   toUpdateDTOs(w.Updates),
		})
	}
	return dto
}

func toDisbursementDTO(d generic.Disbursement) DisbursementDTO {
	allocs := make([]AllocationDTO, len(d.Allocations))
	for i, a := range d.Allocations {
		allocs[i] = AllocationDTO{RecordID: string(a.RecordID), Amount: money(a.Amount), At: timestamp(a.At)}
	}
	return DisbursementDTO{
		ID:          string(d.ID),
		Worker:      d.Worker,
		Amount:      money(d.Amount),
		Date:        d.Date.String(),
		Notes:       d.Notes,
		Allocations: allocs,
		CreatedAt:   timestamp(d.CreatedAt),
		UpdatedAt:   timestamp(d.UpdatedAt),
	}
}

func toDisbursementDTOs(ds []generic.Disbursement) []DisbursementDTO {
	out := make([]DisbursementDTO, len(ds))
	for i, d := range ds {
		out[i] = toDisbursementDTO(d)
	}
	return out
}

func toReleaseDTO(p generic.ReleasePlan) ReleaseDTO {
	return ReleaseDTO{
		Released:   money(p.Released),
		Unreleased: money(p.Unreleased),
		Updates:    toUpdateDTOs(p.Updates),
	}
}

func toWorkerDTO(w generic.Worker) WorkerDTO {
	return WorkerDTO{Name: w.Name, Active: w.Active, CreatedAt: timestamp(w.CreatedAt)}
}

func toRecordDTO(r generic.PayRecord) RecordDTO {
	due := r.Gap()
	if due.IsNegative() {
		due = decimal.Zero
	}
	return RecordDTO{
		ID:       string(r.ID),
		Worker:   r.Worker,
		Date:     r.Date.String(),
		Owed:     money(r.Owed),
		Paid:     money(r.Paid),
		Due:      money(due),
		Kind:     int(r.Kind),
		Activity: r.Activity,
		Notes:    r.Notes,
		Settled:  r.IsSettled(),
	}
}

func toRecordDTOs(records []generic.PayRecord) []RecordDTO {
	out := make([]RecordDTO, len(records))
	for i, r := range records {
		out[i] = toRecordDTO(r)
	}
	return out
}

func toSummaryDTO(s payroll.WorkerSummary) WorkerSummaryDTO {
	return WorkerSummaryDTO{
		Worker:  s.Worker,
		Active:  s.Active,
		Owed:    money(s.Owed),
		Paid:    money(s.Paid),
		Due:     money(s.Due),
		Days:    s.Days.String(),
		Records: s.Records,
	}
}

func toGroupDTO(g payroll.Group) GroupDTO {
	return GroupDTO{
		Start:   g.Start.String(),
		Label:   g.Label,
		Owed:    money(g.Owed),
		Paid:    money(g.Paid),
		ToPay:   money(g.ToPay),
		Days:    g.Days.String(),
		Records: toRecordDTOs(g.Records),
	}
}

func toHarvestDTO(h harvest.Harvest) HarvestDTO {
	return HarvestDTO{
		ID:        string(h.ID),
		Date:      h.Date.String(),
		Client:    h.Client,
		Product:   h.Product,
		Weight:    h.Weight.StringFixed(harvest.WeightPlaces),
		Price:     money(h.Price),
		Revenue:   money(h.Revenue),
		Notes:     h.Notes,
		Status:    string(h.Status),
		CreatedAt: timestamp(h.CreatedAt),
		UpdatedAt: timestamp(h.UpdatedAt),
	}
}
