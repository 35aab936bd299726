/*
Package harvest keeps the collection records (raccolte) of an organization.

PURPOSE:
  A harvest record is one delivery of product to a client: how much was
  weighed, at what unit price, what it earned and whether the client has
  paid for it. Records are grouped by year in every listing.

KEY CONCEPTS:
  Harvest:  one delivery
  Status:   unpaid -> advance -> paid, set by hand
  Revenue:  weight * price (rounded to cents) unless given explicitly

SEE ALSO:
  - service.go: validation and lifecycle
  - store/sqlite, store/mongo, generic/store: Store implementations
*/
package harvest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/subsidia/records-engine/generic"
)

// =============================================================================
// TYPES
// =============================================================================

type ID string

type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusAdvance Status = "advance"
	StatusPaid    Status = "paid"
)

// ParseStatus accepts the English codes and the Italian labels used by
// existing clients ("Da Pagare", "Acconto", "Pagato"). Empty means unpaid.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unpaid", "da pagare":
		return StatusUnpaid, nil
	case "advance", "acconto":
		return StatusAdvance, nil
	case "paid", "pagato":
		return StatusPaid, nil
	default:
		return "", &ValidationError{Field: "status", Reason: "unknown status " + s}
	}
}

// WeightPlaces is the precision weights are kept at (grams for kilos).
const WeightPlaces = 3

type Harvest struct {
	ID      ID
	Date    generic.Date
	Client  string
	Product string
	Weight  decimal.Decimal
	Price   decimal.Decimal
	Revenue decimal.Decimal
	Notes   string
	Status  Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Field names a column DistinctValues can enumerate.
type Field string

const (
	FieldClient  Field = "client"
	FieldProduct Field = "product"
)

func ParseField(s string) (Field, error) {
	switch f := Field(strings.ToLower(strings.TrimSpace(s))); f {
	case FieldClient, FieldProduct:
		return f, nil
	default:
		return "", ErrUnknownField
	}
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotFound     = errors.New("harvest not found")
	ErrInvalid      = errors.New("invalid harvest")
	ErrUnknownField = errors.New("unknown harvest field")
	ErrNoIDs        = errors.New("no harvest ids given")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return "invalid harvest " + e.Field + ": " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	InsertHarvest(ctx context.Context, h Harvest) error

	// UpdateHarvest returns ErrNotFound for unknown ids.
	UpdateHarvest(ctx context.Context, h Harvest) error

	GetHarvest(ctx context.Context, id ID) (Harvest, error)

	// DeleteHarvests removes the given ids and reports how many existed.
	DeleteHarvests(ctx context.Context, ids []ID) (int, error)

	// HarvestsByYear returns the harvests dated in year, newest first.
	HarvestsByYear(ctx context.Context, year int) ([]Harvest, error)

	// HarvestYears returns every year with at least one harvest, descending.
	HarvestYears(ctx context.Context) ([]int, error)

	// DistinctValues returns the distinct non-empty values of field, sorted.
	DistinctValues(ctx context.Context, field Field) ([]string, error)
}

// Provider hands out the harvest store of one organization.
type Provider interface {
	Harvests(ctx context.Context, org generic.OrganizationID) (Store, error)
}
