package harvest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/subsidia/records-engine/generic"
)

// Input is a create or update request. On update, nil fields keep their
// stored value. A nil Revenue is derived from weight and price.
type Input struct {
	Date    *generic.Date
	Client  *string
	Product *string
	Weight  *decimal.Decimal
	Price   *decimal.Decimal
	Revenue *decimal.Decimal
	Notes   *string
	Status  *string
}

type Service struct {
	Stores Provider
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

func NewService(stores Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Stores: stores, Logger: logger, Now: time.Now, NewID: uuid.NewString}
}

// Create validates and stores a new harvest.
func (s *Service) Create(ctx context.Context, org generic.OrganizationID, in Input) (Harvest, error) {
	if in.Date == nil {
		return Harvest{}, &ValidationError{Field: "date", Reason: "date is required"}
	}
	now := s.now()
	h := Harvest{ID: ID(s.newID()), Status: StatusUnpaid, CreatedAt: now, UpdatedAt: now}
	if err := apply(&h, in); err != nil {
		return Harvest{}, err
	}

	store, err := s.Stores.Harvests(ctx, org)
	if err != nil {
		return Harvest{}, err
	}
	if err := store.InsertHarvest(ctx, h); err != nil {
		return Harvest{}, fmt.Errorf("insert harvest: %w", err)
	}
	s.logger().Info("harvest created", zap.String("org", string(org)), zap.String("harvest", string(h.ID)))
	return h, nil
}

// Update merges in into the stored harvest. Revenue is derived again when
// weight or price change and no revenue is given.
func (s *Service) Update(ctx context.Context, org generic.OrganizationID, id ID, in Input) (Harvest, error) {
	store, err := s.Stores.Harvests(ctx, org)
	if err != nil {
		return Harvest{}, err
	}
	h, err := store.GetHarvest(ctx, id)
	if err != nil {
		return Harvest{}, err
	}
	if err := apply(&h, in); err != nil {
		return Harvest{}, err
	}
	h.UpdatedAt = s.now()
	if err := store.UpdateHarvest(ctx, h); err != nil {
		return Harvest{}, err
	}
	return h, nil
}

func (s *Service) Get(ctx context.Context, org generic.OrganizationID, id ID) (Harvest, error) {
	store, err := s.Stores.Harvests(ctx, org)
	if err != nil {
		return Harvest{}, err
	}
	return store.GetHarvest(ctx, id)
}

// Delete removes many harvests at once and returns how many existed.
func (s *Service) Delete(ctx context.Context, org generic.OrganizationID, ids []ID) (int, error) {
	if len(ids) == 0 {
		return 0, ErrNoIDs
	}
	store, err := s.Stores.Harvests(ctx, org)
	if err != nil {
		return 0, err
	}
	n, err := store.DeleteHarvests(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete harvests: %w", err)
	}
	s.logger().Info("harvests deleted", zap.String("org", string(org)), zap.Int("count", n))
	return n, nil
}

// ListByYear returns a year's harvests, newest first. Year 0 means the
// current year.
func (s *Service) ListByYear(ctx context.Context, org generic.OrganizationID, year int) ([]Harvest, error) {
	if year == 0 {
		year = s.CurrentYear()
	}
	store, err := s.Stores.Harvests(ctx, org)
	if err != nil {
		return nil, err
	}
	return store.HarvestsByYear(ctx, year)
}

// CurrentYear is the year ListByYear uses when given 0.
func (s *Service) CurrentYear() int { return s.now().Year() }

func (s *Service) Years(ctx context.Context, org generic.OrganizationID) ([]int, error) {
	store, err := s.Stores.Harvests(ctx, org)
	if err != nil {
		return nil, err
	}
	return store.HarvestYears(ctx)
}

func (s *Service) Distinct(ctx context.Context, org generic.OrganizationID, field string) ([]string, error) {
	f, err := ParseField(field)
	if err != nil {
		return nil, err
	}
	store, err := s.Stores.Harvests(ctx, org)
	if err != nil {
		return nil, err
	}
	return store.DistinctValues(ctx, f)
}

// Totals sums weight and revenue of a listing.
func Totals(hs []Harvest) (weight, revenue decimal.Decimal) {
	weight, revenue = decimal.Zero, decimal.Zero
	for _, h := range hs {
		weight = weight.Add(h.Weight)
		revenue = revenue.Add(h.Revenue)
	}
	return weight, revenue
}

// =============================================================================
// VALIDATION
// =============================================================================

func apply(h *Harvest, in Input) error {
	if in.Date != nil {
		if in.Date.IsZero() {
			return &ValidationError{Field: "date", Reason: "date is required"}
		}
		h.Date = *in.Date
	}
	if in.Client != nil {
		h.Client = strings.TrimSpace(*in.Client)
	}
	if in.Product != nil {
		h.Product = strings.TrimSpace(*in.Product)
	}
	if in.Notes != nil {
		h.Notes = *in.Notes
	}
	if in.Status != nil {
		st, err := ParseStatus(*in.Status)
		if err != nil {
			return err
		}
		h.Status = st
	}

	derive := false
	if in.Weight != nil {
		if in.Weight.IsNegative() || !in.Weight.Equal(in.Weight.Round(WeightPlaces)) {
			return &ValidationError{Field: "weight", Reason: "must be non-negative with at most 3 decimals"}
		}
		h.Weight = *in.Weight
		derive = true
	}
	if in.Price != nil {
		if err := generic.CheckAmount("", *in.Price); err != nil {
			return &ValidationError{Field: "price", Reason: err.Error()}
		}
		h.Price = *in.Price
		derive = true
	}

	switch {
	case in.Revenue != nil:
		if err := generic.CheckAmount("", *in.Revenue); err != nil {
			return &ValidationError{Field: "revenue", Reason: err.Error()}
		}
		h.Revenue = *in.Revenue
	case derive:
		revenue := h.Weight.Mul(h.Price).Round(generic.CurrencyPlaces)
		if err := generic.CheckAmount("", revenue); err != nil {
			return &ValidationError{Field: "revenue", Reason: err.Error()}
		}
		h.Revenue = revenue
	}
	return nil
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}
