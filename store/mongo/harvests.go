package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
)

type harvestDoc struct {
	ID           string    `bson:"_id"`
	Date         string    `bson:"date"`
	Year         int       `bson:"year"`
	Client       string    `bson:"client"`
	Product      string    `bson:"product"`
	Weight       string    `bson:"weight"`
	PriceCents   int64     `bson:"price_cents"`
	RevenueCents int64     `bson:"revenue_cents"`
	Notes        string    `bson:"notes,omitempty"`
	Status       string    `bson:"status"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func toHarvestDoc(h harvest.Harvest) harvestDoc {
	return harvestDoc{
		ID:           string(h.ID),
		Date:         h.Date.String(),
		Year:         h.Date.Year(),
		Client:       h.Client,
		Product:      h.Product,
		Weight:       h.Weight.String(),
		PriceCents:   generic.ToCents(h.Price),
		RevenueCents: generic.ToCents(h.Revenue),
		Notes:        h.Notes,
		Status:       string(h.Status),
		CreatedAt:    h.CreatedAt.UTC(),
		UpdatedAt:    h.UpdatedAt.UTC(),
	}
}

func (d harvestDoc) harvest() (harvest.Harvest, error) {
	date, err := generic.ParseDate(d.Date)
	if err != nil {
		return harvest.Harvest{}, fmt.Errorf("bad stored date %q: %w", d.Date, err)
	}
	weight, err := decimal.NewFromString(d.Weight)
	if err != nil {
		return harvest.Harvest{}, fmt.Errorf("bad stored weight %q: %w", d.Weight, err)
	}
	return harvest.Harvest{
		ID:        harvest.ID(d.ID),
		Date:      date,
		Client:    d.Client,
		Product:   d.Product,
		Weight:    weight,
		Price:     generic.FromCents(d.PriceCents),
		Revenue:   generic.FromCents(d.RevenueCents),
		Notes:     d.Notes,
		Status:    harvest.Status(d.Status),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func (s *Store) InsertHarvest(ctx context.Context, h harvest.Harvest) error {
	if _, err := s.coll(harvestsCollection).InsertOne(s.ctx(ctx), toHarvestDoc(h)); err != nil {
		return fmt.Errorf("failed to insert harvest: %w", err)
	}
	return nil
}

func (s *Store) UpdateHarvest(ctx context.Context, h harvest.Harvest) error {
	res, err := s.coll(harvestsCollection).ReplaceOne(s.ctx(ctx), bson.M{"_id": string(h.ID)}, toHarvestDoc(h))
	if err != nil {
		return fmt.Errorf("failed to update harvest: %w", err)
	}
	if res.MatchedCount == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

func (s *Store) GetHarvest(ctx context.Context, id harvest.ID) (harvest.Harvest, error) {
	var d harvestDoc
	err := s.coll(harvestsCollection).FindOne(s.ctx(ctx), bson.M{"_id": string(id)}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return harvest.Harvest{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Harvest{}, fmt.Errorf("failed to get harvest: %w", err)
	}
	return d.harvest()
}

func (s *Store) DeleteHarvests(ctx context.Context, ids []harvest.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	res, err := s.coll(harvestsCollection).DeleteMany(s.ctx(ctx), bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete harvests: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) HarvestsByYear(ctx context.Context, year int) ([]harvest.Harvest, error) {
	ctx = s.ctx(ctx)
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.coll(harvestsCollection).Find(ctx, bson.M{"year": year}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query harvests: %w", err)
	}
	var docs []harvestDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode harvests: %w", err)
	}
	out := make([]harvest.Harvest, 0, len(docs))
	for _, d := range docs {
		h, err := d.harvest()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) HarvestYears(ctx context.Context) ([]int, error) {
	raw, err := s.coll(harvestsCollection).Distinct(s.ctx(ctx), "year", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to query harvest years: %w", err)
	}
	years := make([]int, 0, len(raw))
	for _, v := range raw {
		switch y := v.(type) {
		case int32:
			years = append(years, int(y))
		case int64:
			years = append(years, int(y))
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years, nil
}

func (s *Store) DistinctValues(ctx context.Context, field harvest.Field) ([]string, error) {
	if field != harvest.FieldClient && field != harvest.FieldProduct {
		return nil, harvest.ErrUnknownField
	}
	name := string(field)
	raw, err := s.coll(harvestsCollection).Distinct(s.ctx(ctx), name, bson.M{name: bson.M{"$ne": ""}})
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct %s: %w", name, err)
	}
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			values = append(values, str)
		}
	}
	sort.Strings(values)
	return values, nil
}
