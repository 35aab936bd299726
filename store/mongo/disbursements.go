package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/subsidia/records-engine/generic"
)

type allocationDoc struct {
	RecordID    string    `bson:"record_id"`
	AmountCents int64     `bson:"amount_cents"`
	At          time.Time `bson:"at"`
}

type disbursementDoc struct {
	ID          string          `bson:"_id"`
	Worker      string          `bson:"worker"`
	WorkerKey   string          `bson:"worker_key"`
	AmountCents int64           `bson:"amount_cents"`
	Date        string          `bson:"date"`
	Notes       string          `bson:"notes,omitempty"`
	Allocations []allocationDoc `bson:"allocations"`
	CreatedAt   time.Time       `bson:"created_at"`
	UpdatedAt   time.Time       `bson:"updated_at"`
}

func toDisbursementDoc(d generic.Disbursement) disbursementDoc {
	allocs := make([]allocationDoc, len(d.Allocations))
	for i, a := range d.Allocations {
		allocs[i] = allocationDoc{RecordID: string(a.RecordID), AmountCents: generic.ToCents(a.Amount), At: a.At.UTC()}
	}
	return disbursementDoc{
		ID:          string(d.ID),
		Worker:      d.Worker,
		WorkerKey:   generic.WorkerKey(d.Worker),
		AmountCents: generic.ToCents(d.Amount),
		Date:        d.Date.String(),
		Notes:       d.Notes,
		Allocations: allocs,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func (d disbursementDoc) disbursement() (generic.Disbursement, error) {
	date, err := generic.ParseDate(d.Date)
	if err != nil {
		return generic.Disbursement{}, fmt.Errorf("bad stored date %q: %w", d.Date, err)
	}
	out := generic.Disbursement{
		ID:        generic.DisbursementID(d.ID),
		Worker:    d.Worker,
		Amount:    generic.FromCents(d.AmountCents),
		Date:      date,
		Notes:     d.Notes,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, a := range d.Allocations {
		out.Allocations = append(out.Allocations, generic.Allocation{
			RecordID: generic.RecordID(a.RecordID),
			Amount:   generic.FromCents(a.AmountCents),
			At:       a.At,
		})
	}
	return out, nil
}

// SaveDisbursement replaces the whole document, allocation lines included.
func (s *Store) SaveDisbursement(ctx context.Context, d generic.Disbursement) error {
	_, err := s.coll(disbursementsCollection).ReplaceOne(s.ctx(ctx),
		bson.M{"_id": string(d.ID)},
		toDisbursementDoc(d),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save disbursement: %w", err)
	}
	return nil
}

func (s *Store) GetDisbursement(ctx context.Context, id generic.DisbursementID) (generic.Disbursement, error) {
	var d disbursementDoc
	err := s.coll(disbursementsCollection).FindOne(s.ctx(ctx), bson.M{"_id": string(id)}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return generic.Disbursement{}, generic.ErrDisbursementNotFound
	}
	if err != nil {
		return generic.Disbursement{}, fmt.Errorf("failed to get disbursement: %w", err)
	}
	return d.disbursement()
}

func (s *Store) DeleteDisbursement(ctx context.Context, id generic.DisbursementID) error {
	res, err := s.coll(disbursementsCollection).DeleteOne(s.ctx(ctx), bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("failed to delete disbursement: %w", err)
	}
	if res.DeletedCount == 0 {
		return generic.ErrDisbursementNotFound
	}
	return nil
}

func (s *Store) ListDisbursements(ctx context.Context, worker string, page generic.Page) ([]generic.Disbursement, int, error) {
	ctx = s.ctx(ctx)
	page = page.Normalize()

	q := bson.M{}
	if worker != "" {
		q["worker_key"] = generic.WorkerKey(worker)
	}
	coll := s.coll(disbursementsCollection)

	total, err := coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count disbursements: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset())).
		SetLimit(int64(page.Size))
	cur, err := coll.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query disbursements: %w", err)
	}
	var docs []disbursementDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode disbursements: %w", err)
	}

	items := make([]generic.Disbursement, 0, len(docs))
	for _, d := range docs {
		out, err := d.disbursement()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, out)
	}
	return items, int(total), nil
}
