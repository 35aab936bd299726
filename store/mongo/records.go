package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/subsidia/records-engine/generic"
)

type workerDoc struct {
	Key       string    `bson:"_id"`
	Name      string    `bson:"name"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

type recordDoc struct {
	ID        string    `bson:"_id"`
	Worker    string    `bson:"worker"`
	WorkerKey string    `bson:"worker_key"`
	Date      string    `bson:"date"`
	OwedCents int64     `bson:"owed_cents"`
	PaidCents int64     `bson:"paid_cents"`
	Kind      int       `bson:"kind"`
	Activity  string    `bson:"activity,omitempty"`
	Notes     string    `bson:"notes,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func toRecordDoc(r generic.PayRecord) recordDoc {
	return recordDoc{
		ID:        string(r.ID),
		Worker:    r.Worker,
		WorkerKey: generic.WorkerKey(r.Worker),
		Date:      r.Date.String(),
		OwedCents: generic.ToCents(r.Owed),
		PaidCents: generic.ToCents(r.Paid),
		Kind:      int(r.Kind),
		Activity:  r.Activity,
		Notes:     r.Notes,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (d recordDoc) record() (generic.PayRecord, error) {
	date, err := generic.ParseDate(d.Date)
	if err != nil {
		return generic.PayRecord{}, fmt.Errorf("bad stored date %q: %w", d.Date, err)
	}
	return generic.PayRecord{
		ID:        generic.RecordID(d.ID),
		Worker:    d.Worker,
		Date:      date,
		Owed:      generic.FromCents(d.OwedCents),
		Paid:      generic.FromCents(d.PaidCents),
		Kind:      generic.WorkKind(d.Kind),
		Activity:  d.Activity,
		Notes:     d.Notes,
		CreatedAt: d.CreatedAt,
	}, nil
}

// =============================================================================
// WORKERS
// =============================================================================

func (s *Store) Workers(ctx context.Context) ([]generic.Worker, error) {
	ctx = s.ctx(ctx)
	cur, err := s.coll(workersCollection).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	var docs []workerDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode workers: %w", err)
	}
	workers := make([]generic.Worker, len(docs))
	for i, d := range docs {
		workers[i] = generic.Worker{Name: d.Name, Active: d.Active, CreatedAt: d.CreatedAt}
	}
	return workers, nil
}

// SaveWorker upserts by case-folded name; the stored spelling is kept.
func (s *Store) SaveWorker(ctx context.Context, w generic.Worker) error {
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.coll(workersCollection).UpdateOne(s.ctx(ctx),
		bson.M{"_id": generic.WorkerKey(w.Name)},
		bson.M{
			"$set":         bson.M{"active": w.Active},
			"$setOnInsert": bson.M{"name": w.Name, "created_at": createdAt.UTC()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

// =============================================================================
// PAY-RECORDS
// =============================================================================

func (s *Store) InsertRecords(ctx context.Context, records []generic.PayRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]any, len(records))
	for i, r := range records {
		docs[i] = toRecordDoc(r)
	}
	return s.atomic(ctx, func(tx *Store) error {
		if _, err := tx.coll(recordsCollection).InsertMany(tx.ctx(ctx), docs); err != nil {
			return fmt.Errorf("failed to insert pay records: %w", err)
		}
		return nil
	})
}

func (s *Store) GetRecord(ctx context.Context, id generic.RecordID) (generic.PayRecord, error) {
	var d recordDoc
	err := s.coll(recordsCollection).FindOne(s.ctx(ctx), bson.M{"_id": string(id)}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return generic.PayRecord{}, generic.ErrRecordNotFound
	}
	if err != nil {
		return generic.PayRecord{}, fmt.Errorf("failed to get pay record: %w", err)
	}
	return d.record()
}

// UpdateRecord rewrites everything but worker and paid. The filter keeps
// owed at or above the stored paid amount.
func (s *Store) UpdateRecord(ctx context.Context, r generic.PayRecord) error {
	owed := generic.ToCents(r.Owed)
	res, err := s.coll(recordsCollection).UpdateOne(s.ctx(ctx),
		bson.M{"_id": string(r.ID), "paid_cents": bson.M{"$lte": owed}},
		bson.M{"$set": bson.M{
			"date":       r.Date.String(),
			"owed_cents": owed,
			"kind":       int(r.Kind),
			"activity":   r.Activity,
			"notes":      r.Notes,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update pay record: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := s.GetRecord(ctx, r.ID); err != nil {
		return err
	}
	return generic.ErrOwedBelowPaid
}

func (s *Store) DeleteRecord(ctx context.Context, id generic.RecordID) error {
	res, err := s.coll(recordsCollection).DeleteOne(s.ctx(ctx), bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("failed to delete pay record: %w", err)
	}
	if res.DeletedCount == 0 {
		return generic.ErrRecordNotFound
	}
	return nil
}

func (s *Store) Records(ctx context.Context, filter generic.RecordFilter) ([]generic.PayRecord, error) {
	q := bson.M{}
	date := bson.M{}
	if !filter.From.IsZero() {
		date["$gte"] = filter.From.String()
	}
	if !filter.To.IsZero() {
		date["$lte"] = filter.To.String()
	}
	if len(date) > 0 {
		q["date"] = date
	}
	if filter.Search != "" {
		q["worker_key"] = bson.M{"$regex": regexp.QuoteMeta(generic.WorkerKey(filter.Search))}
	}

	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return s.findRecords(ctx, q, opts)
}

func (s *Store) OutstandingRecords(ctx context.Context, workers []string) ([]generic.PayRecord, error) {
	if len(workers) == 0 {
		return nil, nil
	}
	keys := make([]string, len(workers))
	for i, w := range workers {
		keys[i] = generic.WorkerKey(w)
	}
	q := bson.M{
		"worker_key": bson.M{"$in": keys},
		"$expr":      bson.M{"$lt": bson.A{"$paid_cents", "$owed_cents"}},
	}
	return s.findRecords(ctx, q, options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 1}}))
}

func (s *Store) PaidRecords(ctx context.Context, worker string) ([]generic.PayRecord, error) {
	q := bson.M{"worker_key": generic.WorkerKey(worker), "paid_cents": bson.M{"$gt": 0}}
	return s.findRecords(ctx, q, options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: -1}}))
}

// ApplyPayments writes every update conditionally, all or nothing.
func (s *Store) ApplyPayments(ctx context.Context, updates []generic.PaymentUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.atomic(ctx, func(tx *Store) error {
		coll := tx.coll(recordsCollection)
		for _, u := range updates {
			newPaid := generic.ToCents(u.NewPaid)
			res, err := coll.UpdateOne(tx.ctx(ctx),
				bson.M{
					"_id":        string(u.RecordID),
					"paid_cents": generic.ToCents(u.PreviousPaid),
					"owed_cents": bson.M{"$gte": newPaid},
				},
				bson.M{"$set": bson.M{"paid_cents": newPaid}},
			)
			if err != nil {
				return fmt.Errorf("failed to apply payment to %s: %w", u.RecordID, err)
			}
			if res.MatchedCount == 0 {
				return fmt.Errorf("record %s: %w", u.RecordID, generic.ErrConcurrentModification)
			}
		}
		return nil
	})
}

func (s *Store) findRecords(ctx context.Context, q bson.M, opts *options.FindOptions) ([]generic.PayRecord, error) {
	ctx = s.ctx(ctx)
	cur, err := s.coll(recordsCollection).Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query pay records: %w", err)
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode pay records: %w", err)
	}
	records := make([]generic.PayRecord, 0, len(docs))
	for _, d := range docs {
		r, err := d.record()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}
