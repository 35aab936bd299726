//go:build integration

package mongo_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/store/mongo"
)

// newIntegrationClient connects to the replica set named by
// SUBSIDIA_TEST_MONGO_URI and drops the test database afterwards.
func newIntegrationClient(t *testing.T) (*mongo.Client, generic.OrganizationID) {
	t.Helper()
	uri := os.Getenv("SUBSIDIA_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SUBSIDIA_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, mongo.Config{URI: uri, DBPrefix: "subsidia_test_"})
	require.NoError(t, err)

	org := generic.OrganizationID(fmt.Sprintf("t%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = client.Drop(context.Background(), org)
		_ = client.Close()
	})
	return client, org
}

func rec(id, worker string, d int, owed, paid string) generic.PayRecord {
	return generic.PayRecord{
		ID:     generic.RecordID(id),
		Worker: worker,
		Date:   generic.NewDate(2025, time.March, d),
		Owed:   generic.MustParseMoney(owed),
		Paid:   generic.MustParseMoney(paid),
		Kind:   generic.KindFullDay,
	}
}

func TestMongo_OutstandingAndConditionalWrites(t *testing.T) {
	// GIVEN: gino with two outstanding records and one settled
	ctx := context.Background()
	client, org := newIntegrationClient(t)
	s, err := client.For(ctx, org)
	require.NoError(t, err)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{
		rec("g0", "Gino", 1, "10", "10"),
		rec("g2", "Gino", 3, "40", "0"),
		rec("g1", "Gino", 2, "30", "0"),
	}))

	// WHEN: outstanding records are read with another spelling
	out, err := s.OutstandingRecords(ctx, []string{"GINO"})

	// THEN: oldest first, settled excluded
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, generic.RecordID("g1"), out[0].ID)

	plan := []generic.PaymentUpdate{
		{RecordID: "g1", PreviousPaid: generic.MustParseMoney("0"), NewPaid: generic.MustParseMoney("30")},
		{RecordID: "g2", PreviousPaid: generic.MustParseMoney("0"), NewPaid: generic.MustParseMoney("20")},
	}
	require.NoError(t, s.ApplyPayments(ctx, plan))
	assert.ErrorIs(t, s.ApplyPayments(ctx, plan), generic.ErrConcurrentModification)

	g2, err := s.GetRecord(ctx, "g2")
	require.NoError(t, err)
	assert.True(t, g2.Paid.Equal(generic.MustParseMoney("20")))
}

func TestMongo_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	client, org := newIntegrationClient(t)
	s, err := client.For(ctx, org)
	require.NoError(t, err)
	require.NoError(t, s.InsertRecords(ctx, []generic.PayRecord{rec("r1", "Anna", 1, "100", "0")}))
	boom := errors.New("boom")

	err = s.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.ApplyPayments(ctx, []generic.PaymentUpdate{
			{RecordID: "r1", PreviousPaid: generic.MustParseMoney("0"), NewPaid: generic.MustParseMoney("100")},
		}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	r, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r.Paid.IsZero())
}

func TestMongo_DatabasePerOrganization(t *testing.T) {
	ctx := context.Background()
	client, org := newIntegrationClient(t)
	assert.Equal(t, "subsidia_test_"+string(org), client.DatabaseName(org))

	s, err := client.For(ctx, org)
	require.NoError(t, err)
	require.NoError(t, s.SaveWorker(ctx, generic.Worker{Name: "Anna", Active: true}))

	n, err := client.Raw().Database(client.DatabaseName(org)).Collection("workers").CountDocuments(ctx, bson.M{"_id": "anna"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
