package harvest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/generic/store"
	"github.com/subsidia/records-engine/harvest"
)

const testOrg generic.OrganizationID = "acme"

func newService(t *testing.T) *harvest.Service {
	t.Helper()
	svc := harvest.NewService(store.NewProvider(), nil)
	n := 0
	svc.NewID = func() string { n++; return fmt.Sprintf("h%03d", n) }
	svc.Now = func() time.Time { return time.Date(2025, time.October, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func ptr[T any](v T) *T { return &v }

func dec(s string) *decimal.Decimal { return ptr(decimal.RequireFromString(s)) }

func input(date generic.Date, client, product, weight, price string) harvest.Input {
	return harvest.Input{
		Date:    &date,
		Client:  ptr(client),
		Product: ptr(product),
		Weight:  dec(weight),
		Price:   dec(price),
	}
}

func TestCreate_DerivesRevenue(t *testing.T) {
	// GIVEN: 120.5 kg at 0.80
	ctx := context.Background()
	svc := newService(t)

	// WHEN
	h, err := svc.Create(ctx, testOrg, input(generic.NewDate(2024, time.September, 20), " Coop ", "Uva", "120.5", "0.80"))

	// THEN: revenue is weight x price in cents, status defaults to unpaid
	require.NoError(t, err)
	assert.Equal(t, harvest.ID("h001"), h.ID)
	assert.Equal(t, "Coop", h.Client)
	assert.Equal(t, "96.40", h.Revenue.StringFixed(2))
	assert.Equal(t, harvest.StatusUnpaid, h.Status)

	got, err := svc.Get(ctx, testOrg, h.ID)
	require.NoError(t, err)
	assert.True(t, got.Weight.Equal(decimal.RequireFromString("120.5")))
}

func TestCreate_ExplicitRevenueWins(t *testing.T) {
	svc := newService(t)
	in := input(generic.NewDate(2024, time.September, 20), "Coop", "Uva", "100", "1")
	in.Revenue = dec("80")
	in.Status = ptr("Acconto")

	h, err := svc.Create(context.Background(), testOrg, in)

	require.NoError(t, err)
	assert.Equal(t, "80.00", h.Revenue.StringFixed(2))
	assert.Equal(t, harvest.StatusAdvance, h.Status)
}

func TestCreate_Validation(t *testing.T) {
	day := generic.NewDate(2024, time.September, 20)
	tests := []struct {
		name  string
		in    harvest.Input
		field string
	}{
		{name: "missing date", in: harvest.Input{Client: ptr("Coop")}, field: "date"},
		{name: "negative weight", in: harvest.Input{Date: &day, Weight: dec("-1")}, field: "weight"},
		{name: "weight below grams", in: harvest.Input{Date: &day, Weight: dec("1.0001")}, field: "weight"},
		{name: "sub-cent price", in: harvest.Input{Date: &day, Price: dec("0.805")}, field: "price"},
		{name: "negative revenue", in: harvest.Input{Date: &day, Revenue: dec("-3")}, field: "revenue"},
		{name: "unknown status", in: harvest.Input{Date: &day, Status: ptr("maybe")}, field: "status"},
		{name: "derived revenue too large", in: harvest.Input{Date: &day, Weight: dec("10000000000"), Price: dec("1000")}, field: "revenue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newService(t).Create(context.Background(), testOrg, tt.in)

			var verr *harvest.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, harvest.ErrInvalid)
		})
	}
}

func TestUpdate_MergesAndRederives(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	h, err := svc.Create(ctx, testOrg, input(generic.NewDate(2024, time.September, 20), "Coop", "Uva", "100", "1"))
	require.NoError(t, err)

	updated, err := svc.Update(ctx, testOrg, h.ID, harvest.Input{Price: dec("1.25"), Status: ptr("pagato")})

	require.NoError(t, err)
	assert.Equal(t, "Coop", updated.Client)
	assert.Equal(t, "125.00", updated.Revenue.StringFixed(2))
	assert.Equal(t, harvest.StatusPaid, updated.Status)

	_, err = svc.Update(ctx, testOrg, "missing", harvest.Input{})
	assert.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestListByYear_Years_Distinct(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	for _, in := range []harvest.Input{
		input(generic.NewDate(2024, time.September, 20), "Coop", "Uva", "100", "1"),
		input(generic.NewDate(2025, time.August, 2), "Mercato", "Olive", "10", "2"),
		input(generic.NewDate(2025, time.September, 5), "Coop", "Uva", "5.5", "2"),
	} {
		_, err := svc.Create(ctx, testOrg, in)
		require.NoError(t, err)
	}

	// year 0 means the current year
	current, err := svc.ListByYear(ctx, testOrg, 0)
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, "2025-09-05", current[0].Date.String())

	weight, revenue := harvest.Totals(current)
	assert.Equal(t, "15.500", weight.StringFixed(harvest.WeightPlaces))
	assert.Equal(t, "31.00", revenue.StringFixed(2))

	years, err := svc.Years(ctx, testOrg)
	require.NoError(t, err)
	assert.Equal(t, []int{2025, 2024}, years)

	clients, err := svc.Distinct(ctx, testOrg, "client")
	require.NoError(t, err)
	assert.Equal(t, []string{"Coop", "Mercato"}, clients)

	_, err = svc.Distinct(ctx, testOrg, "price")
	assert.ErrorIs(t, err, harvest.ErrUnknownField)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	h, err := svc.Create(ctx, testOrg, input(generic.NewDate(2024, time.September, 20), "Coop", "Uva", "1", "1"))
	require.NoError(t, err)

	n, err := svc.Delete(ctx, testOrg, []harvest.ID{h.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Delete(ctx, testOrg, nil)
	assert.ErrorIs(t, err, harvest.ErrNoIDs)

	_, err = svc.Get(ctx, testOrg, h.ID)
	assert.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]harvest.Status{
		"":          harvest.StatusUnpaid,
		"Da Pagare": harvest.StatusUnpaid,
		"ACCONTO":   harvest.StatusAdvance,
		" paid ":    harvest.StatusPaid,
	} {
		got, err := harvest.ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
