package store

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/slashpay/slashpay/amount"
	"gitlab.com/slashpay/slashpay/db"
	"gitlab.com/slashpay/slashpay/payments"
	"gitlab.com/slashpay/slashpay/testutil"
	"gitlab.com/slashpay/slashpay/util"
)

// openTestPostgres connects to the local test database, skipping the test
// when none is reachable.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	testutil.SkipIfCI(t)

	var conf db.DatabaseConfig
	require.NoError(t, envconfig.Process("", &conf))
	conf.Name = util.GetEnvOrElse("SLASHPAY_TEST_DB", "slashpay_testdb")
	conf.MigrationsPath = "file://../db/migrations"

	database, err := db.Open(conf)
	require.NoError(t, err)
	if err := database.Ping(); err != nil {
		t.Skipf("no test database reachable: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	s := NewPostgres(database)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestPostgresOutgoingRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	p := mockPayment(t)
	require.NoError(t, s.SaveOutgoing(ctx, p))

	got, err := s.GetOutgoing(ctx, p.ID, payments.RemovedDefault)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Amount, got.Amount)
	assert.Equal(t, []string(p.SendingPriority), []string(got.SendingPriority))
	assert.Equal(t, payments.StateInitial, got.State.Internal)
	assert.True(t, got.ExecuteAt.Equal(p.ExecuteAt))

	// primary key violation surfaces as a duplicate id
	err = s.SaveOutgoing(ctx, p)
	assert.Equal(t, payments.ErrDuplicateID, errors.Cause(err))
}

func TestPostgresOutgoingPatch(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	p := mockPayment(t)
	require.NoError(t, s.SaveOutgoing(ctx, p))

	state := p.State
	state.Internal = payments.StateCompleted
	updated, err := s.UpdateOutgoing(ctx, p.ID, payments.Patch{
		"memo":  "settled",
		"state": state,
	})
	require.NoError(t, err)
	assert.Equal(t, "settled", updated.Memo)
	assert.Equal(t, payments.StateCompleted, updated.State.Internal)

	_, err = s.UpdateOutgoing(ctx, p.ID, payments.Patch{"removed": true})
	require.NoError(t, err)
	_, err = s.GetOutgoing(ctx, p.ID, payments.RemovedDefault)
	assert.Equal(t, payments.ErrNotFound, errors.Cause(err))
}

func TestPostgresOrderRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	o := mockOrder(t)
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ID, payments.RemovedDefault)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.State, got.State)
	assert.Equal(t, o.Amount, got.Amount)
}

func TestPostgresIncomingReceipts(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	expected := amount.MustNew("100", "BTC", amount.Base)
	p, err := payments.NewIncomingPayment(payments.NewIncomingArgs{
		ClientOrderID: gofakeit.UUID(),
		Memo:          "invoice",
		Expected:      &expected,
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveIncoming(ctx, p))

	p.AddReceipt(payments.Receipt{
		Name:       "bolt11",
		State:      "success",
		Amount:     amount.MustNew("100", "BTC", amount.Base),
		ReceivedAt: time.Now().UTC(),
	})
	require.NoError(t, p.Update(ctx, s))

	fresh, err := s.GetIncoming(ctx, p.ID, payments.RemovedDefault)
	require.NoError(t, err)
	assert.Equal(t, payments.StateCompleted, fresh.Internal)
	require.Len(t, fresh.Receipts, 1)
	assert.Equal(t, "bolt11", fresh.Receipts[0].Name)

	list, err := s.ListIncoming(ctx, payments.Filter{ClientOrderID: p.ClientOrderID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}
