package payments

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/slashpay/slashpay/amount"
)

func validArgs() NewPaymentArgs {
	return NewPaymentArgs{
		OrderID:         "order-1",
		ClientOrderID:   "client-1",
		CounterpartyURL: "mock://drive/counterparty/slashpay.json",
		Memo:            "rent",
		SendingPriority: []string{"bolt11", "onchain"},
		Amount:          amount.MustNew("1000", "BTC", amount.Base),
		ExecuteAt:       time.Now(),
	}
}

func TestNewPayment(t *testing.T) {
	t.Parallel()
	p, err := NewPayment(validArgs())
	require.NoError(t, err)

	assert.Empty(t, p.ID)
	assert.Equal(t, DirectionOut, p.Direction)
	assert.Equal(t, StateInitial, p.State.Internal)
	assert.Equal(t, []string{"bolt11", "onchain"}, p.State.PendingPlugins)
	assert.True(t, p.IsNew())
	assert.False(t, p.IsFinal())
}

func TestNewPaymentValidation(t *testing.T) {
	t.Parallel()

	args := validArgs()
	args.CounterpartyURL = ""
	_, err := NewPayment(args)
	assert.Error(t, err)

	args = validArgs()
	args.Amount = amount.Amount{Amount: "-5", Currency: "BTC", Denomination: amount.Base}
	_, err = NewPayment(args)
	assert.Equal(t, amount.ErrAmountRequired, errorCause(err))
}

func TestIsDue(t *testing.T) {
	t.Parallel()

	args := validArgs()
	args.ExecuteAt = time.Now().Add(-time.Minute)
	p, err := NewPayment(args)
	require.NoError(t, err)
	assert.True(t, p.IsDue())

	args.ExecuteAt = time.Now().Add(time.Minute)
	p, err = NewPayment(args)
	require.NoError(t, err)
	assert.False(t, p.IsDue())
}

func TestPayload(t *testing.T) {
	t.Parallel()
	p, err := NewPayment(validArgs())
	require.NoError(t, err)
	p.ID = "payment-1"

	payload := p.Payload()
	assert.Equal(t, "payment-1", payload.ID)
	assert.Equal(t, "order-1", payload.OrderID)
	assert.Equal(t, "rent", payload.Memo)
	assert.Equal(t, "1000", payload.Amount)
	assert.Equal(t, "BTC", payload.Currency)
	assert.Equal(t, amount.Base, payload.Denomination)

	// the restricted view leaks neither the counterparty nor the plugin log
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "counterparty")
	assert.NotContains(t, string(raw), "sendingPriority")
}

func TestStateJSONRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewState([]string{"a", "b"})
	_, err := s.Process()
	require.NoError(t, err)
	require.NoError(t, s.FailCurrentPlugin())

	value, err := s.Value()
	require.NoError(t, err)

	var decoded State
	require.NoError(t, decoded.Scan(value.([]byte)))
	assert.Equal(t, s.Internal, decoded.Internal)
	assert.Equal(t, s.PendingPlugins, decoded.PendingPlugins)
	require.Len(t, decoded.TriedPlugins, 1)
	assert.Equal(t, "a", decoded.TriedPlugins[0].Name)
}

func TestReceiptsTotal(t *testing.T) {
	t.Parallel()
	r := Receipts{
		{Name: "a", Amount: amount.MustNew("60", "BTC", amount.Base)},
		{Name: "b", Amount: amount.MustNew("30", "BTC", amount.Base)},
	}
	assert.Equal(t, "90", r.Total().String())
	assert.Equal(t, "0", Receipts{}.Total().String())
}

func TestIncomingAddReceipt(t *testing.T) {
	t.Parallel()
	expected := amount.MustNew("100", "BTC", amount.Base)
	p, err := NewIncomingPayment(NewIncomingArgs{
		ClientOrderID: "client-1",
		Expected:      &expected,
	})
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, p.Internal)
	assert.Equal(t, DirectionIn, p.Direction)

	p.AddReceipt(Receipt{Name: "bolt11", Amount: amount.MustNew("60", "BTC", amount.Base)})
	assert.Equal(t, StateInProgress, p.Internal)
	require.NotNil(t, p.MissingAmount())
	assert.Equal(t, "40", p.MissingAmount().Amount)

	p.AddReceipt(Receipt{Name: "onchain", Amount: amount.MustNew("40", "BTC", amount.Base)})
	assert.Equal(t, StateCompleted, p.Internal)
	assert.Nil(t, p.MissingAmount())
	require.NotNil(t, p.Amount)
	assert.Equal(t, "100", p.Amount.Amount)
	require.Len(t, p.Receipts, 2)
	assert.False(t, p.Receipts[0].ReceivedAt.IsZero())
}

func TestIncomingOverpaymentCompletes(t *testing.T) {
	t.Parallel()
	expected := amount.MustNew("100", "BTC", amount.Base)
	p, err := NewIncomingPayment(NewIncomingArgs{Expected: &expected})
	require.NoError(t, err)

	p.AddReceipt(Receipt{Name: "bolt11", Amount: amount.MustNew("150", "BTC", amount.Base)})
	assert.Equal(t, StateCompleted, p.Internal)
	assert.Nil(t, p.MissingAmount())
}

func TestIncomingSerialize(t *testing.T) {
	t.Parallel()
	expected := amount.MustNew("100", "BTC", amount.Base)
	p, err := NewIncomingPayment(NewIncomingArgs{
		ClientOrderID: "client-1",
		Expected:      &expected,
	})
	require.NoError(t, err)

	out := p.Serialize()
	assert.Equal(t, "client-1", out["clientOrderId"])
	assert.Equal(t, "100", out["expectedAmount"])
	assert.Equal(t, "BTC", out["expectedCurrency"])
	assert.Equal(t, "BASE", out["expectedDenomination"])
	_, hasAmount := out["amount"]
	assert.False(t, hasAmount)
}
