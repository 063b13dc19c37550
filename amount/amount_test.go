package amount_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/slashpay/slashpay/amount"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("applies defaults", func(t *testing.T) {
		a, err := amount.New("100", "", "")
		require.NoError(t, err)
		assert.Equal(t, "BTC", a.Currency)
		assert.Equal(t, amount.Base, a.Denomination)
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		a, err := amount.New("1.5", "USD", amount.Main)
		require.NoError(t, err)
		assert.Equal(t, "USD", a.Currency)
		assert.Equal(t, amount.Main, a.Denomination)
	})

	tests := []struct {
		name         string
		value        string
		currency     string
		denomination amount.Denomination
		want         error
	}{
		{"empty amount", "", "BTC", amount.Base, amount.ErrAmountRequired},
		{"non-numeric amount", "one hundred", "BTC", amount.Base, amount.ErrAmountRequired},
		{"negative amount", "-1", "BTC", amount.Base, amount.ErrAmountRequired},
		{"bad denomination", "1", "BTC", "SATS", amount.ErrInvalidDenomination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := amount.New(tt.value, tt.currency, tt.denomination)
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.Cause(err))
		})
	}
}

func TestArithmetic(t *testing.T) {
	t.Parallel()

	sixty := amount.MustNew("60", "BTC", amount.Base)
	forty := amount.MustNew("40", "BTC", amount.Base)
	hundred := amount.MustNew("100", "BTC", amount.Base)

	assert.Equal(t, 0, sixty.Add(forty).Cmp(hundred))
	assert.Equal(t, -1, sixty.Cmp(hundred))
	assert.Equal(t, 1, hundred.Cmp(forty))
	assert.Equal(t, "40", hundred.Sub(sixty).Amount)
	assert.True(t, hundred.Sub(hundred).IsZero())
}

func TestSerialize(t *testing.T) {
	t.Parallel()

	a := amount.MustNew("100", "BTC", amount.Base)
	assert.Equal(t, map[string]interface{}{
		"amount":       "100",
		"currency":     "BTC",
		"denomination": "BASE",
	}, a.Serialize())
}
