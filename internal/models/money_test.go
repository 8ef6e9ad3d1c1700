package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMoney(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		wantErr  bool
	}{
		{"yen whole", "2800", "JPY", false},
		{"yen fraction rejected", "2800.5", "JPY", true},
		{"dollars cents", "10.25", "usd", false},
		{"dollars sub-cent rejected", "10.255", "USD", true},
		{"unknown currency", "1", "ZZZ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMoney(decimal.RequireFromString(tt.amount), tt.currency)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Len(t, m.Currency, 3)
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	a := MustMoney("10.10", "USD")
	b := MustMoney("0.20", "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "10.30 USD", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.True(t, diff.Amount.Equal(decimal.RequireFromString("9.9")))

	assert.Equal(t, "30.30 USD", a.Mul(3).String())

	cmp, err := a.Cmp(b)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	_, err := MustMoney("1", "USD").Add(MustMoney("1", "JPY"))
	assert.ErrorIs(t, err, ErrBusinessRule)

	_, err = SumMoney("JPY", MustMoney("1", "JPY"), MustMoney("1", "USD"))
	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestMoneyNeverRoundsAcrossComponents(t *testing.T) {
	// 0.1 + 0.2 is exact in decimal arithmetic.
	total, err := SumMoney("USD", MustMoney("0.10", "USD"), MustMoney("0.20", "USD"))
	require.NoError(t, err)
	assert.True(t, total.Amount.Equal(decimal.RequireFromString("0.3")))
}
