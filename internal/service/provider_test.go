package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"order-payment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yen(n int64) models.Money {
	return models.MustMoney(strconv.FormatInt(n, 10), "JPY")
}

func TestSimulatedProviderApproves(t *testing.T) {
	p := NewSimulatedProvider("sim", 1.0).WithLatency(0, 0)
	ctx := context.Background()

	resp, err := p.Authorize(ctx, AuthorizeRequest{PaymentID: "PAY_1", Amount: yen(2800)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.TransactionID, "TXN-"))
	assert.Len(t, resp.AuthorizationCode, 6)

	again, err := p.Authorize(ctx, AuthorizeRequest{PaymentID: "PAY_1", Amount: yen(2800)})
	require.NoError(t, err)
	assert.Equal(t, resp, again)

	require.NoError(t, p.Capture(ctx, resp.TransactionID, yen(2800)))
	refundID, err := p.Refund(ctx, resp.TransactionID, yen(1000))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(refundID, "RFD-"))
}

func TestSimulatedProviderDeclines(t *testing.T) {
	ctx := context.Background()

	_, err := NewSimulatedProvider("sim", 0).WithLatency(0, 0).
		Authorize(ctx, AuthorizeRequest{PaymentID: "PAY_2", Amount: yen(100)})
	var de *DeclineError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "do_not_honor", de.Code)
	assert.ErrorIs(t, err, models.ErrProviderDeclined)

	_, err = NewSimulatedProvider("sim", 1.0).WithLatency(0, 0).
		Authorize(ctx, AuthorizeRequest{PaymentID: "PAY_3", Amount: yen(100), Card: &CardData{Number: "4000 0000 0000 0002"}})
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "card_declined", de.Code)

	err = NewSimulatedProvider("sim", 1.0).WithLatency(0, 0).Capture(ctx, "bogus", yen(100))
	assert.ErrorIs(t, err, models.ErrProviderDeclined)
}

func TestSimulatedProviderVoidReleasesHold(t *testing.T) {
	p := NewSimulatedProvider("sim", 1.0).WithLatency(0, 0)
	ctx := context.Background()

	first, err := p.Authorize(ctx, AuthorizeRequest{PaymentID: "PAY_4", Amount: yen(500)})
	require.NoError(t, err)
	require.NoError(t, p.Void(ctx, first.TransactionID))

	second, err := p.Authorize(ctx, AuthorizeRequest{PaymentID: "PAY_4", Amount: yen(500)})
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionID, second.TransactionID, "voided hold is not replayed")

	assert.ErrorIs(t, p.Void(ctx, "bogus"), models.ErrProviderDeclined)
}

func TestSimulatedProviderHonoursDeadline(t *testing.T) {
	p := NewSimulatedProvider("sim", 1.0).WithLatency(time.Second, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Authorize(ctx, AuthorizeRequest{PaymentID: "PAY_4", Amount: yen(100)})
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func TestCallProviderNormalisesErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"decline kept", &DeclineError{Code: "x", Reason: "y"}, models.ErrProviderDeclined},
		{"unavailable kept", models.ErrProviderUnavailable, models.ErrProviderUnavailable},
		{"other becomes unavailable", errors.New("connection reset"), models.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := callProvider(ctx, "test", time.Second, func(context.Context) error { return tt.err })
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.NoError(t, callProvider(ctx, "test", time.Second, func(context.Context) error { return nil }))
	assert.Equal(t, "y", declineReason(&DeclineError{Code: "x", Reason: "y"}))
}
