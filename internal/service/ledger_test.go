package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGVideoBot/internal/repository"
)

type stubRedeemer struct {
	tokens decimal.Decimal
	status repository.RedeemStatus
}

func (s stubRedeemer) Redeem(ctx context.Context, userID int64, code string) (decimal.Decimal, repository.RedeemStatus, error) {
	return s.tokens, s.status, nil
}

func TestLedgerReserve(t *testing.T) {
	balance := &fakeBalanceStore{balance: decimal.NewFromInt(10)}
	ledger := NewLedger(balance, stubRedeemer{}, discardLogger())

	require.NoError(t, ledger.Reserve(context.Background(), 1, decimal.NewFromInt(4)))

	got, _ := balance.snapshot()
	assert.True(t, decimal.NewFromInt(6).Equal(got))
}

func TestLedgerReserveInsufficient(t *testing.T) {
	balance := &fakeBalanceStore{balance: decimal.NewFromInt(3)}
	ledger := NewLedger(balance, stubRedeemer{}, discardLogger())

	err := ledger.Reserve(context.Background(), 1, decimal.NewFromInt(4))

	assert.ErrorIs(t, err, ErrInsufficientBalance)
	got, _ := balance.snapshot()
	assert.True(t, decimal.NewFromInt(3).Equal(got), "balance untouched")
}

func TestLedgerReserveZeroIsNoop(t *testing.T) {
	balance := &fakeBalanceStore{balance: decimal.Zero}
	ledger := NewLedger(balance, stubRedeemer{}, discardLogger())

	require.NoError(t, ledger.Reserve(context.Background(), 1, decimal.Zero))
}

func TestLedgerRefund(t *testing.T) {
	balance := &fakeBalanceStore{balance: decimal.NewFromInt(6)}
	ledger := NewLedger(balance, stubRedeemer{}, discardLogger())

	require.NoError(t, ledger.Refund(context.Background(), 1, "job-1", decimal.NewFromInt(4)))

	got, adds := balance.snapshot()
	assert.True(t, decimal.NewFromInt(10).Equal(got))
	assert.Equal(t, 1, adds)
}

func TestLedgerRedeemPromo(t *testing.T) {
	tests := []struct {
		name    string
		status  repository.RedeemStatus
		wantErr error
	}{
		{"invalid", repository.RedeemInvalid, ErrPromoInvalid},
		{"exhausted", repository.RedeemExhausted, ErrPromoExhausted},
		{"expired", repository.RedeemExpired, ErrPromoExpired},
		{"already used", repository.RedeemAlreadyUsed, ErrPromoAlreadyRedeemed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewLedger(&fakeBalanceStore{}, stubRedeemer{status: tt.status}, discardLogger())

			_, err := ledger.RedeemPromo(context.Background(), 1, "CODE")

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("ok", func(t *testing.T) {
		ledger := NewLedger(&fakeBalanceStore{},
			stubRedeemer{tokens: decimal.NewFromInt(5), status: repository.RedeemOK}, discardLogger())

		tokens, err := ledger.RedeemPromo(context.Background(), 1, "CODE")

		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(5).Equal(tokens))
	})
}
