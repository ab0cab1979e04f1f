package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGVideoBot/internal/repository"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoExpired         = errors.New("promo code expired")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
)

// BalanceStore is the slice of the user repository the ledger needs.
type BalanceStore interface {
	Reserve(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error)
	Add(ctx context.Context, userID int64, amount decimal.Decimal) error
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
}

// PromoRedeemer executes the transactional promo redemption.
type PromoRedeemer interface {
	Redeem(ctx context.Context, userID int64, code string) (decimal.Decimal, repository.RedeemStatus, error)
}

// Ledger owns every token movement: reservations when a job starts, commits
// when it delivers, refunds when it does not, and promo or admin credits.
// The reservation deducts immediately, so a commit only finalizes the charge
// and a refund returns exactly the reserved amount.
type Ledger struct {
	users  BalanceStore
	promos PromoRedeemer
	logger *slog.Logger
}

func NewLedger(users BalanceStore, promos PromoRedeemer, logger *slog.Logger) *Ledger {
	return &Ledger{users: users, promos: promos, logger: logger}
}

// Reserve holds amount from the user's balance. Returns
// ErrInsufficientBalance without touching the balance when it cannot cover
// the amount.
func (l *Ledger) Reserve(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	ok, err := l.users.Reserve(ctx, userID, amount)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if !ok {
		return ErrInsufficientBalance
	}
	l.logger.Info("tokens reserved",
		slog.Int64("user_id", userID),
		slog.String("amount", amount.String()))
	return nil
}

// Commit finalizes a reservation as a charge. The deduction already happened
// at reserve time, so this only records the fact.
func (l *Ledger) Commit(ctx context.Context, userID int64, jobID string, amount decimal.Decimal) {
	l.logger.Info("charge committed",
		slog.Int64("user_id", userID),
		slog.String("job_id", jobID),
		slog.String("amount", amount.String()))
}

// Refund returns a reserved amount to the user. The caller is responsible for
// calling this at most once per reservation.
func (l *Ledger) Refund(ctx context.Context, userID int64, jobID string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := l.users.Add(ctx, userID, amount); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	l.logger.Info("tokens refunded",
		slog.Int64("user_id", userID),
		slog.String("job_id", jobID),
		slog.String("amount", amount.String()))
	return nil
}

// Grant credits tokens outside the job flow (admin gifts, signup bonuses).
func (l *Ledger) Grant(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if err := l.users.Add(ctx, userID, amount); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	l.logger.Info("tokens granted",
		slog.Int64("user_id", userID),
		slog.String("amount", amount.String()))
	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.users.Balance(ctx, userID)
}

// RedeemPromo applies a promo code and returns the granted amount. Failures
// map onto the sentinel promo errors.
func (l *Ledger) RedeemPromo(ctx context.Context, userID int64, code string) (decimal.Decimal, error) {
	tokens, status, err := l.promos.Redeem(ctx, userID, code)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redeem promo: %w", err)
	}
	switch status {
	case repository.RedeemOK:
		l.logger.Info("promo redeemed",
			slog.Int64("user_id", userID),
			slog.String("code", code),
			slog.String("tokens", tokens.String()))
		return tokens, nil
	case repository.RedeemInvalid:
		return decimal.Zero, ErrPromoInvalid
	case repository.RedeemExhausted:
		return decimal.Zero, ErrPromoExhausted
	case repository.RedeemExpired:
		return decimal.Zero, ErrPromoExpired
	case repository.RedeemAlreadyUsed:
		return decimal.Zero, ErrPromoAlreadyRedeemed
	default:
		return decimal.Zero, fmt.Errorf("unexpected redeem status %q", status)
	}
}
