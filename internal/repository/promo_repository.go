package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGVideoBot/internal/models"
)

// RedeemStatus is the outcome of a promo code redemption attempt.
type RedeemStatus string

const (
	RedeemOK          RedeemStatus = "ok"
	RedeemInvalid     RedeemStatus = "invalid"
	RedeemExhausted   RedeemStatus = "exhausted"
	RedeemExpired     RedeemStatus = "expired"
	RedeemAlreadyUsed RedeemStatus = "already_used"
)

type PromoRepository struct {
	db *sql.DB
}

func NewPromoRepository(db *sql.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	const query = `
SELECT id, code, tokens, max_uses, uses, expires_at, created_by, created_at
FROM promo_codes WHERE code = ?`
	row := r.db.QueryRowContext(ctx, query, code)
	promo, err := scanPromo(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return promo, nil
}

func (r *PromoRepository) List(ctx context.Context) ([]models.PromoCode, error) {
	const query = `
SELECT id, code, tokens, max_uses, uses, expires_at, created_by, created_at
FROM promo_codes ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	defer rows.Close()

	var promos []models.PromoCode
	for rows.Next() {
		promo, err := scanPromo(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan promo list: %w", err)
		}
		promos = append(promos, *promo)
	}
	return promos, rows.Err()
}

func (r *PromoRepository) Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error) {
	const query = `
INSERT INTO promo_codes (code, tokens, max_uses, expires_at, created_by)
VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, promo.Code, promo.Tokens, promo.MaxUses, promo.ExpiresAt, promo.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("create promo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("promo last insert id: %w", err)
	}
	promo.ID = id
	return r.GetByCode(ctx, promo.Code)
}

func (r *PromoRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM promo_codes WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete promo: %w", err)
	}
	return nil
}

// redeemDecision orders the redemption checks: a missing code is invalid, an
// expired code reports expired even to a user who already redeemed it, a
// repeat user never gets a second grant, and only then the usage cap applies.
func redeemDecision(promo *models.PromoCode, alreadyRedeemed bool, now time.Time) RedeemStatus {
	switch {
	case promo == nil:
		return RedeemInvalid
	case promo.Expired(now):
		return RedeemExpired
	case alreadyRedeemed:
		return RedeemAlreadyUsed
	case promo.Uses >= promo.MaxUses:
		return RedeemExhausted
	default:
		return RedeemOK
	}
}

// Redeem applies the code to the user in a single transaction: the promo row
// is locked, the usage cap, expiry and the per-user uniqueness are checked,
// then the redemption is recorded and the user's balance credited. Returns
// the granted token amount on RedeemOK.
func (r *PromoRepository) Redeem(ctx context.Context, userID int64, code string) (decimal.Decimal, RedeemStatus, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT id, tokens, max_uses, uses, expires_at FROM promo_codes WHERE code = ? FOR UPDATE`, code)
	var promo models.PromoCode
	var expiresAt sql.NullTime
	if err := row.Scan(&promo.ID, &promo.Tokens, &promo.MaxUses, &promo.Uses, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, RedeemInvalid, nil
		}
		return decimal.Zero, "", fmt.Errorf("lock promo: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		promo.ExpiresAt = &t
	}

	var dummy int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM promo_redemptions WHERE user_id = ? AND promo_code_id = ?`, userID, promo.ID).Scan(&dummy)
	alreadyRedeemed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, "", fmt.Errorf("check redemption: %w", err)
	}

	if status := redeemDecision(&promo, alreadyRedeemed, time.Now()); status != RedeemOK {
		return decimal.Zero, status, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO promo_redemptions (user_id, promo_code_id) VALUES (?, ?)`, userID, promo.ID); err != nil {
		return decimal.Zero, "", fmt.Errorf("insert redemption: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE promo_codes SET uses = uses + 1 WHERE id = ?`, promo.ID); err != nil {
		return decimal.Zero, "", fmt.Errorf("increment promo uses: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET balance_tokens = balance_tokens + ?, updated_at = NOW() WHERE id = ?`, promo.Tokens, userID); err != nil {
		return decimal.Zero, "", fmt.Errorf("credit promo tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, "", fmt.Errorf("commit promo tx: %w", err)
	}
	return promo.Tokens, RedeemOK, nil
}

func scanPromo(scan func(dest ...any) error) (*models.PromoCode, error) {
	var promo models.PromoCode
	var expiresAt sql.NullTime
	if err := scan(&promo.ID, &promo.Code, &promo.Tokens, &promo.MaxUses, &promo.Uses, &expiresAt, &promo.CreatedBy, &promo.CreatedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		promo.ExpiresAt = &t
	}
	return &promo, nil
}
